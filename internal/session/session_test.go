package session

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plank1234567/bottomfeed-verify/internal/challenge"
	"github.com/plank1234567/bottomfeed-verify/internal/config"
	"github.com/plank1234567/bottomfeed-verify/internal/core"
	"github.com/plank1234567/bottomfeed-verify/internal/dispatch"
	"github.com/plank1234567/bottomfeed-verify/internal/scoring"
	"github.com/plank1234567/bottomfeed-verify/internal/store"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

// scriptSender resolves every instance the same way without touching
// the network.
type scriptSender struct {
	mode   string // "pass", "fail", "skip"
	bursts int
}

func (s *scriptSender) SendBurst(_ context.Context, req dispatch.Request) map[string]dispatch.Outcome {
	s.bursts++
	out := make(map[string]dispatch.Outcome, len(req.Instances))
	now := time.Now()
	for _, inst := range req.Instances {
		switch s.mode {
		case "pass":
			out[inst.ID] = dispatch.Passed(now, now.Add(1200*time.Millisecond), 1200, "a scripted passing answer", nil)
		case "fail":
			out[inst.ID] = dispatch.Failed(now, now.Add(time.Second), 1000, "a scripted wrong answer", "incorrect answer")
		default:
			out[inst.ID] = dispatch.Skipped(now, dispatch.ReasonOffline)
		}
	}
	return out
}

func newTestController(mode string) (*Controller, *store.Memory, *fakeClock, *scriptSender) {
	cfg := config.Default()
	cfg.Verification.PauseBetweenBurstsMs = 0
	mem := store.NewMemory("")
	clk := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	sender := &scriptSender{mode: mode}
	c := NewController(Deps{
		Config:  cfg,
		Library: challenge.NewLibrary(rand.New(rand.NewSource(7))),
		Sender:  sender,
		Records: mem,
		State:   mem,
		Rand:    rand.New(rand.NewSource(42)),
		Now:     clk.Now,
	})
	return c, mem, clk, sender
}

func TestStartSessionSchedule(t *testing.T) {
	c, _, clk, _ := newTestController("pass")

	s, err := c.StartSession(context.Background(), "agent-1", "https://agent.example.com/webhook")
	require.NoError(t, err)

	assert.Equal(t, core.SessionInProgress, s.Status)
	assert.Equal(t, clk.Now().Add(72*time.Hour), s.EndsAt)
	require.Len(t, s.DailyChallenges, 3)

	total := len(s.Instances())
	assert.GreaterOrEqual(t, total, 9)
	assert.LessOrEqual(t, total, 15)

	night := 0
	for d, day := range s.DailyChallenges {
		assert.NotEmpty(t, day.Challenges, "day %d has no challenges", d+1)
		assert.NotEmpty(t, day.BurstTimes, "day %d has no bursts", d+1)
		for _, inst := range day.Challenges {
			assert.Equal(t, core.StatusPending, inst.Status)
			assert.True(t, inst.ScheduledFor.After(clk.Now().Add(-time.Second)))
			assert.True(t, inst.ScheduledFor.Before(s.EndsAt))
			if inst.IsNightChallenge {
				night++
				h := inst.ScheduledFor.UTC().Hour()
				assert.True(t, h >= 1 && h < 6, "night challenge at hour %d", h)
			}
		}
	}
	assert.GreaterOrEqual(t, night, 2)

	// No duplicate templates across the gauntlet.
	seen := map[string]bool{}
	for _, inst := range s.Instances() {
		assert.False(t, seen[inst.TemplateID], "template %s repeated", inst.TemplateID)
		seen[inst.TemplateID] = true
	}
}

func TestStartSessionReusesActive(t *testing.T) {
	c, _, _, _ := newTestController("pass")
	ctx := context.Background()

	s1, err := c.StartSession(ctx, "agent-1", "https://agent.example.com/webhook")
	require.NoError(t, err)
	s2, err := c.StartSession(ctx, "agent-1", "https://agent.example.com/webhook")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)
}

func TestRunToCompletionAllPass(t *testing.T) {
	c, mem, _, _ := newTestController("pass")
	ctx := context.Background()
	mem.SeedAgent(&core.Agent{ID: "agent-1", CreatedAt: time.Now()})

	s, err := c.StartSession(ctx, "agent-1", "https://agent.example.com/webhook")
	require.NoError(t, err)

	done, err := c.RunToCompletion(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionPassed, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.FailureReason)

	// The whole run took well under an hour of wall clock, so no real
	// days were observed: the agent is verified but starts at spawn
	// with an empty streak.
	va, err := mem.GetVerifiedAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, va.ConsecutiveDaysOnline)
	assert.Equal(t, core.TierSpawn, va.TrustTier)

	agent, err := mem.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Verified)
	assert.Equal(t, core.TierSpawn, agent.TrustTier)

	events := mem.TierTransitions("agent-1")
	require.Len(t, events, 1)
	assert.Equal(t, core.TierSpawn, events[0].Tier)

	// Every delivered challenge left an audit row.
	assert.Len(t, mem.ChallengeResponses(), len(done.Instances()))
}

func TestPromotionNormalModeEarnsTier(t *testing.T) {
	c, mem, clk, _ := newTestController("pass")
	ctx := context.Background()
	mem.SeedAgent(&core.Agent{ID: "agent-1", CreatedAt: time.Now()})

	s, err := c.StartSession(ctx, "agent-1", "https://agent.example.com/webhook")
	require.NoError(t, err)
	for _, inst := range s.Instances() {
		sent := inst.ScheduledFor
		dispatch.Passed(sent, sent.Add(time.Second), 1200, "a scripted passing answer", nil).Apply(inst)
	}
	clk.Advance(72 * time.Hour)

	tally := scoring.Tally(s)
	require.NoError(t, c.promoteVerified(ctx, s, tally, clk.Now(), false))

	va, err := mem.GetVerifiedAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, va.ConsecutiveDaysOnline)
	assert.Equal(t, core.TierII, va.TrustTier)
}

func TestRunToCompletionAllWrong(t *testing.T) {
	c, _, _, _ := newTestController("fail")
	ctx := context.Background()

	s, err := c.StartSession(ctx, "agent-1", "https://agent.example.com/webhook")
	require.NoError(t, err)

	done, err := c.RunToCompletion(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionFailed, done.Status)
	assert.Contains(t, done.FailureReason, "attempted challenges")
}

func TestRunToCompletionUnreachable(t *testing.T) {
	c, mem, _, _ := newTestController("skip")
	ctx := context.Background()

	s, err := c.StartSession(ctx, "agent-1", "https://agent.example.com/webhook")
	require.NoError(t, err)

	done, err := c.RunToCompletion(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionFailed, done.Status)
	assert.Contains(t, done.FailureReason, "Too few challenge responses")

	_, err = mem.GetVerifiedAgent(ctx, "agent-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	c, _, _, sender := newTestController("pass")
	c.cfg.SpotCheck.RatePerDayByTier = map[string]float64{}
	ctx := context.Background()

	s, err := c.StartSession(ctx, "agent-1", "https://agent.example.com/webhook")
	require.NoError(t, err)

	done, err := c.RunToCompletion(ctx, s.ID)
	require.NoError(t, err)
	completedAt := *done.CompletedAt
	burstsBefore := sender.bursts

	// A second run and further ticks must not move the verdict.
	again, err := c.RunToCompletion(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, c.Tick(ctx))
	assert.Equal(t, core.SessionPassed, again.Status)
	assert.Equal(t, completedAt, *again.CompletedAt)
	assert.Equal(t, burstsBefore, sender.bursts)
}

func TestWindowElapsedFinalizesAsFailed(t *testing.T) {
	c, _, clk, _ := newTestController("pass")
	ctx := context.Background()

	s, err := c.StartSession(ctx, "agent-1", "https://agent.example.com/webhook")
	require.NoError(t, err)

	// Jump past the window end: one last due burst goes out, every
	// other challenge expires unanswered.
	clk.Advance(73 * time.Hour)
	require.NoError(t, c.Tick(ctx))

	done, err := c.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionFailed, done.Status)
	assert.Contains(t, done.FailureReason, "Too few challenge responses")
	for _, inst := range done.Instances() {
		assert.NotEqual(t, core.StatusPending, inst.Status)
		// Challenges the window closed on were never delivered, so they
		// carry no send time.
		if inst.FailureReason == "window_elapsed" {
			assert.Nil(t, inst.SentAt, "instance %s", inst.ID)
		}
	}
}

// recordingPersonality captures the promotion-time profile call.
type recordingPersonality struct {
	calls     int
	instances int
}

func (r *recordingPersonality) Profile(in []*core.ChallengeInstance) map[string]float64 {
	r.calls++
	r.instances = len(in)
	return map[string]float64{"verbosity": 0.4}
}

func TestPromotionRecordsPersonalityProfile(t *testing.T) {
	c, mem, _, _ := newTestController("pass")
	rp := &recordingPersonality{}
	c.personality = rp
	ctx := context.Background()
	mem.SeedAgent(&core.Agent{ID: "agent-1", CreatedAt: time.Now()})

	s, err := c.StartSession(ctx, "agent-1", "https://agent.example.com/webhook")
	require.NoError(t, err)
	done, err := c.RunToCompletion(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, core.SessionPassed, done.Status)

	assert.Equal(t, 1, rp.calls)
	assert.Equal(t, len(done.Instances()), rp.instances)
}

func seedVerified(t *testing.T, mem *store.Memory, clk *fakeClock, tier core.TrustTier, streak int) *core.VerifiedAgent {
	t.Helper()
	va := &core.VerifiedAgent{
		AgentID:               "agent-1",
		VerifiedAt:            clk.Now().Add(-24 * time.Hour),
		WebhookURL:            "https://agent.example.com/webhook",
		TrustTier:             tier,
		ConsecutiveDaysOnline: streak,
		CurrentDayStart:       clk.Now(),
	}
	require.NoError(t, mem.PutVerifiedAgent(context.Background(), va))
	mem.SeedAgent(&core.Agent{ID: "agent-1", Verified: true, TrustTier: tier, CreatedAt: time.Now()})
	return va
}

// withCertainSpotChecks stretches the tick interval until the Poisson
// sample fires every tick for every tier.
func withCertainSpotChecks(c *Controller) {
	c.cfg.Tick.EverySeconds = 24 * 3600
}

func TestSpotCheckPassExtendsHistory(t *testing.T) {
	c, mem, clk, _ := newTestController("pass")
	withCertainSpotChecks(c)
	ctx := context.Background()
	seedVerified(t, mem, clk, core.TierII, 3)

	require.NoError(t, c.Tick(ctx))

	va, err := mem.GetVerifiedAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, va.SpotCheckHistory, 1)
	assert.True(t, va.SpotCheckHistory[0].Passed)
	assert.NotNil(t, va.LastSpotCheck)

	// Probe is settled, not left pending.
	pending, err := mem.ListPendingSpotChecks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSpotCheckSkipsResetStreak(t *testing.T) {
	c, mem, clk, _ := newTestController("skip")
	withCertainSpotChecks(c)
	ctx := context.Background()
	seedVerified(t, mem, clk, core.TierII, 3)

	// First miss stays within the daily grace allowance.
	require.NoError(t, c.Tick(ctx))
	va, err := mem.GetVerifiedAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, va.ConsecutiveDaysOnline)
	assert.Equal(t, core.TierII, va.TrustTier)

	// Second miss the same day blows through it.
	clk.Advance(time.Hour)
	require.NoError(t, c.Tick(ctx))
	va, err = mem.GetVerifiedAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, va.ConsecutiveDaysOnline)
	assert.Equal(t, core.TierSpawn, va.TrustTier)
}

func TestRevocationOnAbsoluteFailures(t *testing.T) {
	c, mem, clk, _ := newTestController("fail")
	withCertainSpotChecks(c)
	ctx := context.Background()
	seedVerified(t, mem, clk, core.TierII, 3)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Tick(ctx))
		clk.Advance(time.Minute)
	}

	_, err := mem.GetVerifiedAgent(ctx, "agent-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	agent, err := mem.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, agent.Verified)
	assert.Equal(t, core.TierSpawn, agent.TrustTier)
}

func TestRevocationOnFailureRatio(t *testing.T) {
	c, mem, clk, _ := newTestController("fail")
	withCertainSpotChecks(c)
	ctx := context.Background()
	va := seedVerified(t, mem, clk, core.TierII, 3)

	// Nine prior checks, two failed. One more failure makes 3/10,
	// past the 25% ratio.
	for i := 0; i < 9; i++ {
		va.SpotCheckHistory = append(va.SpotCheckHistory, core.SpotCheckResult{
			Timestamp: clk.Now().Add(-time.Duration(i+1) * time.Hour),
			Passed:    i >= 2,
		})
	}
	require.NoError(t, mem.PutVerifiedAgent(ctx, va))

	require.NoError(t, c.Tick(ctx))

	_, err := mem.GetVerifiedAgent(ctx, "agent-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRevocationKeepsTierIIIFloor(t *testing.T) {
	c, mem, clk, _ := newTestController("fail")
	withCertainSpotChecks(c)
	ctx := context.Background()
	va := seedVerified(t, mem, clk, core.TierIII, 8)
	va.EverTierIII = true
	require.NoError(t, mem.PutVerifiedAgent(ctx, va))

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Tick(ctx))
		clk.Advance(time.Minute)
	}

	// Revocation runs: verification is gone and spot checks stop.
	_, err := mem.GetVerifiedAgent(ctx, "agent-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// But the permanent tier survives it.
	agent, err := mem.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, agent.Verified)
	assert.Equal(t, core.TierIII, agent.TrustTier)
}

func TestOldFailuresAgeOut(t *testing.T) {
	c, mem, clk, _ := newTestController("pass")
	withCertainSpotChecks(c)
	ctx := context.Background()
	va := seedVerified(t, mem, clk, core.TierII, 3)

	// Failures from five weeks ago are outside the rolling window.
	for i := 0; i < 12; i++ {
		va.SpotCheckHistory = append(va.SpotCheckHistory, core.SpotCheckResult{
			Timestamp: clk.Now().Add(-35 * 24 * time.Hour),
			Passed:    false,
		})
	}
	require.NoError(t, mem.PutVerifiedAgent(ctx, va))

	require.NoError(t, c.Tick(ctx))

	va, err := mem.GetVerifiedAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, va.SpotCheckHistory, 1)
	assert.True(t, va.SpotCheckHistory[0].Passed)
}

func TestDayClosePromotesTier(t *testing.T) {
	c, mem, clk, _ := newTestController("pass")
	withCertainSpotChecks(c)
	ctx := context.Background()
	va := seedVerified(t, mem, clk, core.TierI, 2)
	va.CurrentDayStart = clk.Now().Add(-25 * time.Hour)
	require.NoError(t, mem.PutVerifiedAgent(ctx, va))

	// The answered probe closes the elapsed day: streak 3, tier up.
	require.NoError(t, c.Tick(ctx))

	va, err := mem.GetVerifiedAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, va.ConsecutiveDaysOnline)
	assert.Equal(t, core.TierII, va.TrustTier)
	assert.Equal(t, clk.Now(), va.CurrentDayStart)
}

func TestUnprobedDaysEarnNoStreak(t *testing.T) {
	c, mem, clk, _ := newTestController("pass")
	withCertainSpotChecks(c)
	ctx := context.Background()
	va := seedVerified(t, mem, clk, core.TierI, 1)
	// Eight days with no probe outcome recorded at all.
	va.CurrentDayStart = clk.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, mem.PutVerifiedAgent(ctx, va))

	require.NoError(t, c.Tick(ctx))

	// At most one day closes per recorded outcome: the agent does not
	// wake up a week richer.
	va, err := mem.GetVerifiedAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, va.ConsecutiveDaysOnline)
	assert.Equal(t, core.TierI, va.TrustTier)
	assert.False(t, va.EverTierIII)
	assert.Equal(t, clk.Now(), va.CurrentDayStart)
}

func TestTierIIIIsPermanent(t *testing.T) {
	c, mem, clk, _ := newTestController("skip")
	withCertainSpotChecks(c)
	ctx := context.Background()
	va := seedVerified(t, mem, clk, core.TierIII, 8)
	va.EverTierIII = true
	require.NoError(t, mem.PutVerifiedAgent(ctx, va))

	// Blow through the skip allowance; the streak resets but the
	// tier floor holds.
	require.NoError(t, c.Tick(ctx))
	clk.Advance(time.Hour)
	require.NoError(t, c.Tick(ctx))

	va, err := mem.GetVerifiedAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, va.ConsecutiveDaysOnline)
	assert.Equal(t, core.TierIII, va.TrustTier)
}

func TestStaleSpotCheckCountsAsSkip(t *testing.T) {
	c, mem, clk, _ := newTestController("pass")
	// Rate zero: this test only exercises expiry, not new probes.
	c.cfg.SpotCheck.RatePerDayByTier = map[string]float64{}
	ctx := context.Background()
	va := seedVerified(t, mem, clk, core.TierII, 3)

	require.NoError(t, mem.PutSpotCheck(ctx, &core.SpotCheck{
		ID:           "spot-stale",
		AgentID:      va.AgentID,
		ScheduledFor: clk.Now().Add(-11 * time.Minute),
	}))

	require.NoError(t, c.Tick(ctx))

	pending, err := mem.ListPendingSpotChecks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	va, err = mem.GetVerifiedAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, va.CurrentDaySkips)
}
