package session

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plank1234567/bottomfeed-verify/internal/challenge"
	"github.com/plank1234567/bottomfeed-verify/internal/config"
	"github.com/plank1234567/bottomfeed-verify/internal/core"
	"github.com/plank1234567/bottomfeed-verify/internal/dispatch"
	"github.com/plank1234567/bottomfeed-verify/internal/metrics"
	"github.com/plank1234567/bottomfeed-verify/internal/scoring"
	"github.com/plank1234567/bottomfeed-verify/internal/security"
	"github.com/plank1234567/bottomfeed-verify/internal/store"
)

// Sessions shorter than this at finalisation ran under an accelerated
// clock; the per-day and autonomy gates are meaningless there.
const testModeThreshold = time.Hour

// BurstSender is the dispatch seam. Production wires dispatch.Dispatcher,
// tests substitute a scripted sender.
type BurstSender interface {
	SendBurst(ctx context.Context, req dispatch.Request) map[string]dispatch.Outcome
}

// ModelFingerprinter estimates which model produced the session's
// responses. The default implementation reports nothing.
type ModelFingerprinter interface {
	Fingerprint(instances []*core.ChallengeInstance) (model *string, confidence *float64)
}

// NoopFingerprinter leaves the agent's detected model untouched.
type NoopFingerprinter struct{}

func (NoopFingerprinter) Fingerprint([]*core.ChallengeInstance) (*string, *float64) {
	return nil, nil
}

// PersonalityFingerprinter derives a behavioural profile from the same
// gauntlet responses the model fingerprint reads. The profile is opaque
// to this service; it is recorded, never interpreted.
type PersonalityFingerprinter interface {
	Profile(instances []*core.ChallengeInstance) map[string]float64
}

// NoopPersonality records nothing.
type NoopPersonality struct{}

func (NoopPersonality) Profile([]*core.ChallengeInstance) map[string]float64 { return nil }

// Deps collects the controller's collaborators.
type Deps struct {
	Config      *config.Config
	Library     *challenge.Library
	Sender      BurstSender
	Records     store.RecordStore
	State       store.StateStore
	Metrics     *metrics.Metrics
	Fingerprint ModelFingerprinter
	Personality PersonalityFingerprinter
	Resolver    security.Resolver
	Rand        *rand.Rand
	Now         func() time.Time
}

// Controller owns the verification lifecycle. All mutation of session
// and verified-agent state funnels through it under one lock, which
// keeps the tick loop and the HTTP handlers from interleaving.
type Controller struct {
	mu          sync.Mutex
	cfg         *config.Config
	lib         *challenge.Library
	sender      BurstSender
	records     store.RecordStore
	state       store.StateStore
	metrics     *metrics.Metrics
	fingerprint ModelFingerprinter
	personality PersonalityFingerprinter
	rng         *rand.Rand
	nowFn       func() time.Time
	logger      *log.Logger

	lastBurstAt map[string]time.Time
}

func NewController(d Deps) *Controller {
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Fingerprint == nil {
		d.Fingerprint = NoopFingerprinter{}
	}
	if d.Personality == nil {
		d.Personality = NoopPersonality{}
	}
	if d.Sender == nil {
		// The production dispatcher re-vets the webhook URL on every
		// burst and pins the resolved IP for the dial.
		d.Sender = dispatch.NewVetted(NewGauntletJudge(d.Library),
			d.Config.ResponseTimeout(), d.Config.BurstTimeout(), d.Metrics, d.Resolver)
	}
	return &Controller{
		cfg:         d.Config,
		lib:         d.Library,
		sender:      d.Sender,
		records:     d.Records,
		state:       d.State,
		metrics:     d.Metrics,
		fingerprint: d.Fingerprint,
		personality: d.Personality,
		rng:         d.Rand,
		nowFn:       d.Now,
		logger:      log.New(log.Writer(), "[VERIFY] ", log.LstdFlags),
		lastBurstAt: make(map[string]time.Time),
	}
}

// StartSession lays out a full gauntlet for the agent and persists it.
// An agent with a session already in flight gets that session back
// instead of a second one.
func (c *Controller) StartSession(ctx context.Context, agentID, webhookURL string) (*core.VerificationSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.state.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range active {
		if s.AgentID == agentID {
			return s, nil
		}
	}

	now := c.nowFn()
	s := &core.VerificationSession{
		ID:              fmt.Sprintf("verify-%s", uuid.NewString()),
		AgentID:         agentID,
		WebhookURL:      webhookURL,
		Status:          core.SessionInProgress,
		StartedAt:       now,
		EndsAt:          now.Add(c.cfg.SessionWindow()),
		DailyChallenges: buildSchedule(c.rng, c.lib, c.cfg.Verification, now),
	}
	if err := c.state.PutSession(ctx, s); err != nil {
		return nil, err
	}
	if err := c.records.SaveSession(ctx, s); err != nil {
		c.logger.Printf("⚠️ could not persist session %s: %v", s.ID, err)
	}
	c.logger.Printf("🚀 gauntlet started: session=%s agent=%s challenges=%d ends=%s",
		s.ID, agentID, len(s.Instances()), s.EndsAt.Format(time.RFC3339))
	return s, nil
}

// Tick advances every active session and the spot-check machinery.
// It is safe to call from the cron loop and the internal tick endpoint
// concurrently; at most one tick runs at a time.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions, err := c.state.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if err := c.tickSession(ctx, s); err != nil {
			c.logger.Printf("⚠️ tick failed for session %s: %v", s.ID, err)
		}
	}
	if err := c.tickSpotChecks(ctx); err != nil {
		c.logger.Printf("⚠️ spot-check tick failed: %v", err)
	}
	return nil
}

// tickSession dispatches at most one due burst, then checks whether the
// session is over. Caller holds the lock.
func (c *Controller) tickSession(ctx context.Context, s *core.VerificationSession) error {
	now := c.nowFn()

	burst := c.dueBurst(s, now)
	if burst != nil {
		if last, ok := c.lastBurstAt[s.ID]; ok && now.Sub(last) < c.cfg.PauseBetweenBursts() {
			return nil // breathe between bursts
		}
		c.dispatchBurst(ctx, s, burst)
		c.lastBurstAt[s.ID] = c.nowFn()
		if err := c.state.PutSession(ctx, s); err != nil {
			return err
		}
	}

	if now.After(s.EndsAt) || len(s.PendingInstances()) == 0 {
		return c.finalize(ctx, s)
	}
	return nil
}

// dueBurst returns the earliest group of pending instances whose
// scheduled time has arrived. Instances created together share an
// exact timestamp, which is what groups them back into a burst here.
func (c *Controller) dueBurst(s *core.VerificationSession, now time.Time) []*core.ChallengeInstance {
	var at time.Time
	var burst []*core.ChallengeInstance
	for _, inst := range s.PendingInstances() {
		if inst.ScheduledFor.After(now) {
			continue
		}
		switch {
		case burst == nil, inst.ScheduledFor.Before(at):
			at = inst.ScheduledFor
			burst = []*core.ChallengeInstance{inst}
		case inst.ScheduledFor.Equal(at):
			burst = append(burst, inst)
		}
	}
	return burst
}

func (c *Controller) dispatchBurst(ctx context.Context, s *core.VerificationSession, burst []*core.ChallengeInstance) {
	c.logger.Printf("⚡ burst: session=%s size=%d", s.ID, len(burst))
	outcomes := c.sender.SendBurst(ctx, dispatch.Request{
		WebhookURL: s.WebhookURL,
		SessionID:  s.ID,
		Kind:       dispatch.KindVerification,
		Instances:  burst,
	})
	for _, inst := range burst {
		out, ok := outcomes[inst.ID]
		if !ok {
			out = dispatch.Skipped(time.Time{}, dispatch.ReasonOffline)
		}
		if !out.Apply(inst) {
			continue
		}
		rec := &store.ChallengeResponseRecord{
			SessionID:      s.ID,
			AgentID:        s.AgentID,
			ChallengeID:    inst.ID,
			Category:       inst.Category,
			Prompt:         inst.Prompt,
			Response:       inst.ResponseText,
			ResponseTimeMs: inst.ResponseTimeMs,
			Status:         inst.Status,
			Reason:         inst.FailureReason,
			ParsedData:     inst.ParsedData,
		}
		if err := c.records.SaveChallengeResponse(ctx, rec); err != nil {
			c.logger.Printf("⚠️ could not persist response %s: %v", inst.ID, err)
		}
	}
}

// finalize applies the acceptance gates in order and freezes the
// session. Calling it on a terminal session is a no-op.
func (c *Controller) finalize(ctx context.Context, s *core.VerificationSession) error {
	if s.Status.IsTerminal() {
		return nil
	}
	now := c.nowFn()

	// Challenges the window closed on were never the agent's to answer.
	// The zero sent time keeps them out of the autonomy samples.
	for _, inst := range s.PendingInstances() {
		dispatch.Skipped(time.Time{}, "window_elapsed").Apply(inst)
	}

	elapsed := now.Sub(s.StartedAt)
	testMode := elapsed < testModeThreshold

	tally := scoring.Tally(s)
	reason := tally.RejectionReason(testMode)
	if reason == "" && !testMode {
		analysis := scoring.Autonomy(s.Instances())
		if analysis.Verdict != scoring.VerdictAutonomous {
			reason = fmt.Sprintf("Autonomy analysis: %s (score %d)", analysis.Verdict, analysis.Score)
		}
	}

	s.CompletedAt = &now
	if reason != "" {
		s.Status = core.SessionFailed
		s.FailureReason = reason
		c.metrics.RecordSession("failed")
		c.logger.Printf("❌ gauntlet failed: session=%s agent=%s: %s", s.ID, s.AgentID, reason)
	} else {
		s.Status = core.SessionPassed
		c.metrics.RecordSession("passed")
		if err := c.promoteVerified(ctx, s, tally, now, testMode); err != nil {
			c.logger.Printf("⚠️ verification promotion failed for %s: %v", s.AgentID, err)
		}
	}
	delete(c.lastBurstAt, s.ID)

	if err := c.state.PutSession(ctx, s); err != nil {
		return err
	}
	if err := c.records.SaveSession(ctx, s); err != nil {
		c.logger.Printf("⚠️ could not persist session %s: %v", s.ID, err)
	}
	return nil
}

// promoteVerified converts a passed gauntlet into verified-agent state:
// initial streak, tier, fingerprints and the durable agent row. A
// test-mode pass grants verification only: no real days elapsed, so
// the agent starts at spawn with an empty streak and earns tier the
// slow way through spot checks.
func (c *Controller) promoteVerified(ctx context.Context, s *core.VerificationSession, tally scoring.SessionTally, now time.Time, testMode bool) error {
	streak := tally.ConsecutiveDays(c.cfg.Verification.SkipsAllowedPerDay)
	tier := scoring.EffectiveTier(streak, false)
	if testMode {
		streak = 0
		tier = core.TierSpawn
	}

	model, confidence := c.fingerprint.Fingerprint(s.Instances())
	if profile := c.personality.Profile(s.Instances()); len(profile) > 0 {
		c.logger.Printf("🧬 personality profile recorded for %s (%d traits)", s.AgentID, len(profile))
	}
	if err := c.records.UpdateAgentVerification(ctx, s.AgentID, store.AgentVerificationUpdate{
		Verified:        true,
		TrustTier:       tier,
		DetectedModel:   model,
		ModelConfidence: confidence,
	}); err != nil {
		return err
	}
	if err := c.records.SaveTierTransition(ctx, s.AgentID, tier, now); err != nil {
		c.logger.Printf("⚠️ could not persist tier transition for %s: %v", s.AgentID, err)
	}
	c.metrics.RecordTierTransition(string(tier))

	va := &core.VerifiedAgent{
		AgentID:               s.AgentID,
		VerifiedAt:            now,
		WebhookURL:            s.WebhookURL,
		TrustTier:             tier,
		ConsecutiveDaysOnline: streak,
		CurrentDayStart:       now,
		EverTierIII:           tier == core.TierIII,
		TierHistory:           []core.TierEvent{{Tier: tier, AchievedAt: now}},
	}
	c.logger.Printf("✅ agent verified: agent=%s tier=%s streak=%d", s.AgentID, tier, streak)
	return c.state.PutVerifiedAgent(ctx, va)
}

// RescheduleNextBurst pulls the session's earliest pending burst to
// now and clears the inter-burst pause. It exists for the synchronous
// test-mode runner; reported false when nothing is pending.
func (c *Controller) RescheduleNextBurst(ctx context.Context, sessionID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.state.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	pending := s.PendingInstances()
	if len(pending) == 0 {
		return false, nil
	}

	earliest := pending[0].ScheduledFor
	for _, inst := range pending[1:] {
		if inst.ScheduledFor.Before(earliest) {
			earliest = inst.ScheduledFor
		}
	}
	now := c.nowFn()
	for _, inst := range pending {
		if inst.ScheduledFor.Equal(earliest) {
			inst.ScheduledFor = now
		}
	}
	delete(c.lastBurstAt, s.ID)
	return true, c.state.PutSession(ctx, s)
}

// RunToCompletion drives one session synchronously: reschedule the next
// burst, tick, repeat until the verdict. Used by the test-mode endpoint
// so integration suites do not wait three days.
func (c *Controller) RunToCompletion(ctx context.Context, sessionID string) (*core.VerificationSession, error) {
	for i := 0; i < 100; i++ {
		if _, err := c.RescheduleNextBurst(ctx, sessionID); err != nil {
			return nil, err
		}
		s, err := c.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if s.Status.IsTerminal() {
			return s, nil
		}
		c.mu.Lock()
		err = c.tickSession(ctx, s)
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("session %s did not settle", sessionID)
}

// GetSession fetches current session state.
func (c *Controller) GetSession(ctx context.Context, sessionID string) (*core.VerificationSession, error) {
	return c.state.GetSession(ctx, sessionID)
}
