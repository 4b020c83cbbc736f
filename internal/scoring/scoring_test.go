package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plank1234567/bottomfeed-verify/internal/core"
)

func TestTierFromStreakMonotone(t *testing.T) {
	assert.Equal(t, core.TierSpawn, TierFromStreak(0))
	assert.Equal(t, core.TierI, TierFromStreak(1))
	assert.Equal(t, core.TierI, TierFromStreak(2))
	assert.Equal(t, core.TierII, TierFromStreak(3))
	assert.Equal(t, core.TierII, TierFromStreak(6))
	assert.Equal(t, core.TierIII, TierFromStreak(7))
	assert.Equal(t, core.TierIII, TierFromStreak(100))

	prev := 0
	for days := 0; days <= 20; days++ {
		rank := TierRank(TierFromStreak(days))
		assert.GreaterOrEqual(t, rank, prev)
		prev = rank
	}
}

func TestEffectiveTierPermanentFloor(t *testing.T) {
	// Once III has been achieved the tier never falls below III.
	assert.Equal(t, core.TierIII, EffectiveTier(0, true))
	assert.Equal(t, core.TierIII, EffectiveTier(3, true))
	assert.Equal(t, core.TierSpawn, EffectiveTier(0, false))
	assert.Equal(t, core.TierII, EffectiveTier(3, false))
}

func TestQualityGateRejectsShort(t *testing.T) {
	ok, reason := QualityGate("structured_extraction", nil, "ok")
	assert.False(t, ok)
	assert.Contains(t, reason, "quality:")
}

func TestQualityGateRejectsRepetition(t *testing.T) {
	ok, _ := QualityGate("structured_extraction", nil, "yes yes yes yes yes yes yes yes")
	assert.False(t, ok)
}

func TestQualityGateRejectsNonAlphabetic(t *testing.T) {
	ok, _ := QualityGate("structured_extraction", nil, "1234 5678 9012 3456 7890 ####")
	assert.False(t, ok)
}

func TestQualityGateReasoningTraceNeedsWork(t *testing.T) {
	ok, _ := QualityGate("reasoning_trace", nil, "the answer is definitely that one")
	assert.False(t, ok)

	ok, _ = QualityGate("reasoning_trace", nil, "First we take 12 and divide by 4 giving 3")
	assert.True(t, ok)
}

func TestQualityGateHallucinationHedging(t *testing.T) {
	gt := map[string]interface{}{"exists": false}

	ok, _ := QualityGate("hallucination_detection", gt,
		"Professor Hartwell was born in 1952 and pioneered quantum botany at Oxford")
	assert.False(t, ok)

	ok, _ = QualityGate("hallucination_detection", gt,
		"I can find no record of this person and believe they may not exist")
	assert.True(t, ok)
}

func TestQualityGateAcceptsOrdinaryAnswer(t *testing.T) {
	ok, reason := QualityGate("structured_extraction", nil,
		"The invoice total comes to forty dollars including shipping and tax")
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func passedInst(rt int64, night bool) *core.ChallengeInstance {
	now := time.Now()
	return &core.ChallengeInstance{
		Status: core.StatusPassed, ResponseTimeMs: rt,
		SentAt: &now, IsNightChallenge: night,
	}
}

func skippedAt(hour int) *core.ChallengeInstance {
	ts := time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC)
	return &core.ChallengeInstance{Status: core.StatusSkipped, SentAt: &ts}
}

func TestAutonomyHappyPath(t *testing.T) {
	// Nine steady sub-second answers, two of them at night.
	var insts []*core.ChallengeInstance
	for i := 0; i < 9; i++ {
		insts = append(insts, passedInst(500+int64(i*10), i < 2))
	}

	a := Autonomy(insts)
	assert.Equal(t, VerdictAutonomous, a.Verdict)
	assert.GreaterOrEqual(t, a.Score, 75)
	assert.Empty(t, a.Reasons)
}

func TestAutonomyScoreBounded(t *testing.T) {
	cases := [][]*core.ChallengeInstance{
		nil,
		{passedInst(100, false)},
		{skippedAt(23), skippedAt(2), skippedAt(3), skippedAt(4)},
		{passedInst(100, true), passedInst(90000, true), skippedAt(1)},
	}
	for _, insts := range cases {
		a := Autonomy(insts)
		assert.GreaterOrEqual(t, a.Score, 0)
		assert.LessOrEqual(t, a.Score, 100)
	}
}

func TestAutonomyNightMisses(t *testing.T) {
	insts := []*core.ChallengeInstance{
		passedInst(800, false), passedInst(810, false), passedInst(790, false),
	}
	// Both night challenges skipped during sleep hours.
	for i := 0; i < 2; i++ {
		n := skippedAt(2)
		n.IsNightChallenge = true
		insts = append(insts, n)
	}

	a := Autonomy(insts)
	assert.Less(t, a.Score, 75)
	assert.NotEmpty(t, a.Reasons)
}

func TestAutonomySleepCorrelation(t *testing.T) {
	insts := []*core.ChallengeInstance{
		passedInst(500, false), passedInst(510, false),
		passedInst(505, false), passedInst(495, false),
		skippedAt(23), skippedAt(1), skippedAt(3), skippedAt(5),
	}

	a := Autonomy(insts)
	assert.Equal(t, 20.0, a.Signals["offline_sleep_correlation"])
}

func TestAutonomyHighVarianceFlagged(t *testing.T) {
	insts := []*core.ChallengeInstance{
		passedInst(400, false), passedInst(12000, false),
		passedInst(900, false), passedInst(30000, false),
	}
	a := Autonomy(insts)
	assert.Equal(t, 30.0, a.Signals["response_time_variance"])
}

func buildSession(days int, statuses [][]core.ChallengeStatus) *core.VerificationSession {
	start := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	s := &core.VerificationSession{
		ID: "sess-1", AgentID: "agent-1",
		StartedAt: start, EndsAt: start.Add(72 * time.Hour),
		Status:          core.SessionInProgress,
		DailyChallenges: make([]core.DayGroup, days),
	}
	for d := 0; d < days; d++ {
		s.DailyChallenges[d].DayStart = start.Add(time.Duration(d) * 24 * time.Hour)
		for _, st := range statuses[d] {
			s.DailyChallenges[d].Challenges = append(s.DailyChallenges[d].Challenges,
				&core.ChallengeInstance{Status: st})
		}
	}
	return s
}

func TestTallyCounts(t *testing.T) {
	s := buildSession(3, [][]core.ChallengeStatus{
		{core.StatusPassed, core.StatusPassed, core.StatusFailed},
		{core.StatusPassed, core.StatusSkipped, core.StatusPassed},
		{core.StatusPassed, core.StatusPassed, core.StatusPassed},
	})

	tally := Tally(s)
	assert.Equal(t, 9, tally.Total)
	assert.Equal(t, 8, tally.Attempted)
	assert.Equal(t, 7, tally.Passed)
	assert.Equal(t, 1, tally.Skipped)
	assert.InDelta(t, 8.0/9.0, tally.AttemptRate(), 1e-9)
	assert.InDelta(t, 7.0/8.0, tally.PassRate(), 1e-9)
	assert.Empty(t, tally.DaysMissingPass())
	assert.Equal(t, 3, tally.ConsecutiveDays(1))
}

func TestTallySleepingOperator(t *testing.T) {
	// Day 2 has only skips: the per-day gate must name day 2.
	s := buildSession(3, [][]core.ChallengeStatus{
		{core.StatusPassed, core.StatusPassed, core.StatusPassed},
		{core.StatusSkipped, core.StatusSkipped, core.StatusSkipped},
		{core.StatusPassed, core.StatusPassed, core.StatusPassed},
	})

	tally := Tally(s)
	require.Equal(t, []int{2}, tally.DaysMissingPass())

	reason := tally.RejectionReason(false)
	assert.Contains(t, reason, "day(s): 2")

	// Day 2's skip count breaks the initial streak at day 1.
	assert.Equal(t, 1, tally.ConsecutiveDays(1))
}

func TestTallyLowPassRate(t *testing.T) {
	s := buildSession(3, [][]core.ChallengeStatus{
		{core.StatusPassed, core.StatusFailed, core.StatusFailed},
		{core.StatusPassed, core.StatusFailed, core.StatusPassed},
		{core.StatusPassed, core.StatusPassed, core.StatusPassed},
	})

	tally := Tally(s)
	reason := tally.RejectionReason(false)
	assert.Contains(t, reason, "Passed 6/9")
}

func TestTallyAttemptRateGateFirst(t *testing.T) {
	s := buildSession(3, [][]core.ChallengeStatus{
		{core.StatusSkipped, core.StatusSkipped, core.StatusSkipped},
		{core.StatusSkipped, core.StatusSkipped, core.StatusSkipped},
		{core.StatusPassed, core.StatusPassed, core.StatusPassed},
	})

	tally := Tally(s)
	reason := tally.RejectionReason(false)
	assert.Contains(t, reason, "Too few challenge responses")
}
