package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plank1234567/bottomfeed-verify/internal/challenge"
	"github.com/plank1234567/bottomfeed-verify/internal/core"
	"github.com/plank1234567/bottomfeed-verify/internal/dispatch"
	"github.com/plank1234567/bottomfeed-verify/internal/scoring"
	"github.com/plank1234567/bottomfeed-verify/internal/store"
)

// tickSpotChecks expires stale probes, then rolls the dice for every
// verified agent. Probes arrive as a Poisson process whose rate drops
// as trust grows. Caller holds the lock.
func (c *Controller) tickSpotChecks(ctx context.Context) error {
	now := c.nowFn()

	pending, err := c.state.ListPendingSpotChecks(ctx)
	if err != nil {
		return err
	}
	for _, sc := range pending {
		if now.Sub(sc.ScheduledFor) > c.cfg.SpotCheckStaleAfter() {
			c.expireSpotCheck(ctx, sc, now)
		}
	}

	agents, err := c.state.ListVerifiedAgents(ctx)
	if err != nil {
		return err
	}
	for _, va := range agents {
		rate := c.cfg.SpotCheck.RatePerDayByTier[string(va.TrustTier)]
		p := rate * c.cfg.TickInterval().Hours() / 24
		if c.rng.Float64() >= p {
			continue
		}
		if err := c.runSpotCheck(ctx, va, now); err != nil {
			c.logger.Printf("⚠️ spot check failed to run for %s: %v", va.AgentID, err)
		}
	}
	return nil
}

// expireSpotCheck settles a probe the process never finished, most
// likely because it died mid-dispatch. It counts as a skip.
func (c *Controller) expireSpotCheck(ctx context.Context, sc *core.SpotCheck, now time.Time) {
	c.logger.Printf("⏱️ stale spot check %s for agent %s, counting as skip", sc.ID, sc.AgentID)
	c.metrics.RecordSpotCheck("stale")
	if err := c.records.SaveSpotCheck(ctx, &store.SpotCheckRecord{
		ID: sc.ID, AgentID: sc.AgentID, Skipped: true, Error: "stale",
	}); err != nil {
		c.logger.Printf("⚠️ could not persist spot check %s: %v", sc.ID, err)
	}
	if va, err := c.state.GetVerifiedAgent(ctx, sc.AgentID); err == nil {
		c.recordOutcome(ctx, va, false, now)
	}
	if err := c.state.DeleteSpotCheck(ctx, sc.ID); err != nil {
		c.logger.Printf("⚠️ could not delete spot check %s: %v", sc.ID, err)
	}
}

// runSpotCheck dispatches one probe and applies its result to the
// agent's streak and rolling pass/fail window.
func (c *Controller) runSpotCheck(ctx context.Context, va *core.VerifiedAgent, now time.Time) error {
	inst := challenge.NewInstance(c.lib.SpotCheck(), now, isNightHour(now))
	sc := &core.SpotCheck{
		ID:           fmt.Sprintf("spot-%s", uuid.NewString()),
		AgentID:      va.AgentID,
		Challenge:    inst,
		ScheduledFor: now,
	}
	// Persisted before dispatch so a crash leaves a stale record to
	// expire rather than a probe that silently never happened.
	if err := c.state.PutSpotCheck(ctx, sc); err != nil {
		return err
	}

	outcomes := c.sender.SendBurst(ctx, dispatch.Request{
		WebhookURL: va.WebhookURL,
		Kind:       dispatch.KindSpotCheck,
		Instances:  []*core.ChallengeInstance{inst},
	})
	out, ok := outcomes[inst.ID]
	if !ok {
		out = dispatch.Skipped(time.Time{}, dispatch.ReasonOffline)
	}
	out.Apply(inst)

	done := c.nowFn()
	sc.CompletedAt = &done
	passed := inst.Status == core.StatusPassed
	sc.Passed = &passed

	if err := c.records.SaveSpotCheck(ctx, &store.SpotCheckRecord{
		ID:             sc.ID,
		AgentID:        va.AgentID,
		Passed:         passed,
		Skipped:        inst.Status == core.StatusSkipped,
		ResponseTimeMs: inst.ResponseTimeMs,
		Error:          inst.FailureReason,
		Response:       inst.ResponseText,
	}); err != nil {
		c.logger.Printf("⚠️ could not persist spot check %s: %v", sc.ID, err)
	}
	if err := c.records.SaveChallengeResponse(ctx, &store.ChallengeResponseRecord{
		AgentID:        va.AgentID,
		ChallengeID:    inst.ID,
		Category:       inst.Category,
		Prompt:         inst.Prompt,
		Response:       inst.ResponseText,
		ResponseTimeMs: inst.ResponseTimeMs,
		Status:         inst.Status,
		Reason:         inst.FailureReason,
		ParsedData:     inst.ParsedData,
		IsSpotCheck:    true,
	}); err != nil {
		c.logger.Printf("⚠️ could not persist spot check response %s: %v", inst.ID, err)
	}

	if err := c.state.DeleteSpotCheck(ctx, sc.ID); err != nil {
		c.logger.Printf("⚠️ could not delete spot check %s: %v", sc.ID, err)
	}

	if inst.Status == core.StatusSkipped {
		c.metrics.RecordSpotCheck("skipped")
		c.recordOutcome(ctx, va, false, done)
		return nil
	}

	if passed {
		c.metrics.RecordSpotCheck("passed")
	} else {
		c.metrics.RecordSpotCheck("failed")
	}
	c.recordOutcome(ctx, va, true, done)
	va.LastSpotCheck = &done
	va.SpotCheckHistory = append(va.SpotCheckHistory, core.SpotCheckResult{Timestamp: done, Passed: passed})
	c.pruneHistory(va, done)
	if c.shouldRevoke(va) {
		return c.revoke(ctx, va)
	}
	return c.state.PutVerifiedAgent(ctx, va)
}

// recordOutcome advances the day machine on one probe result. At most
// one day closes per outcome: streak days are earned by answering
// probes, never by elapsed wall clock alone, so an agent the scheduler
// left alone for a week cannot wake up with a week of credit. The
// closing day extends the streak if its skips stayed inside the
// allowance and resets it otherwise; the new day starts now. Within
// the same day only a miss moves anything.
func (c *Controller) recordOutcome(ctx context.Context, va *core.VerifiedAgent, answered bool, now time.Time) {
	if now.Sub(va.CurrentDayStart) >= 24*time.Hour {
		if va.CurrentDaySkips <= c.cfg.Verification.SkipsAllowedPerDay {
			va.ConsecutiveDaysOnline++
		} else {
			va.ConsecutiveDaysOnline = 0
		}
		va.CurrentDayStart = now
		if answered {
			va.CurrentDaySkips = 0
		} else {
			va.CurrentDaySkips = 1
		}
	} else if !answered {
		va.CurrentDaySkips++
		if va.CurrentDaySkips > c.cfg.Verification.SkipsAllowedPerDay {
			if va.ConsecutiveDaysOnline > 0 {
				c.logger.Printf("📉 agent %s went dark, streak reset (was %d days)", va.AgentID, va.ConsecutiveDaysOnline)
			}
			va.ConsecutiveDaysOnline = 0
		}
	}
	c.updateTier(ctx, va, now)
	if err := c.state.PutVerifiedAgent(ctx, va); err != nil {
		c.logger.Printf("⚠️ could not persist verified agent %s: %v", va.AgentID, err)
	}
}

// updateTier recomputes the streak-earned tier with the permanent
// Tier III floor and records any transition.
func (c *Controller) updateTier(ctx context.Context, va *core.VerifiedAgent, now time.Time) {
	tier := scoring.EffectiveTier(va.ConsecutiveDaysOnline, va.EverTierIII)
	if tier == va.TrustTier {
		return
	}
	va.TrustTier = tier
	if tier == core.TierIII {
		va.EverTierIII = true
	}
	va.TierHistory = append(va.TierHistory, core.TierEvent{Tier: tier, AchievedAt: now})
	c.metrics.RecordTierTransition(string(tier))
	c.logger.Printf("🏅 agent %s is now %s (streak %d days)", va.AgentID, tier, va.ConsecutiveDaysOnline)

	if err := c.records.SaveTierTransition(ctx, va.AgentID, tier, now); err != nil {
		c.logger.Printf("⚠️ could not persist tier transition for %s: %v", va.AgentID, err)
	}
	if err := c.records.UpdateAgentVerification(ctx, va.AgentID, store.AgentVerificationUpdate{
		Verified:  true,
		TrustTier: tier,
	}); err != nil {
		c.logger.Printf("⚠️ could not persist tier for %s: %v", va.AgentID, err)
	}
}

func (c *Controller) pruneHistory(va *core.VerifiedAgent, now time.Time) {
	cutoff := now.Add(-time.Duration(c.cfg.SpotCheck.WindowDays) * 24 * time.Hour)
	kept := va.SpotCheckHistory[:0]
	for _, r := range va.SpotCheckHistory {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	va.SpotCheckHistory = kept
}

// shouldRevoke applies the rolling-window rule: an absolute failure
// count, or a high failure ratio once there is enough sample.
func (c *Controller) shouldRevoke(va *core.VerifiedAgent) bool {
	failed := 0
	for _, r := range va.SpotCheckHistory {
		if !r.Passed {
			failed++
		}
	}
	total := len(va.SpotCheckHistory)
	if failed >= c.cfg.SpotCheck.RevokeFailures {
		return true
	}
	return total >= c.cfg.SpotCheck.RevokeFailures &&
		float64(failed)/float64(total) > c.cfg.SpotCheck.RevokeRatio
}

// revoke strips verification. The agent may re-run the gauntlet from
// scratch. The permanent Tier III floor is the one thing revocation
// does not touch: an agent that ever earned it keeps the tier label
// even while unverified.
func (c *Controller) revoke(ctx context.Context, va *core.VerifiedAgent) error {
	c.logger.Printf("🚫 revoking agent %s: too many failed spot checks", va.AgentID)
	c.metrics.RecordRevocation()
	tier := core.TierSpawn
	if va.EverTierIII {
		tier = core.TierIII
	}
	if err := c.records.UpdateAgentVerification(ctx, va.AgentID, store.AgentVerificationUpdate{
		Verified:  false,
		TrustTier: tier,
	}); err != nil {
		c.logger.Printf("⚠️ could not persist revocation for %s: %v", va.AgentID, err)
	}
	return c.state.DeleteVerifiedAgent(ctx, va.AgentID)
}
