package dispatch

import (
	"time"

	"github.com/plank1234567/bottomfeed-verify/internal/core"
)

// Skip reasons.
const (
	ReasonOffline      = "offline"
	ReasonBurstTimeout = "burst_timeout"
	ReasonBlocked      = "ssrf_blocked"
	ReasonSlow         = "slow"
)

// Outcome is the typed result of delivering one challenge. Exactly one
// of the three constructors produces it; Status never changes after.
type Outcome struct {
	Status         core.ChallengeStatus
	Reason         string
	ResponseTimeMs int64
	ResponseText   string
	Parsed         map[string]interface{}
	SentAt         time.Time
	RespondedAt    *time.Time
}

func Passed(sentAt time.Time, respondedAt time.Time, rtMs int64, text string, parsed map[string]interface{}) Outcome {
	return Outcome{
		Status:         core.StatusPassed,
		ResponseTimeMs: rtMs,
		ResponseText:   text,
		Parsed:         parsed,
		SentAt:         sentAt,
		RespondedAt:    &respondedAt,
	}
}

func Failed(sentAt time.Time, respondedAt time.Time, rtMs int64, text, reason string) Outcome {
	return Outcome{
		Status:         core.StatusFailed,
		Reason:         reason,
		ResponseTimeMs: rtMs,
		ResponseText:   text,
		SentAt:         sentAt,
		RespondedAt:    &respondedAt,
	}
}

func Skipped(sentAt time.Time, reason string) Outcome {
	return Outcome{
		Status: core.StatusSkipped,
		Reason: reason,
		SentAt: sentAt,
	}
}

// Apply writes the outcome onto a pending instance. A non-pending
// instance is left untouched: the first observed outcome wins, which
// is what makes tick retries idempotent. SentAt stays nil for
// challenges that never left the process, so the autonomy signals
// only count deliveries that actually happened.
func (o Outcome) Apply(inst *core.ChallengeInstance) bool {
	if inst.Status != core.StatusPending {
		return false
	}
	if !o.SentAt.IsZero() {
		sent := o.SentAt
		inst.SentAt = &sent
	}
	inst.RespondedAt = o.RespondedAt
	inst.Status = o.Status
	inst.FailureReason = o.Reason
	inst.ResponseTimeMs = o.ResponseTimeMs
	inst.ResponseText = o.ResponseText
	inst.ParsedData = o.Parsed
	return true
}
