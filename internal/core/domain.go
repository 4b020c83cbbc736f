// Package core holds the shared domain types for the verification
// service: agents, challenge instances, gauntlet sessions, verified
// agent state and spot checks. It has no dependencies on the rest of
// the module so every other package can import it freely.
package core

import "time"

// ChallengeStatus is the lifecycle state of a single challenge instance.
// Once an instance leaves pending it never changes again.
type ChallengeStatus string

const (
	StatusPending ChallengeStatus = "pending"
	StatusPassed  ChallengeStatus = "passed"
	StatusFailed  ChallengeStatus = "failed"
	StatusSkipped ChallengeStatus = "skipped"
)

// SessionStatus is the lifecycle state of a gauntlet session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionPassed     SessionStatus = "passed"
	SessionFailed     SessionStatus = "failed"
)

// IsTerminal reports whether the session has reached a final verdict.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionPassed || s == SessionFailed
}

// TrustTier is the monotone trust level assigned to a verified agent.
type TrustTier string

const (
	TierSpawn TrustTier = "spawn"
	TierI     TrustTier = "autonomous-I"
	TierII    TrustTier = "autonomous-II"
	TierIII   TrustTier = "autonomous-III"
)

// Agent is the read-mostly view of an agent record. The core only
// writes Verified, TrustTier, DetectedModel and ModelConfidence.
type Agent struct {
	ID              string     `json:"id"`
	ClaimedModel    *string    `json:"claimed_model,omitempty"`
	Verified        bool       `json:"verified"`
	TrustTier       TrustTier  `json:"trust_tier"`
	WebhookURL      *string    `json:"webhook_url,omitempty"`
	DetectedModel   *string    `json:"detected_model,omitempty"`
	ModelConfidence *float64   `json:"model_confidence,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
}

// ChallengeInstance is one scheduled challenge inside a session or spot
// check. It is mutated exactly twice: once on send, once on outcome.
type ChallengeInstance struct {
	ID               string                 `json:"id"`
	TemplateID       string                 `json:"template_id"`
	Category         string                 `json:"category"`
	Subcategory      string                 `json:"subcategory,omitempty"`
	Prompt           string                 `json:"prompt"`
	ExpectedFormat   string                 `json:"expected_format,omitempty"`
	ScheduledFor     time.Time              `json:"scheduled_for"`
	SentAt           *time.Time             `json:"sent_at,omitempty"`
	RespondedAt      *time.Time             `json:"responded_at,omitempty"`
	ResponseText     string                 `json:"response_text,omitempty"`
	ParsedData       map[string]interface{} `json:"parsed_data,omitempty"`
	Status           ChallengeStatus        `json:"status"`
	FailureReason    string                 `json:"failure_reason,omitempty"`
	ResponseTimeMs   int64                  `json:"response_time_ms,omitempty"`
	IsNightChallenge bool                   `json:"is_night_challenge"`
}

// Attempted reports whether the instance counts toward the attempt
// rate. Skipped instances (agent unreachable) do not.
func (c *ChallengeInstance) Attempted() bool {
	return c.Status == StatusPassed || c.Status == StatusFailed
}

// DayGroup holds the bursts and challenge instances for one gauntlet day.
type DayGroup struct {
	DayStart   time.Time            `json:"day_start"`
	BurstTimes []time.Time          `json:"burst_times"`
	Challenges []*ChallengeInstance `json:"challenges"`
}

// VerificationSession is one 3-day gauntlet run for a single agent.
type VerificationSession struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	WebhookURL      string        `json:"webhook_url"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	EndsAt          time.Time     `json:"ends_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	DailyChallenges []DayGroup    `json:"daily_challenges"`
}

// Instances returns every challenge instance across all days.
func (s *VerificationSession) Instances() []*ChallengeInstance {
	var out []*ChallengeInstance
	for i := range s.DailyChallenges {
		out = append(out, s.DailyChallenges[i].Challenges...)
	}
	return out
}

// PendingInstances returns the instances still awaiting an outcome.
func (s *VerificationSession) PendingInstances() []*ChallengeInstance {
	var out []*ChallengeInstance
	for _, inst := range s.Instances() {
		if inst.Status == StatusPending {
			out = append(out, inst)
		}
	}
	return out
}

// FindInstance looks an instance up by ID, nil if absent.
func (s *VerificationSession) FindInstance(id string) *ChallengeInstance {
	for _, inst := range s.Instances() {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// TierEvent records a tier transition.
type TierEvent struct {
	Tier       TrustTier `json:"tier"`
	AchievedAt time.Time `json:"achieved_at"`
}

// SpotCheckResult is one entry in the rolling spot-check window.
type SpotCheckResult struct {
	Timestamp time.Time `json:"timestamp"`
	Passed    bool      `json:"passed"`
}

// VerifiedAgent is the continuously maintained state of an agent that
// has passed the gauntlet. The streak fields drive tier promotion.
type VerifiedAgent struct {
	AgentID               string            `json:"agent_id"`
	VerifiedAt            time.Time         `json:"verified_at"`
	WebhookURL            string            `json:"webhook_url"`
	TrustTier             TrustTier         `json:"trust_tier"`
	ConsecutiveDaysOnline int               `json:"consecutive_days_online"`
	CurrentDayStart       time.Time         `json:"current_day_start"`
	CurrentDaySkips       int               `json:"current_day_skips"`
	EverTierIII           bool              `json:"ever_tier_iii"`
	TierHistory           []TierEvent       `json:"tier_history"`
	SpotCheckHistory      []SpotCheckResult `json:"spot_check_history"`
	LastSpotCheck         *time.Time        `json:"last_spot_check,omitempty"`
}

// SpotCheck is a single pending probe of a verified agent.
type SpotCheck struct {
	ID           string             `json:"id"`
	AgentID      string             `json:"agent_id"`
	Challenge    *ChallengeInstance `json:"challenge"`
	ScheduledFor time.Time          `json:"scheduled_for"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	Passed       *bool              `json:"passed,omitempty"`
}
