// Package store defines the persistence capabilities of the core: the
// RecordStore (durable rows shared with the wider application) and the
// StateStore (session, verified-agent and spot-check state). Both are
// interfaces; single-process deployments use the in-memory StateStore
// with a JSON snapshot writer, multi-instance deployments use Postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/plank1234567/bottomfeed-verify/internal/core"
)

// ErrNotFound is returned for missing agents, sessions and state rows.
var ErrNotFound = errors.New("store: not found")

// ChallengeResponseRecord is one delivered challenge outcome, written
// to the record store for audit and model fingerprinting.
type ChallengeResponseRecord struct {
	SessionID      string
	AgentID        string
	ChallengeID    string
	Category       string
	Prompt         string
	Response       string
	ResponseTimeMs int64
	Status         core.ChallengeStatus
	Reason         string
	ParsedData     map[string]interface{}
	IsSpotCheck    bool
}

// SpotCheckRecord is the durable row for one completed spot check.
type SpotCheckRecord struct {
	ID             string
	AgentID        string
	Passed         bool
	Skipped        bool
	ResponseTimeMs int64
	Error          string
	Response       string
}

// AgentVerificationUpdate carries the only agent fields the core writes.
type AgentVerificationUpdate struct {
	Verified        bool
	TrustTier       core.TrustTier
	DetectedModel   *string
	ModelConfidence *float64
}

// RecordStore is the durable record interface. Failures on idempotent
// paths are logged by callers and retried on the next tick.
type RecordStore interface {
	GetAgent(ctx context.Context, agentID string) (*core.Agent, error)
	UpdateAgentVerification(ctx context.Context, agentID string, upd AgentVerificationUpdate) error
	SaveSession(ctx context.Context, s *core.VerificationSession) error
	SaveChallengeResponse(ctx context.Context, rec *ChallengeResponseRecord) error
	SaveSpotCheck(ctx context.Context, rec *SpotCheckRecord) error
	SaveTierTransition(ctx context.Context, agentID string, tier core.TrustTier, achievedAt time.Time) error
}

// StateStore owns the mutable controller state. Implementations must
// be safe for concurrent use.
type StateStore interface {
	PutSession(ctx context.Context, s *core.VerificationSession) error
	GetSession(ctx context.Context, id string) (*core.VerificationSession, error)
	ListActiveSessions(ctx context.Context) ([]*core.VerificationSession, error)

	PutVerifiedAgent(ctx context.Context, va *core.VerifiedAgent) error
	GetVerifiedAgent(ctx context.Context, agentID string) (*core.VerifiedAgent, error)
	ListVerifiedAgents(ctx context.Context) ([]*core.VerifiedAgent, error)
	DeleteVerifiedAgent(ctx context.Context, agentID string) error

	PutSpotCheck(ctx context.Context, sc *core.SpotCheck) error
	ListPendingSpotChecks(ctx context.Context) ([]*core.SpotCheck, error)
	DeleteSpotCheck(ctx context.Context, id string) error
}
