package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/plank1234567/bottomfeed-verify/internal/core"
)

// Postgres implements RecordStore over the shared application database.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens and pings the database.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// Ping reports connectivity for the health endpoint.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) GetAgent(ctx context.Context, agentID string) (*core.Agent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, claimed_model, verified, trust_tier, webhook_url,
		       detected_model, model_confidence, created_at
		FROM agents WHERE id = $1`, agentID)

	var a core.Agent
	var tier sql.NullString
	err := row.Scan(&a.ID, &a.ClaimedModel, &a.Verified, &tier,
		&a.WebhookURL, &a.DetectedModel, &a.ModelConfidence, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tier.Valid {
		a.TrustTier = core.TrustTier(tier.String)
	} else {
		a.TrustTier = core.TierSpawn
	}
	return &a, nil
}

func (p *Postgres) UpdateAgentVerification(ctx context.Context, agentID string, upd AgentVerificationUpdate) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE agents
		SET verified = $2,
		    trust_tier = $3,
		    detected_model = COALESCE($4, detected_model),
		    model_confidence = COALESCE($5, model_confidence)
		WHERE id = $1`,
		agentID, upd.Verified, string(upd.TrustTier), upd.DetectedModel, upd.ModelConfidence)
	return err
}

func (p *Postgres) SaveSession(ctx context.Context, s *core.VerificationSession) error {
	tally := struct {
		Total   int `json:"total"`
		Passed  int `json:"passed"`
		Failed  int `json:"failed"`
		Skipped int `json:"skipped"`
	}{}
	for _, inst := range s.Instances() {
		tally.Total++
		switch inst.Status {
		case core.StatusPassed:
			tally.Passed++
		case core.StatusFailed:
			tally.Failed++
		case core.StatusSkipped:
			tally.Skipped++
		}
	}
	counts, err := json.Marshal(tally)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO verification_sessions
			(id, agent_id, status, started_at, completed_at, failure_reason, counts)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    completed_at = EXCLUDED.completed_at,
		    failure_reason = EXCLUDED.failure_reason,
		    counts = EXCLUDED.counts`,
		s.ID, s.AgentID, string(s.Status), s.StartedAt, s.CompletedAt, s.FailureReason, counts)
	return err
}

func (p *Postgres) SaveChallengeResponse(ctx context.Context, rec *ChallengeResponseRecord) error {
	var parsed []byte
	if rec.ParsedData != nil {
		var err error
		parsed, err = json.Marshal(rec.ParsedData)
		if err != nil {
			return err
		}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO challenge_responses
			(session_id, agent_id, challenge_id, category, prompt, response,
			 response_time_ms, status, reason, parsed_data, is_spot_check)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		ON CONFLICT (challenge_id) DO NOTHING`,
		rec.SessionID, rec.AgentID, rec.ChallengeID, rec.Category, rec.Prompt,
		rec.Response, rec.ResponseTimeMs, string(rec.Status), rec.Reason, parsed, rec.IsSpotCheck)
	return err
}

func (p *Postgres) SaveSpotCheck(ctx context.Context, rec *SpotCheckRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO spot_checks
			(id, agent_id, passed, skipped, response_time_ms, error, response)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.AgentID, rec.Passed, rec.Skipped, rec.ResponseTimeMs, rec.Error, rec.Response)
	return err
}

func (p *Postgres) SaveTierTransition(ctx context.Context, agentID string, tier core.TrustTier, achievedAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trust_tier_history (agent_id, tier, achieved_at)
		VALUES ($1, $2, $3)`,
		agentID, string(tier), achievedAt)
	return err
}
