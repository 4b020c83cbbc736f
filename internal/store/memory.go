package store

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/plank1234567/bottomfeed-verify/internal/core"
)

// Memory is the single-process StateStore: mutex-guarded maps plus an
// optional JSON snapshot written after each mutation. It also
// implements RecordStore so a dev deployment needs no database; the
// record rows are held in memory and the snapshot is the only durable
// artifact.
type Memory struct {
	mu sync.RWMutex

	sessions   map[string]*core.VerificationSession
	verified   map[string]*core.VerifiedAgent
	spotChecks map[string]*core.SpotCheck
	agents     map[string]*core.Agent

	responses   []*ChallengeResponseRecord
	spotRecords []*SpotCheckRecord
	tierEvents  []tierEventRow

	snapshotPath string
	logger       *log.Logger
}

type tierEventRow struct {
	AgentID    string         `json:"agent_id"`
	Tier       core.TrustTier `json:"tier"`
	AchievedAt time.Time      `json:"achieved_at"`
}

// NewMemory builds the store. snapshotPath may be empty to disable the
// snapshot writer (multi-instance deployments must disable it).
func NewMemory(snapshotPath string) *Memory {
	return &Memory{
		sessions:     make(map[string]*core.VerificationSession),
		verified:     make(map[string]*core.VerifiedAgent),
		spotChecks:   make(map[string]*core.SpotCheck),
		agents:       make(map[string]*core.Agent),
		snapshotPath: snapshotPath,
		logger:       log.New(log.Writer(), "[STATE] ", log.LstdFlags),
	}
}

// SeedAgent installs an agent row, used by dev wiring and tests.
func (m *Memory) SeedAgent(a *core.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

// --- StateStore ---

func (m *Memory) PutSession(_ context.Context, s *core.VerificationSession) error {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.writeSnapshot()
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*core.VerificationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListActiveSessions(_ context.Context) ([]*core.VerificationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.VerificationSession
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) PutVerifiedAgent(_ context.Context, va *core.VerifiedAgent) error {
	m.mu.Lock()
	m.verified[va.AgentID] = va
	m.mu.Unlock()
	m.writeSnapshot()
	return nil
}

func (m *Memory) GetVerifiedAgent(_ context.Context, agentID string) (*core.VerifiedAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	va, ok := m.verified[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return va, nil
}

func (m *Memory) ListVerifiedAgents(_ context.Context) ([]*core.VerifiedAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.VerifiedAgent, 0, len(m.verified))
	for _, va := range m.verified {
		out = append(out, va)
	}
	return out, nil
}

func (m *Memory) DeleteVerifiedAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	delete(m.verified, agentID)
	m.mu.Unlock()
	m.writeSnapshot()
	return nil
}

func (m *Memory) PutSpotCheck(_ context.Context, sc *core.SpotCheck) error {
	m.mu.Lock()
	m.spotChecks[sc.ID] = sc
	m.mu.Unlock()
	m.writeSnapshot()
	return nil
}

func (m *Memory) ListPendingSpotChecks(_ context.Context) ([]*core.SpotCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.SpotCheck
	for _, sc := range m.spotChecks {
		if sc.CompletedAt == nil {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (m *Memory) DeleteSpotCheck(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.spotChecks, id)
	m.mu.Unlock()
	m.writeSnapshot()
	return nil
}

// --- RecordStore ---

func (m *Memory) GetAgent(_ context.Context, agentID string) (*core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (m *Memory) UpdateAgentVerification(_ context.Context, agentID string, upd AgentVerificationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		a = &core.Agent{ID: agentID, CreatedAt: time.Now()}
		m.agents[agentID] = a
	}
	a.Verified = upd.Verified
	a.TrustTier = upd.TrustTier
	if upd.DetectedModel != nil {
		a.DetectedModel = upd.DetectedModel
	}
	if upd.ModelConfidence != nil {
		a.ModelConfidence = upd.ModelConfidence
	}
	return nil
}

func (m *Memory) SaveSession(ctx context.Context, s *core.VerificationSession) error {
	return m.PutSession(ctx, s)
}

func (m *Memory) SaveChallengeResponse(_ context.Context, rec *ChallengeResponseRecord) error {
	m.mu.Lock()
	m.responses = append(m.responses, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveSpotCheck(_ context.Context, rec *SpotCheckRecord) error {
	m.mu.Lock()
	m.spotRecords = append(m.spotRecords, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveTierTransition(_ context.Context, agentID string, tier core.TrustTier, achievedAt time.Time) error {
	m.mu.Lock()
	m.tierEvents = append(m.tierEvents, tierEventRow{AgentID: agentID, Tier: tier, AchievedAt: achievedAt})
	m.mu.Unlock()
	return nil
}

// TierTransitions returns recorded tier events for an agent (test aid).
func (m *Memory) TierTransitions(agentID string) []core.TierEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.TierEvent
	for _, e := range m.tierEvents {
		if e.AgentID == agentID {
			out = append(out, core.TierEvent{Tier: e.Tier, AchievedAt: e.AchievedAt})
		}
	}
	return out
}

// ChallengeResponses returns recorded outcomes (test aid).
func (m *Memory) ChallengeResponses() []*ChallengeResponseRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ChallengeResponseRecord, len(m.responses))
	copy(out, m.responses)
	return out
}

// --- snapshot ---

type snapshotFile struct {
	Sessions   map[string]*core.VerificationSession `json:"sessions"`
	Verified   map[string]*core.VerifiedAgent       `json:"verified_agents"`
	SpotChecks map[string]*core.SpotCheck           `json:"pending_spot_checks"`
	SavedAt    time.Time                            `json:"saved_at"`
}

// writeSnapshot persists the mutable state after each mutation. Writes
// go to a temp file first so a crash never truncates the snapshot.
func (m *Memory) writeSnapshot() {
	if m.snapshotPath == "" {
		return
	}
	m.mu.RLock()
	snap := snapshotFile{
		Sessions:   m.sessions,
		Verified:   m.verified,
		SpotChecks: m.spotChecks,
		SavedAt:    time.Now(),
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		m.logger.Printf("⚠️  snapshot marshal failed: %v", err)
		return
	}
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		m.logger.Printf("⚠️  snapshot write failed: %v", err)
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		m.logger.Printf("⚠️  snapshot rename failed: %v", err)
	}
}

// LoadSnapshot restores state written by a previous process. A missing
// file is not an error.
func (m *Memory) LoadSnapshot() error {
	if m.snapshotPath == "" {
		return nil
	}
	raw, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.Verified != nil {
		m.verified = snap.Verified
	}
	if snap.SpotChecks != nil {
		m.spotChecks = snap.SpotChecks
	}
	m.logger.Printf("restored snapshot: %d sessions, %d verified agents, %d spot checks",
		len(m.sessions), len(m.verified), len(m.spotChecks))
	return nil
}
