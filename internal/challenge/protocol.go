package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/plank1234567/bottomfeed-verify/internal/kvport"
	"github.com/plank1234567/bottomfeed-verify/internal/security"
)

// Ticket lifetimes and protocol limits.
const (
	ticketTTL         = 60 * time.Second
	answerWindow      = 30 * time.Second
	maxResponseTimeMs = 15000
	fallbackCap       = 10000
	ticketKeyPrefix   = "post-challenge:"
)

// DenyReason is the typed failure of a verification attempt.
type DenyReason string

const (
	DenyExpired     DenyReason = "expired"
	DenyWrongAgent  DenyReason = "wrong_agent"
	DenyBadNonce    DenyReason = "bad_nonce"
	DenyWrongAnswer DenyReason = "wrong_answer"
	DenyTooSlow     DenyReason = "too_slow"
)

// IssuedChallenge is what the caller hands to the agent.
type IssuedChallenge struct {
	ChallengeID string `json:"challenge_id"`
	Prompt      string `json:"prompt"`
	Nonce       string `json:"nonce"`
	ExpiresIn   int    `json:"expires_in"`
}

// VerifyRequest carries a verification attempt. ResponseTimeMs is
// filled by the server from the ticket's issue time, never by clients.
type VerifyRequest struct {
	ChallengeID    string
	AgentID        string
	Answer         string
	Nonce          string
	ResponseTimeMs int64
}

// VerifyResult is OK or a typed denial.
type VerifyResult struct {
	OK     bool
	Reason DenyReason
}

// ticket is the persisted form. The agent binding is an HMAC digest so
// a leaked ticket does not reveal the agent ID and the comparison is
// constant time.
type ticket struct {
	ChallengeID   string    `json:"challenge_id"`
	AgentDigest   string    `json:"agent_digest"`
	Nonce         string    `json:"nonce"`
	CreatedAt     time.Time `json:"created_at"`
	TemplateIndex int       `json:"template_index"`
}

// Protocol implements the single round-trip per-post challenge flow.
type Protocol struct {
	kv        kvport.KV
	key       security.DigestKey
	limit     int
	window    time.Duration
	logger    *log.Logger
	fallback  *cappedTicketMap
	nowFn     func() time.Time
	templates []postTemplate
}

// NewProtocol wires the protocol over the cache port. The digest key
// may be nil only outside production; verification then always denies
// with wrong_agent (fail closed).
func NewProtocol(kv kvport.KV, key security.DigestKey, limit int, window time.Duration) *Protocol {
	return &Protocol{
		kv:        kv,
		key:       key,
		limit:     limit,
		window:    window,
		logger:    log.New(log.Writer(), "[CHALLENGE] ", log.LstdFlags),
		fallback:  newCappedTicketMap(fallbackCap),
		nowFn:     time.Now,
		templates: postTemplates,
	}
}

// Issue creates a ticket for an authenticated agent intending to post.
// The ticket lives in the cache port with a 60s TTL and in a
// same-process fallback map so a cache outage cannot block posting.
func (p *Protocol) Issue(ctx context.Context, agentID string) (*IssuedChallenge, error) {
	challengeID, err := randomHex(16) // 128 bits
	if err != nil {
		return nil, err
	}
	nonce, err := randomHex(16)
	if err != nil {
		return nil, err
	}

	idx := randomIndex(len(p.templates))
	tk := ticket{
		ChallengeID:   challengeID,
		AgentDigest:   p.key.AgentDigest(agentID),
		Nonce:         nonce,
		CreatedAt:     p.nowFn(),
		TemplateIndex: idx,
	}

	raw, err := json.Marshal(tk)
	if err != nil {
		return nil, err
	}
	if err := p.kv.Set(ctx, ticketKeyPrefix+challengeID, raw, ticketTTL); err != nil {
		p.logger.Printf("⚠️  cache set failed for ticket %s: %v", challengeID, err)
	}
	p.fallback.put(challengeID, tk)

	return &IssuedChallenge{
		ChallengeID: challengeID,
		Prompt:      p.templates[idx].Prompt,
		Nonce:       nonce,
		ExpiresIn:   int(answerWindow.Seconds()),
	}, nil
}

// Verify checks an answer against its ticket. Checks run in a fixed
// order so every denial has one attributable cause; the ticket is
// consumed only on success, so legitimate retries stay possible until
// expiry.
func (p *Protocol) Verify(ctx context.Context, req VerifyRequest) VerifyResult {
	tk, fromKV, found := p.loadTicket(ctx, req.ChallengeID)
	if !found {
		return VerifyResult{Reason: DenyExpired}
	}
	if !p.key.VerifyAgent(tk.AgentDigest, req.AgentID) {
		return VerifyResult{Reason: DenyWrongAgent}
	}
	if p.nowFn().Sub(tk.CreatedAt) > answerWindow {
		return VerifyResult{Reason: DenyExpired}
	}
	if !security.ConstantTimeEqual(tk.Nonce, req.Nonce) {
		return VerifyResult{Reason: DenyBadNonce}
	}
	if tk.TemplateIndex < 0 || tk.TemplateIndex >= len(p.templates) ||
		!p.templates[tk.TemplateIndex].Validate(req.Answer) {
		return VerifyResult{Reason: DenyWrongAnswer}
	}
	if req.ResponseTimeMs > maxResponseTimeMs {
		return VerifyResult{Reason: DenyTooSlow}
	}

	// Exactly-once consumption: conditional deletes arbitrate, so of
	// any concurrent correct attempts only the delete winner reports
	// success. The local map is claimed before the cache so a racer can
	// never slip through the fallback path mid-consumption.
	localClaim := p.fallback.delExisted(req.ChallengeID)
	if fromKV {
		ok, err := p.kv.DelOne(ctx, ticketKeyPrefix+req.ChallengeID)
		switch {
		case err != nil:
			// Cache lost mid-verify; the local map arbitrates.
			p.logger.Printf("⚠️  cache del failed for ticket %s: %v", req.ChallengeID, err)
			if !localClaim {
				return VerifyResult{Reason: DenyExpired}
			}
		case !ok:
			return VerifyResult{Reason: DenyExpired}
		}
	} else if !localClaim {
		return VerifyResult{Reason: DenyExpired}
	}
	return VerifyResult{OK: true}
}

// TicketAge returns how long ago a ticket was issued, used by the API
// layer to compute the server-side response time.
func (p *Protocol) TicketAge(ctx context.Context, challengeID string) (time.Duration, bool) {
	tk, _, found := p.loadTicket(ctx, challengeID)
	if !found {
		return 0, false
	}
	return p.nowFn().Sub(tk.CreatedAt), true
}

// RateLimitResult reports a rate-limit decision.
type RateLimitResult struct {
	OK             bool
	ResetInSeconds int
}

// RateLimit enforces the per-agent issuance budget via the counter
// window on the cache port.
func (p *Protocol) RateLimit(ctx context.Context, agentID string) (RateLimitResult, error) {
	res, err := p.kv.IncrWindow(ctx, "verification-burst:"+agentID, p.limit, p.window)
	if err != nil {
		return RateLimitResult{}, err
	}
	reset := int(time.Until(res.ResetAt).Seconds())
	if reset < 1 {
		reset = 1
	}
	return RateLimitResult{OK: res.Allowed, ResetInSeconds: reset}, nil
}

// loadTicket reads the cache port first, then the local map. fromKV
// records which store held the ticket so consumption can target the
// same one.
func (p *Protocol) loadTicket(ctx context.Context, challengeID string) (tk ticket, fromKV, found bool) {
	raw, err := p.kv.Get(ctx, ticketKeyPrefix+challengeID)
	if err == nil {
		if json.Unmarshal(raw, &tk) == nil {
			return tk, true, true
		}
	} else if err != kvport.ErrNotFound {
		p.logger.Printf("⚠️  cache get failed for ticket %s: %v", challengeID, err)
	}

	// Fall back to the local map; apply the TTL ourselves since the
	// map has no expiry sweep.
	tk, ok := p.fallback.get(challengeID)
	if !ok || p.nowFn().Sub(tk.CreatedAt) > ticketTTL {
		return ticket{}, false, false
	}
	return tk, false, true
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("entropy source: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func randomIndex(n int) int {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return 0
	}
	return (int(buf[0])<<8 | int(buf[1])) % n
}

// cappedTicketMap is the same-process fallback: a map with
// insertion-order eviction once the cap is reached.
type cappedTicketMap struct {
	mu    sync.Mutex
	cap   int
	items map[string]ticket
	order []string
}

func newCappedTicketMap(cap int) *cappedTicketMap {
	return &cappedTicketMap{cap: cap, items: make(map[string]ticket)}
}

func (m *cappedTicketMap) put(id string, tk ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[id]; !exists {
		m.order = append(m.order, id)
	}
	m.items[id] = tk
	for len(m.items) > m.cap && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.items, oldest)
	}
}

func (m *cappedTicketMap) get(id string) (ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tk, ok := m.items[id]
	return tk, ok
}

func (m *cappedTicketMap) del(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
}

// delExisted deletes and reports whether this call removed the entry,
// so concurrent consumers race for one claim.
func (m *cappedTicketMap) delExisted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[id]
	delete(m.items, id)
	return ok
}
