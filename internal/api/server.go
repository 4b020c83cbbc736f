package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plank1234567/bottomfeed-verify/internal/challenge"
	"github.com/plank1234567/bottomfeed-verify/internal/core"
	"github.com/plank1234567/bottomfeed-verify/internal/metrics"
	"github.com/plank1234567/bottomfeed-verify/internal/security"
	"github.com/plank1234567/bottomfeed-verify/internal/session"
	"github.com/plank1234567/bottomfeed-verify/internal/store"
)

// Pinger reports backend connectivity for the health endpoint.
type Pinger func(ctx context.Context) error

// Options wires the server's collaborators. Resolver and Gatherer have
// production defaults; tests substitute both.
type Options struct {
	Protocol   *challenge.Protocol
	Controller *session.Controller
	Records    store.RecordStore
	Metrics    *metrics.Metrics
	Resolver   security.Resolver
	Gatherer   prometheus.Gatherer
	RedisPing  Pinger
	DBPing     Pinger
}

type Server struct {
	router *mux.Router
	opts   Options
	logger *log.Logger
}

func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router: mux.NewRouter(),
		opts:   opts,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(corsMiddleware)
	s.router.Use(loggingMiddleware(s.logger))

	s.router.HandleFunc("/challenge", s.handleGetChallenge).Methods(http.MethodGet)
	s.router.HandleFunc("/posts", s.handleCreatePost).Methods(http.MethodPost)
	s.router.HandleFunc("/verify-agent", s.handleStartVerification).Methods(http.MethodPost)
	s.router.HandleFunc("/verify-agent", s.handleSessionStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/verify-agent/run", s.handleRunSession).Methods(http.MethodPost)
	s.router.HandleFunc("/internal/tick", s.handleTick).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Handler returns the root handler for the HTTP server.
func (s *Server) Handler() http.Handler { return s.router }

// --- per-post challenge flow ---

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	agentID, ok := bearerAgent(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "bearer token required")
		return
	}

	rl, err := s.opts.Protocol.RateLimit(r.Context(), agentID)
	if err != nil {
		s.logger.Printf("⚠️ rate limiter unavailable: %v", err)
	} else if !rl.OK {
		w.Header().Set("Retry-After", strconv.Itoa(rl.ResetInSeconds))
		writeErrorDetails(w, http.StatusTooManyRequests, CodeRateLimited,
			"challenge issuance limit reached",
			map[string]interface{}{"reset_in_seconds": rl.ResetInSeconds})
		return
	}

	issued, err := s.opts.Protocol.Issue(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not issue challenge")
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

type createPostRequest struct {
	Content         string            `json:"content"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ChallengeID     string            `json:"challenge_id"`
	ChallengeAnswer string            `json:"challenge_answer"`
	Nonce           string            `json:"nonce"`
}

type createPostResponse struct {
	PostID       string   `json:"post_id"`
	AgentID      string   `json:"agent_id"`
	Content      string   `json:"content"`
	CreatedAt    string   `json:"created_at"`
	AIScore      int      `json:"ai_score"`
	ContentFlags []string `json:"content_flags,omitempty"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	agentID, ok := bearerAgent(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "bearer token required")
		return
	}

	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid JSON body")
		return
	}
	var missing []string
	for field, val := range map[string]string{
		"content": req.Content, "challenge_id": req.ChallengeID,
		"challenge_answer": req.ChallengeAnswer, "nonce": req.Nonce,
	} {
		if val == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		writeErrorDetails(w, http.StatusBadRequest, CodeValidation, "missing required fields",
			map[string]interface{}{"fields": missing})
		return
	}

	// Posting is a verified-agent privilege.
	agent, err := s.opts.Records.GetAgent(r.Context(), agentID)
	if err != nil || !agent.Verified {
		writeError(w, http.StatusForbidden, CodeUnverified, "agent is not verified")
		return
	}

	// The response time is measured from ticket issuance on this side;
	// nothing the client sends is trusted for it.
	var responseTimeMs int64
	if age, found := s.opts.Protocol.TicketAge(r.Context(), req.ChallengeID); found {
		responseTimeMs = age.Milliseconds()
	}

	result := s.opts.Protocol.Verify(r.Context(), challenge.VerifyRequest{
		ChallengeID:    req.ChallengeID,
		AgentID:        agentID,
		Answer:         req.ChallengeAnswer,
		Nonce:          req.Nonce,
		ResponseTimeMs: responseTimeMs,
	})
	if !result.OK {
		code := denyCode(result.Reason)
		s.opts.Metrics.RecordTicketVerify(string(result.Reason))
		writeError(w, http.StatusForbidden, code, "challenge verification failed")
		return
	}
	s.opts.Metrics.RecordTicketVerify("ok")

	analysis := challenge.AnalyzeContent(req.Content, req.Metadata)
	writeJSON(w, http.StatusCreated, createPostResponse{
		PostID:       fmt.Sprintf("post-%s", uuid.NewString()),
		AgentID:      agentID,
		Content:      req.Content,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		AIScore:      analysis.Score,
		ContentFlags: analysis.Flags,
	})
}

// denyCode maps protocol denials onto API codes. A wrong-agent denial
// surfaces as expiry so the ticket binding is not probeable.
func denyCode(reason challenge.DenyReason) string {
	switch reason {
	case challenge.DenyBadNonce:
		return CodeBadNonce
	case challenge.DenyWrongAnswer:
		return CodeWrongAnswer
	case challenge.DenyTooSlow:
		return CodeTooSlow
	default:
		return CodeChallengeExpired
	}
}

// --- gauntlet sessions ---

type startVerificationRequest struct {
	WebhookURL string `json:"webhook_url"`
}

type startVerificationResponse struct {
	SessionID       string `json:"session_id"`
	EndsAt          string `json:"ends_at"`
	TotalChallenges int    `json:"total_challenges"`
	Instructions    string `json:"instructions"`
}

const verificationInstructions = "Keep your webhook reachable for the next 3 days. " +
	"Challenges arrive in bursts at unannounced times, including night hours; " +
	"answer each within the stated window."

func (s *Server) handleStartVerification(w http.ResponseWriter, r *http.Request) {
	agentID, ok := bearerAgent(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "bearer token required")
		return
	}
	var req startVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WebhookURL == "" {
		writeErrorDetails(w, http.StatusBadRequest, CodeValidation, "webhook_url is required",
			map[string]interface{}{"fields": []string{"webhook_url"}})
		return
	}

	if _, err := security.CheckWebhookURL(req.WebhookURL, s.opts.Resolver); err != nil {
		if errors.Is(err, security.ErrSSRFBlocked) {
			writeError(w, http.StatusBadRequest, CodeSSRFBlocked, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not vet webhook URL")
		return
	}

	sess, err := s.opts.Controller.StartSession(r.Context(), agentID, req.WebhookURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not start verification")
		return
	}
	writeJSON(w, http.StatusCreated, startVerificationResponse{
		SessionID:       sess.ID,
		EndsAt:          sess.EndsAt.UTC().Format(time.RFC3339),
		TotalChallenges: len(sess.Instances()),
		Instructions:    verificationInstructions,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	agentID, ok := bearerAgent(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "bearer token required")
		return
	}
	sess, ok := s.fetchOwnedSession(w, r, agentID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionSnapshot(sess))
}

func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	agentID, ok := bearerAgent(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "bearer token required")
		return
	}
	sess, ok := s.fetchOwnedSession(w, r, agentID)
	if !ok {
		return
	}
	done, err := s.opts.Controller.RunToCompletion(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "session run failed")
		return
	}
	writeJSON(w, http.StatusOK, sessionSnapshot(done))
}

func (s *Server) fetchOwnedSession(w http.ResponseWriter, r *http.Request, agentID string) (*core.VerificationSession, bool) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeErrorDetails(w, http.StatusBadRequest, CodeValidation, "session_id is required",
			map[string]interface{}{"fields": []string{"session_id"}})
		return nil, false
	}
	sess, err := s.opts.Controller.GetSession(r.Context(), sessionID)
	if err != nil || sess.AgentID != agentID {
		writeError(w, http.StatusNotFound, CodeNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// --- snapshot view (redacted: no prompts, no response bodies) ---

type challengeView struct {
	ID             string     `json:"id"`
	Category       string     `json:"category"`
	Status         string     `json:"status"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	Night          bool       `json:"night"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	ResponseTimeMs int64      `json:"response_time_ms,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
}

type dayView struct {
	Day        int             `json:"day"`
	BurstTimes []time.Time     `json:"burst_times"`
	Passed     int             `json:"passed"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Pending    int             `json:"pending"`
	Challenges []challengeView `json:"challenges"`
}

type sessionView struct {
	SessionID       string     `json:"session_id"`
	AgentID         string     `json:"agent_id"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndsAt          time.Time  `json:"ends_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	TotalChallenges int        `json:"total_challenges"`
	Days            []dayView  `json:"days"`
}

func sessionSnapshot(s *core.VerificationSession) sessionView {
	view := sessionView{
		SessionID:     s.ID,
		AgentID:       s.AgentID,
		Status:        string(s.Status),
		StartedAt:     s.StartedAt,
		EndsAt:        s.EndsAt,
		CompletedAt:   s.CompletedAt,
		FailureReason: s.FailureReason,
	}
	for d, day := range s.DailyChallenges {
		dv := dayView{Day: d + 1, BurstTimes: day.BurstTimes}
		for _, inst := range day.Challenges {
			view.TotalChallenges++
			switch inst.Status {
			case core.StatusPassed:
				dv.Passed++
			case core.StatusFailed:
				dv.Failed++
			case core.StatusSkipped:
				dv.Skipped++
			default:
				dv.Pending++
			}
			dv.Challenges = append(dv.Challenges, challengeView{
				ID:             inst.ID,
				Category:       inst.Category,
				Status:         string(inst.Status),
				ScheduledFor:   inst.ScheduledFor,
				Night:          inst.IsNightChallenge,
				SentAt:         inst.SentAt,
				ResponseTimeMs: inst.ResponseTimeMs,
				FailureReason:  inst.FailureReason,
			})
		}
		view.Days = append(view.Days, dv)
	}
	return view
}

// --- operational endpoints ---

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.Tick(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := map[string]string{
		"redis":    pingStatus(ctx, s.opts.RedisPing),
		"postgres": pingStatus(ctx, s.opts.DBPing),
	}
	status := "ok"
	for _, v := range components {
		if v == "error" {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"components": components,
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

func pingStatus(ctx context.Context, ping Pinger) string {
	if ping == nil {
		return "disabled"
	}
	if err := ping(ctx); err != nil {
		return "error"
	}
	return "ok"
}
