// Package dispatch delivers bursts of challenges to agent webhooks.
// All challenges in a burst go out in parallel under one shared
// deadline. The burst is the anti-human-in-the-loop primitive: a
// person cannot answer three simultaneous novel questions inside the
// window, an autonomous agent fans them out to its own inference.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/plank1234567/bottomfeed-verify/internal/core"
	"github.com/plank1234567/bottomfeed-verify/internal/metrics"
	"github.com/plank1234567/bottomfeed-verify/internal/security"
)

// Kind selects the envelope type and headers.
type Kind string

const (
	KindVerification Kind = "verification_challenge"
	KindSpotCheck    Kind = "spot_check"
)

// Judge scores a 2xx response body: the quality gate first, then the
// template validator, so rejections are attributable to one stage.
type Judge interface {
	Judge(inst *core.ChallengeInstance, response string) (ok bool, reason string, parsed map[string]interface{})
}

// Request is one burst against one webhook.
type Request struct {
	WebhookURL string
	SessionID  string // empty for spot checks
	Kind       Kind
	Instances  []*core.ChallengeInstance
}

// ClientFactory yields the HTTP client used for one burst against the
// given webhook URL. An error means the URL must not be dialled at all.
type ClientFactory func(webhookURL string) (*http.Client, error)

// Dispatcher sends bursts. The client factory decides, per burst,
// which transport reaches the webhook; the vetted factory re-checks
// the URL and pins the resolved IP so a DNS record flipped after
// registration cannot steer the dispatch inside the network.
type Dispatcher struct {
	clientFor       ClientFactory
	judge           Judge
	responseTimeout time.Duration
	burstTimeout    time.Duration
	logger          *log.Logger
	metrics         *metrics.Metrics
}

// New builds a dispatcher over a fixed client. metrics may be nil.
func New(client *http.Client, judge Judge, responseTimeout, burstTimeout time.Duration, m *metrics.Metrics) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return newWithFactory(func(string) (*http.Client, error) { return client, nil },
		judge, responseTimeout, burstTimeout, m)
}

// NewVetted builds the production dispatcher: every burst re-resolves
// and re-checks the webhook URL, then dials over a transport pinned to
// the vetted IP. resolve may be nil for the system resolver.
func NewVetted(judge Judge, responseTimeout, burstTimeout time.Duration, m *metrics.Metrics, resolve security.Resolver) *Dispatcher {
	return newWithFactory(func(webhookURL string) (*http.Client, error) {
		pinned, err := security.CheckWebhookURL(webhookURL, resolve)
		if err != nil {
			return nil, err
		}
		return &http.Client{Transport: pinned.Transport()}, nil
	}, judge, responseTimeout, burstTimeout, m)
}

func newWithFactory(clientFor ClientFactory, judge Judge, responseTimeout, burstTimeout time.Duration, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		clientFor:       clientFor,
		judge:           judge,
		responseTimeout: responseTimeout,
		burstTimeout:    burstTimeout,
		logger:          log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		metrics:         m,
	}
}

type challengeEnvelope struct {
	Type                 string `json:"type"`
	ChallengeID          string `json:"challenge_id"`
	Prompt               string `json:"prompt"`
	Category             string `json:"category"`
	Subcategory          string `json:"subcategory,omitempty"`
	ExpectedFormat       string `json:"expected_format,omitempty"`
	RespondWithinSeconds int    `json:"respond_within_seconds"`
}

type agentResponse struct {
	Response string `json:"response"`
	Answer   string `json:"answer"`
	Content  string `json:"content"`
}

func (r agentResponse) text() string {
	for _, s := range []string{r.Response, r.Answer, r.Content} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// SendBurst delivers every instance of the burst concurrently under the
// shared burst deadline and returns one Outcome per instance ID. The
// caller's ctx carries the service shutdown signal; cancellation yields
// skipped outcomes and leaks nothing.
func (d *Dispatcher) SendBurst(ctx context.Context, req Request) map[string]Outcome {
	results := make(map[string]Outcome, len(req.Instances))

	client, err := d.clientFor(req.WebhookURL)
	if err != nil {
		d.logger.Printf("🚫 webhook rejected, burst not dispatched: %s: %v", req.WebhookURL, err)
		for _, inst := range req.Instances {
			out := Skipped(time.Time{}, ReasonBlocked)
			results[inst.ID] = out
			d.metrics.RecordDispatch(string(out.Status))
		}
		return results
	}

	burstCtx, cancel := context.WithTimeout(ctx, d.burstTimeout)
	defer cancel()

	start := time.Now()
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, inst := range req.Instances {
		wg.Add(1)
		go func(inst *core.ChallengeInstance) {
			defer wg.Done()
			out := d.sendOne(burstCtx, client, req, inst)
			mu.Lock()
			results[inst.ID] = out
			mu.Unlock()
			d.metrics.RecordDispatch(string(out.Status))
		}(inst)
	}
	wg.Wait()
	d.metrics.RecordBurst(time.Since(start).Seconds())

	return results
}

// timeoutReason separates an agent that ran out the clock from one
// that was never reachable. Either nested deadline counts: a request
// that consumed its full window inside a live burst timed out just the
// same as one cut by the burst deadline. Shutdown cancellation stays
// offline.
func timeoutReason(burstCtx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(burstCtx.Err(), context.DeadlineExceeded) {
		return ReasonBurstTimeout
	}
	return ReasonOffline
}

func (d *Dispatcher) sendOne(burstCtx context.Context, client *http.Client, req Request, inst *core.ChallengeInstance) Outcome {
	// The per-request deadline nests inside the burst deadline.
	reqCtx, cancel := context.WithTimeout(burstCtx, d.responseTimeout)
	defer cancel()

	envelope := challengeEnvelope{
		Type:                 string(req.Kind),
		ChallengeID:          inst.ID,
		Prompt:               inst.Prompt,
		Category:             inst.Category,
		Subcategory:          inst.Subcategory,
		ExpectedFormat:       inst.ExpectedFormat,
		RespondWithinSeconds: int(d.responseTimeout.Seconds()),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return Skipped(time.Time{}, ReasonOffline)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, req.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return Skipped(time.Time{}, ReasonOffline)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Verification", "true")
	httpReq.Header.Set("X-Challenge-ID", inst.ID)
	if req.Kind == KindSpotCheck {
		httpReq.Header.Set("X-SpotCheck", "true")
	} else {
		httpReq.Header.Set("X-Session-ID", req.SessionID)
	}

	sentAt := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		d.logger.Printf("❌ delivery failed: %s challenge=%s: %v", req.WebhookURL, inst.ID, err)
		return Skipped(sentAt, timeoutReason(burstCtx, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	respondedAt := time.Now()
	rtMs := respondedAt.Sub(sentAt).Milliseconds()
	if err != nil {
		return Skipped(sentAt, timeoutReason(burstCtx, err))
	}

	switch {
	case resp.StatusCode >= 500:
		// Server-side trouble is unreachability, not failure.
		return Skipped(sentAt, ReasonOffline)
	case resp.StatusCode >= 400:
		return Failed(sentAt, respondedAt, rtMs, "", fmt.Sprintf("http_%d", resp.StatusCode))
	}

	var parsed agentResponse
	_ = json.Unmarshal(body, &parsed)
	text := parsed.text()
	if text == "" {
		// Tolerate plain-text webhook responses.
		text = strings.TrimSpace(string(body))
	}

	if rtMs > d.responseTimeout.Milliseconds() {
		return Failed(sentAt, respondedAt, rtMs, text, ReasonSlow)
	}
	if len(text) < 10 {
		return Failed(sentAt, respondedAt, rtMs, text, "response too short")
	}

	ok, reason, parsedData := d.judge.Judge(inst, text)
	if !ok {
		return Failed(sentAt, respondedAt, rtMs, text, reason)
	}
	return Passed(sentAt, respondedAt, rtMs, text, parsedData)
}
