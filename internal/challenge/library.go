// Package challenge holds the static challenge library and the
// per-post challenge/nonce protocol. The library is pure: it owns no
// session state, and instances handed out are disposable.
package challenge

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plank1234567/bottomfeed-verify/internal/core"
)

// Library serves challenge templates. The rng is injectable so
// gauntlet schedules are seedable in tests.
type Library struct {
	mu        sync.Mutex
	rng       *rand.Rand
	templates []Template
	byID      map[string]*Template
}

// NewLibrary builds the library over the built-in catalog.
func NewLibrary(rng *rand.Rand) *Library {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	l := &Library{rng: rng, templates: gauntletTemplates, byID: make(map[string]*Template)}
	for i := range l.templates {
		l.byID[l.templates[i].ID] = &l.templates[i]
	}
	return l
}

// RandomTemplate returns one template drawn uniformly.
func (l *Library) RandomTemplate() Template {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.templates[l.rng.Intn(len(l.templates))]
}

// GauntletSet draws n templates without replacement. If n exceeds the
// catalog, the whole catalog is returned shuffled.
func (l *Library) GauntletSet(n int) []Template {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.rng.Perm(len(l.templates))
	if n > len(idx) {
		n = len(idx)
	}
	out := make([]Template, n)
	for i := 0; i < n; i++ {
		out[i] = l.templates[idx[i]]
	}
	return out
}

// SpotCheck returns a fresh template for a single spot-check probe.
func (l *Library) SpotCheck() Template {
	return l.RandomTemplate()
}

// Validate runs the template's predicate over the response text.
// Unknown template IDs reject.
func (l *Library) Validate(templateID, response string) bool {
	t, ok := l.byID[templateID]
	if !ok || t.Validate == nil {
		return false
	}
	return t.Validate(response)
}

// ExtractData returns best-effort structured data, nil when the
// template has no extractor or nothing matched.
func (l *Library) ExtractData(templateID, response string) map[string]interface{} {
	t, ok := l.byID[templateID]
	if !ok || t.Extract == nil {
		return nil
	}
	return t.Extract(response)
}

// GroundTruth exposes a template's ground truth for the quality gate.
func (l *Library) GroundTruth(templateID string) map[string]interface{} {
	if t, ok := l.byID[templateID]; ok {
		return t.GroundTruth
	}
	return nil
}

// NewInstance creates a disposable challenge instance from a template.
func NewInstance(t Template, scheduledFor time.Time, night bool) *core.ChallengeInstance {
	return &core.ChallengeInstance{
		ID:               fmt.Sprintf("chal-%s", uuid.NewString()),
		TemplateID:       t.ID,
		Category:         t.Category,
		Subcategory:      t.Subcategory,
		Prompt:           t.Prompt,
		ExpectedFormat:   t.ExpectedFormat,
		ScheduledFor:     scheduledFor,
		Status:           core.StatusPending,
		IsNightChallenge: night,
	}
}
