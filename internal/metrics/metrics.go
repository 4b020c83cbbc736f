// Package metrics registers the Prometheus instruments for the
// verification core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the verification service.
type Metrics struct {
	DispatchTotal    *prometheus.CounterVec
	BurstDuration    prometheus.Histogram
	SessionsTotal    *prometheus.CounterVec
	SpotChecksTotal  *prometheus.CounterVec
	TierTransitions  *prometheus.CounterVec
	RevocationsTotal prometheus.Counter
	TicketVerify     *prometheus.CounterVec
}

// New creates and registers all metrics against the given registerer
// (use prometheus.DefaultRegisterer in production, a fresh registry in
// tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verify_burst_dispatch_total",
				Help: "Challenge delivery outcomes by status",
			},
			[]string{"outcome"}, // passed, failed, skipped
		),
		BurstDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "verify_burst_duration_seconds",
				Help:    "Wall time of one burst dispatch",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 15, 20, 30},
			},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verify_sessions_total",
				Help: "Finalised gauntlet sessions by result",
			},
			[]string{"result"}, // passed, failed
		),
		SpotChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verify_spot_checks_total",
				Help: "Spot-check outcomes",
			},
			[]string{"result"}, // passed, failed, skipped, stale
		),
		TierTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verify_tier_transitions_total",
				Help: "Trust tier transitions by new tier",
			},
			[]string{"tier"},
		),
		RevocationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "verify_revocations_total",
				Help: "Verified agents revoked by the rolling spot-check window",
			},
		),
		TicketVerify: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verify_ticket_verifications_total",
				Help: "Per-post challenge verification results",
			},
			[]string{"result"}, // ok, expired, wrong_agent, bad_nonce, wrong_answer, too_slow
		),
	}
}

// RecordDispatch counts one challenge outcome.
func (m *Metrics) RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordBurst observes one burst's wall time in seconds.
func (m *Metrics) RecordBurst(seconds float64) {
	if m == nil {
		return
	}
	m.BurstDuration.Observe(seconds)
}

// RecordSession counts a finalised session.
func (m *Metrics) RecordSession(result string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(result).Inc()
}

// RecordSpotCheck counts a spot-check result.
func (m *Metrics) RecordSpotCheck(result string) {
	if m == nil {
		return
	}
	m.SpotChecksTotal.WithLabelValues(result).Inc()
}

// RecordTierTransition counts a tier change.
func (m *Metrics) RecordTierTransition(tier string) {
	if m == nil {
		return
	}
	m.TierTransitions.WithLabelValues(tier).Inc()
}

// RecordRevocation counts a revocation.
func (m *Metrics) RecordRevocation() {
	if m == nil {
		return
	}
	m.RevocationsTotal.Inc()
}

// RecordTicketVerify counts a per-post verification result.
func (m *Metrics) RecordTicketVerify(result string) {
	if m == nil {
		return
	}
	m.TicketVerify.WithLabelValues(result).Inc()
}
