// Package metrics exposes Prometheus collectors for the authentication guard.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/and161185/adminguard/internal/model"
)

// Guard holds the guard's collectors. A nil *Guard records nothing.
type Guard struct {
	attempts *prometheus.CounterVec
	verify   prometheus.Histogram
	ledger   prometheus.Counter
}

// NewGuard registers the guard collectors with reg. A nil reg leaves them unregistered.
func NewGuard(reg prometheus.Registerer) *Guard {
	f := promauto.With(reg)
	return &Guard{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "adminguard_auth_attempts_total",
			Help: "Authentication attempts by outcome",
		}, []string{"outcome"}),
		verify: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "adminguard_verify_seconds",
			Help:    "Latency of credential verification in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		ledger: f.NewCounter(prometheus.CounterOpts{
			Name: "adminguard_ledger_errors_total",
			Help: "Attempt ledger operations that failed",
		}),
	}
}

// Outcome counts one authentication attempt.
func (g *Guard) Outcome(o model.Outcome) {
	if g == nil {
		return
	}
	g.attempts.WithLabelValues(o.String()).Inc()
}

// VerifyDuration observes one credential verification.
func (g *Guard) VerifyDuration(d time.Duration) {
	if g == nil {
		return
	}
	g.verify.Observe(d.Seconds())
}

// LedgerError counts a failed ledger operation.
func (g *Guard) LedgerError() {
	if g == nil {
		return
	}
	g.ledger.Inc()
}
