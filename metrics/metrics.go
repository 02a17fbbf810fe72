// Package metrics exposes prometheus counters and histograms for document
// reads and verification verdicts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go-passport-verifier/status"
)

// Metrics provides observability for reading and verifying documents. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Verdicts by category and outcome
	Verdicts *prometheus.CounterVec

	// Sessions by outcome: "read", "denied", "transport_error", "uploaded"
	Sessions *prometheus.CounterVec

	// Duration of a chip session from first exchange to last
	ReadLatency prometheus.Histogram
}

// New creates a Metrics instance registered with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "passport_verifier_verdicts_total",
			Help: "Total verification verdicts by category and verdict",
		}, []string{"category", "verdict"}),

		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "passport_verifier_sessions_total",
			Help: "Total document sessions by outcome",
		}, []string{"outcome"}),

		ReadLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "passport_verifier_read_duration_seconds",
			Help:    "Duration of reading a document over the contactless link",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
	}
}

// IncrementVerdict records the verdict reached for one category.
func (m *Metrics) IncrementVerdict(category status.Category, verdict status.Verdict) {
	if m != nil {
		m.Verdicts.WithLabelValues(string(category), verdict.String()).Inc()
	}
}

// RecordStatus counts the verdict of every category of a finished session.
func (m *Metrics) RecordStatus(vs *status.VerificationStatus) {
	if m == nil || vs == nil {
		return
	}
	for _, c := range status.Categories {
		m.IncrementVerdict(c, vs.Verdict(c))
	}
}

// ObserveRead records the duration of a chip session.
func (m *Metrics) ObserveRead(d time.Duration) {
	if m != nil {
		m.ReadLatency.Observe(d.Seconds())
	}
}

// IncrementSession records how a session ended.
func (m *Metrics) IncrementSession(outcome string) {
	if m != nil {
		m.Sessions.WithLabelValues(outcome).Inc()
	}
}
