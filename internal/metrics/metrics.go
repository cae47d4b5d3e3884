// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the engine's collectors. A nil *Metrics is a valid
// no-op receiver so library users who skip metrics pay nothing.
type Metrics struct {
	Submissions     *prometheus.CounterVec
	BatchSize       prometheus.Histogram
	LockWaitSeconds prometheus.Histogram
	SessionFailures *prometheus.CounterVec
}

// New registers the engine collectors on reg (use
// prometheus.DefaultRegisterer in the daemon).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "submissions_total",
			Help:      "Command submissions by device and outcome.",
		}, []string{"device", "outcome"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "switchyard",
			Name:      "batch_size",
			Help:      "Queue entries drained per device session.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "switchyard",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a device lock slot.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SessionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "session_failures_total",
			Help:      "Management sessions lost mid-batch, by device.",
		}, []string{"device"}),
	}
	if reg != nil {
		reg.MustRegister(m.Submissions, m.BatchSize, m.LockWaitSeconds, m.SessionFailures)
	}
	return m
}

// ObserveSubmission counts one submission outcome.
func (m *Metrics) ObserveSubmission(device, outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(device, outcome).Inc()
}

// ObserveBatch records a drained batch size.
func (m *Metrics) ObserveBatch(n int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(n))
}

// ObserveLockWait records lock slot wait time in seconds.
func (m *Metrics) ObserveLockWait(seconds float64) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.Observe(seconds)
}

// ObserveSessionFailure counts one lost session.
func (m *Metrics) ObserveSessionFailure(device string) {
	if m == nil {
		return
	}
	m.SessionFailures.WithLabelValues(device).Inc()
}
