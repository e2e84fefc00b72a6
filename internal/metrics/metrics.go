// Package metrics holds the prometheus collectors of the sync and delivery
// engines. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voipsms"

// Metrics groups every collector the daemon exports.
type Metrics struct {
	syncRuns     *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	lineErrors   *prometheus.CounterVec
	reconciled   *prometheus.CounterVec
	sends        *prometheus.CounterVec
	apiRequests  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by mode and outcome.",
		}, []string{"mode", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"mode"}),
		lineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "line_errors_total",
			Help:      "Per-line sync failures.",
		}, []string{"line"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "messages_total",
			Help:      "Remote messages seen by the reconciler, by result.",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "segments_total",
			Help:      "Outgoing segments by final state.",
		}, []string{"state"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Provider API calls by method and outcome.",
		}, []string{"method", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.syncRuns, m.syncDuration, m.lineErrors, m.reconciled, m.sends, m.apiRequests)
	}
	return m
}

// SyncRun records a finished run. Outcome is "ok" when no line failed.
func (m *Metrics) SyncRun(mode string, failedLines int, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failedLines > 0 {
		outcome = "partial"
	}
	m.syncRuns.WithLabelValues(mode, outcome).Inc()
	m.syncDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) LineError(line string) {
	if m == nil {
		return
	}
	m.lineErrors.WithLabelValues(line).Inc()
}

// Reconciled adds the per-result counts of one line batch.
func (m *Metrics) Reconciled(inserted, tombstoned, existing, rejected int) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues("inserted").Add(float64(inserted))
	m.reconciled.WithLabelValues("tombstoned").Add(float64(tombstoned))
	m.reconciled.WithLabelValues("existing").Add(float64(existing))
	m.reconciled.WithLabelValues("rejected").Add(float64(rejected))
}

func (m *Metrics) SendOutcome(state string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(state).Inc()
}

// ProviderRequest records one provider API call; a nil err counts as "ok".
func (m *Metrics) ProviderRequest(method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.apiRequests.WithLabelValues(method, outcome).Inc()
}
