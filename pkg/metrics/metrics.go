// Package metrics defines the Prometheus series exposed at /metrics,
// named to match the original Rust `metrics` crate call sites so
// operators migrating dashboards keep the same series names.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_started_total",
		Help: "Total number of sessions started.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Number of sessions currently live.",
	})

	SessionStartDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_start_duration_seconds",
		Help:    "Time to provision and start a session, from command to ready post.",
		Buckets: prometheus.DefBuckets,
	})

	TokensInput = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokens_input_total",
		Help: "Total input tokens consumed across all turns.",
	})

	TokensOutput = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokens_output_total",
		Help: "Total output tokens produced across all turns.",
	})

	NetworkRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "network_requests_total",
		Help: "Total network-access requests received from sessions.",
	})

	NetworkRequestsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "network_requests_deduplicated_total",
		Help: "Network-access requests dropped as duplicates of an already-pending request.",
	})

	Approvals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_total",
		Help: "Total approval callbacks handled, by action.",
	}, []string{"action"})

	CallbackDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "callback_duration_seconds",
		Help:    "Time to handle an approve/deny callback end to end.",
		Buckets: prometheus.DefBuckets,
	})

	NetworkRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Time to post and persist a network-access approval prompt.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		ActiveSessions,
		SessionStartDuration,
		TokensInput,
		TokensOutput,
		NetworkRequests,
		NetworkRequestsDeduplicated,
		Approvals,
		CallbackDuration,
		NetworkRequestDuration,
	)
}

// Timer times an operation and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
