// Package metrics exposes the orchestrator's Prometheus registry: per-repo fleet
// gauges, scaling/reconciliation counters and histograms, and token/leader status.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetcore_workers_total",
			Help: "Current worker count by repository and kind",
		},
		[]string{"repo", "kind"},
	)

	DynamicWorkersAtCap = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetcore_dynamic_workers_at_cap",
			Help: "1 if a repository's dynamic worker count equals its configured maximum",
		},
		[]string{"repo"},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetcore_is_leader",
			Help: "Whether this instance currently holds the leader lease (1 = leader, 0 = follower)",
		},
	)

	LeaderTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetcore_leader_term",
			Help: "Current leader election term as last observed by this instance",
		},
	)

	ScaleUpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_scale_up_total",
			Help: "Total dynamic worker spawns by repository",
		},
		[]string{"repo"},
	)

	ScaleDownTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_scale_down_total",
			Help: "Total dynamic worker reclamations by repository",
		},
		[]string{"repo"},
	)

	ScaleDecisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetcore_scale_decision_duration_seconds",
			Help:    "Time taken by one EvaluateAndScale pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcore_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds, by loop",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed, by loop",
		},
		[]string{"loop"},
	)

	TicksDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_ticks_dropped_total",
			Help: "Ticks dropped because the previous iteration of the same loop was still running",
		},
		[]string{"loop"},
	)

	WorkerSpawnFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_worker_spawn_failures_total",
			Help: "Total dynamic worker spawn failures by repository",
		},
		[]string{"repo"},
	)

	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_token_refresh_total",
			Help: "Token refresh attempts by repository and outcome",
		},
		[]string{"repo", "outcome"},
	)

	TokenRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetcore_token_refresh_duration_seconds",
			Help:    "Time taken to refresh a registration token, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerEngineOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcore_containerengine_op_duration_seconds",
			Help:    "Time taken by ContainerEngine operations, by op and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)

	ProviderOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcore_provider_op_duration_seconds",
			Help:    "Time taken by Provider operations, by op and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		DynamicWorkersAtCap,
		IsLeader,
		LeaderTerm,
		ScaleUpTotal,
		ScaleDownTotal,
		ScaleDecisionDuration,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		TicksDroppedTotal,
		WorkerSpawnFailuresTotal,
		TokenRefreshTotal,
		TokenRefreshDuration,
		ContainerEngineOpDuration,
		ProviderOpDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time to a plain histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
