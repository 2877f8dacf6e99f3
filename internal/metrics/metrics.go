// Package metrics exposes Prometheus instrumentation for the dispatcher,
// matching the teacher's own internal/metrics/metrics.go and
// internal/messaging/messaging.go backfillMetrics pattern of
// promauto-constructed counters/gauges/histograms held on a small struct
// rather than as bare package globals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set groups every scheduler metric so cmd/scheduler can construct one
// against a dedicated registry (useful in tests that want isolation).
type Set struct {
	Submissions        *prometheus.CounterVec
	Dispatches         prometheus.Counter
	Completions        *prometheus.CounterVec
	Timeouts           prometheus.Counter
	LocationMisses     prometheus.Counter
	StrandedTasks      prometheus.Counter
	EngineBreakerOpens prometheus.Counter
	EngineLoad         *prometheus.GaugeVec
	PolicyPickSeconds  prometheus.Histogram
	RegisteredEngines  prometheus.Gauge
}

// New registers the scheduler's metrics against reg and returns the Set.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_submissions_total",
			Help: "Task submissions received, by outcome (accepted, invalid_dependency, impossible_dependency).",
		}, []string{"outcome"}),
		Dispatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_dispatches_total",
			Help: "Tasks placed onto an engine.",
		}),
		Completions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_completions_total",
			Help: "Final task outcomes, by status (ok, error, timeout, engine_error, unreachable, invalid_dependency).",
		}, []string{"status"}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_timeouts_total",
			Help: "Tasks that failed via the timeout auditor.",
		}),
		LocationMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_location_misses_total",
			Help: "Engine replies with dependencies_met=false.",
		}),
		StrandedTasks: factory.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_stranded_tasks_total",
			Help: "Tasks synthetically failed after their engine unregistered.",
		}),
		EngineBreakerOpens: factory.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_engine_breaker_opens_total",
			Help: "Times an engine's health circuit breaker tripped open.",
		}),
		EngineLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scheduler_engine_load",
			Help: "Outstanding task count per engine.",
		}, []string{"engine"}),
		PolicyPickSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_policy_pick_duration_seconds",
			Help:    "Time spent selecting an engine via the configured load policy.",
			Buckets: prometheus.DefBuckets,
		}),
		RegisteredEngines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_registered_engines",
			Help: "Currently registered engines.",
		}),
	}
}
