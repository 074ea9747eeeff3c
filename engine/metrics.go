package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-wide Prometheus collectors, registered on the default registry and
// exposed by the worker daemon's /metrics endpoint.
var (
	WarmProcessGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelops_warm_processes",
		Help: "Number of live warm subprocesses in the pool.",
	})

	ProcessSpawnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelops_process_spawns_total",
		Help: "Warm subprocess spawns since worker start.",
	})

	ProcessEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelops_process_evictions_total",
		Help: "LRU evictions from the warm process pool.",
	})

	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelops_provenance_cache_hits_total",
		Help: "Simulation results served from the provenance store.",
	})

	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelops_provenance_cache_misses_total",
		Help: "Simulation tasks executed because no cached result existed.",
	})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelops_task_duration_seconds",
		Help:    "Wall-clock duration of task execution by kind and outcome.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"kind", "outcome"})

	RegistryCASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelops_registry_cas_conflicts_total",
		Help: "Version-token conflicts observed while updating job state.",
	})
)
