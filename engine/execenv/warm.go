package execenv

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/pool"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/provenance"
)

// WarmEnv executes tasks in pooled warm subprocesses, consulting the
// provenance store before running anything and persisting every result.
type WarmEnv struct {
	repo      bundle.Repository
	store     *provenance.Store
	pool      *pool.Pool
	inlineMax int64
}

// NewWarmEnv composes the default execution environment.
func NewWarmEnv(repo bundle.Repository, store *provenance.Store, procPool *pool.Pool, inlineMax int64) *WarmEnv {
	return &WarmEnv{repo: repo, store: store, pool: procPool, inlineMax: inlineMax}
}

// Run executes one simulation task. All infrastructure failures are folded
// into a failure SimReturn; Run never panics and never returns an error.
func (e *WarmEnv) Run(ctx context.Context, task engine.SimTask) engine.SimReturn {
	started := time.Now()

	digest, bundlePath, err := e.repo.EnsureLocal(ctx, task.BundleRef)
	if err != nil {
		engine.TaskDuration.WithLabelValues("sim", "failure").Observe(time.Since(started).Seconds())
		return failureReturn(task, "BundleError", err, false)
	}

	if cached, err := e.store.GetSim(digest, task); err == nil && cached != nil {
		engine.CacheHitsTotal.Inc()
		logrus.Debugf("cache hit for task %s", cached.TaskID[:12])
		return *cached
	}
	engine.CacheMissesTotal.Inc()

	artifacts, err := e.pool.ExecuteTask(digest, bundlePath, task.Entrypoint, task.Params.Values(), task.Seed)
	if err != nil {
		engine.TaskDuration.WithLabelValues("sim", "failure").Observe(time.Since(started).Seconds())
		return failureReturn(task, classifyTransportError(err), err, false)
	}

	// A sole "error" key signals a user-code failure inside the subprocess.
	// The process stays warm: user errors do not poison it.
	if payload, ok := artifacts["error"]; ok && len(artifacts) == 1 {
		engine.TaskDuration.WithLabelValues("sim", "user_error").Observe(time.Since(started).Seconds())
		return userErrorReturn(task, payload)
	}

	ret, err := buildSimReturn(e.store, e.inlineMax, task, artifacts)
	if err != nil {
		engine.TaskDuration.WithLabelValues("sim", "failure").Observe(time.Since(started).Seconds())
		return failureReturn(task, "SerialisationError", err, false)
	}

	if err := e.store.PutSim(digest, task, ret); err != nil {
		// The result is sound even if persisting it failed; the next run
		// recomputes instead of reading the cache.
		logrus.Warnf("persisting result for task %s: %v", ret.TaskID[:12], err)
	}
	engine.TaskDuration.WithLabelValues("sim", "success").Observe(time.Since(started).Seconds())
	return ret
}

// RunAggregation fans replicate results into the user target inside the
// same warm subprocess, rehydrating any cas:// references first.
func (e *WarmEnv) RunAggregation(ctx context.Context, task engine.AggregationTask) (engine.AggregationReturn, error) {
	started := time.Now()

	digest, bundlePath, err := e.repo.EnsureLocal(ctx, task.BundleRef)
	if err != nil {
		return engine.AggregationReturn{}, fmt.Errorf("resolving bundle: %w", err)
	}

	if cached, err := e.store.GetAgg(digest, task); err == nil && cached != nil {
		engine.CacheHitsTotal.Inc()
		return *cached, nil
	}

	serialized := make([]map[string]any, 0, len(task.SimReturns))
	for _, sr := range task.SimReturns {
		wire, err := serializeSimReturn(e.store, sr)
		if err != nil {
			return engine.AggregationReturn{}, err
		}
		serialized = append(serialized, wire)
	}

	result, err := e.pool.ExecuteAggregation(digest, bundlePath, task.TargetEntrypoint, serialized, task.TargetData)
	if err != nil {
		engine.TaskDuration.WithLabelValues("agg", "failure").Observe(time.Since(started).Seconds())
		return engine.AggregationReturn{}, fmt.Errorf("executing aggregation: %w", err)
	}
	ret, err := decodeAggregationResult(task, result)
	if err != nil {
		engine.TaskDuration.WithLabelValues("agg", "failure").Observe(time.Since(started).Seconds())
		return engine.AggregationReturn{}, err
	}

	if err := e.store.PutAgg(digest, task, ret); err != nil {
		logrus.Warnf("persisting aggregation %s: %v", ret.AggregationID, err)
	}
	engine.TaskDuration.WithLabelValues("agg", "success").Observe(time.Since(started).Seconds())
	return ret, nil
}

// HealthCheck reports environment composition for the worker's health
// endpoint.
func (e *WarmEnv) HealthCheck() map[string]any {
	return map[string]any{
		"type":             "warm",
		"active_processes": e.pool.ActiveCount(),
	}
}

// Shutdown terminates all pooled processes.
func (e *WarmEnv) Shutdown() {
	logrus.Info("shutting down warm execution environment")
	e.pool.ShutdownAll()
}
