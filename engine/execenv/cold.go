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

// ColdEnv is the diagnostic drop-in replacement for WarmEnv: one fresh
// subprocess per task, no state shared between tasks. Used to debug state
// leakage in native extensions. Venvs may still be reused (process fresh,
// environment cached) unless ForceFreshVenv is set in the pool config.
//
// Unlike the warm path, the cold path offers hard cancellation: a task that
// exceeds TaskTimeout has its subprocess killed.
type ColdEnv struct {
	repo        bundle.Repository
	store       *provenance.Store
	cfg         pool.Config
	inlineMax   int64
	taskTimeout time.Duration
}

// NewColdEnv composes the cold execution environment. taskTimeout of zero
// disables the per-task deadline.
func NewColdEnv(repo bundle.Repository, store *provenance.Store, cfg pool.Config, inlineMax int64, taskTimeout time.Duration) *ColdEnv {
	return &ColdEnv{repo: repo, store: store, cfg: cfg, inlineMax: inlineMax, taskTimeout: taskTimeout}
}

// Run executes one task in a fresh subprocess that is torn down afterwards.
func (e *ColdEnv) Run(ctx context.Context, task engine.SimTask) engine.SimReturn {
	started := time.Now()

	digest, bundlePath, err := e.repo.EnsureLocal(ctx, task.BundleRef)
	if err != nil {
		return failureReturn(task, "BundleError", err, false)
	}

	if cached, err := e.store.GetSim(digest, task); err == nil && cached != nil {
		engine.CacheHitsTotal.Inc()
		return *cached
	}
	engine.CacheMissesTotal.Inc()

	proc, err := pool.Spawn(e.cfg, digest, bundlePath)
	if err != nil {
		return failureReturn(task, classifyTransportError(err), err, false)
	}
	defer proc.Terminate()

	var artifacts map[string]string
	err = proc.Call("execute", map[string]any{
		"entrypoint":    task.Entrypoint,
		"params":        task.Params.Values(),
		"seed":          task.Seed,
		"bundle_digest": digest,
	}, e.taskTimeout, &artifacts)
	if err != nil {
		// Hard cancellation: the deferred Terminate kills the subprocess
		// whether it timed out or desynced.
		engine.TaskDuration.WithLabelValues("sim", "failure").Observe(time.Since(started).Seconds())
		return failureReturn(task, classifyTransportError(err), err, false)
	}

	if payload, ok := artifacts["error"]; ok && len(artifacts) == 1 {
		engine.TaskDuration.WithLabelValues("sim", "user_error").Observe(time.Since(started).Seconds())
		return userErrorReturn(task, payload)
	}

	ret, err := buildSimReturn(e.store, e.inlineMax, task, artifacts)
	if err != nil {
		return failureReturn(task, "SerialisationError", err, false)
	}
	if err := e.store.PutSim(digest, task, ret); err != nil {
		logrus.Warnf("persisting result for task %s: %v", ret.TaskID[:12], err)
	}
	engine.TaskDuration.WithLabelValues("sim", "success").Observe(time.Since(started).Seconds())
	return ret
}

// RunAggregation runs the target in a fresh subprocess with the same
// contract as the warm path.
func (e *ColdEnv) RunAggregation(ctx context.Context, task engine.AggregationTask) (engine.AggregationReturn, error) {
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

	proc, err := pool.Spawn(e.cfg, digest, bundlePath)
	if err != nil {
		return engine.AggregationReturn{}, fmt.Errorf("spawning subprocess: %w", err)
	}
	defer proc.Terminate()

	params := map[string]any{
		"target_entrypoint": task.TargetEntrypoint,
		"sim_returns":       serialized,
		"bundle_digest":     digest,
	}
	if task.TargetData != nil {
		params["target_data"] = task.TargetData
	}

	var result map[string]any
	if err := proc.Call("aggregate", params, e.taskTimeout, &result); err != nil {
		return engine.AggregationReturn{}, fmt.Errorf("executing aggregation: %w", err)
	}
	ret, err := decodeAggregationResult(task, result)
	if err != nil {
		return engine.AggregationReturn{}, err
	}
	if err := e.store.PutAgg(digest, task, ret); err != nil {
		logrus.Warnf("persisting aggregation %s: %v", ret.AggregationID, err)
	}
	return ret, nil
}

// HealthCheck reports environment composition.
func (e *ColdEnv) HealthCheck() map[string]any {
	return map[string]any{
		"type":             "cold",
		"force_fresh_venv": e.cfg.ForceFreshVenv,
	}
}

// Shutdown is a no-op: cold processes never outlive their task.
func (e *ColdEnv) Shutdown() {}
