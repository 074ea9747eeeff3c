// Package execenv binds a bundle repository, provenance store and process
// pool into the execution environments that run simulation and aggregation
// tasks on a worker.
package execenv

import (
	"context"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
)

// Environment executes tasks on behalf of the submission service.
//
// Run never returns an error: every failure mode (bundle resolution, spawn,
// transport, user code) is folded into a well-formed failure SimReturn, and
// the submission service decides on retries from ErrorInfo.Retryable.
// RunAggregation returns an error for failures, since AggregationReturn has
// no failure shape of its own.
type Environment interface {
	Run(ctx context.Context, task engine.SimTask) engine.SimReturn
	RunAggregation(ctx context.Context, task engine.AggregationTask) (engine.AggregationReturn, error)
	HealthCheck() map[string]any
	Shutdown()
}

// Future resolves to the result of a task submitted to the distributed
// fabric.
type Future interface {
	Await(ctx context.Context) (engine.SimReturn, error)
}

// AggregationFuture resolves to the result of a submitted aggregation.
type AggregationFuture interface {
	Await(ctx context.Context) (engine.AggregationReturn, error)
}

// SubmissionService is the black-box task-submission fabric. It hands tasks
// to workers, enforces future-level timeouts, and decides retry policy;
// scheduling across workers is entirely its concern.
type SubmissionService interface {
	Submit(ctx context.Context, task engine.SimTask) (Future, error)
	SubmitAggregation(ctx context.Context, task engine.AggregationTask) (AggregationFuture, error)
}
