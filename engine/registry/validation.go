package registry

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/kvstore"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/provenance"
)

// ValidationStatus classifies an output validation pass.
type ValidationStatus string

const (
	// ValidationComplete means every expected output is present.
	ValidationComplete ValidationStatus = "complete"
	// ValidationPartial means at least one expected output is missing.
	ValidationPartial ValidationStatus = "partial"
)

// ValidationResult summarises one probe of the provenance store.
type ValidationResult struct {
	Status          ValidationStatus `json:"status"`
	VerifiedCount   int              `json:"verified_count"`
	MissingCount    int              `json:"missing_count"`
	VerifiedOutputs []string         `json:"verified_outputs"`
	MissingOutputs  []string         `json:"missing_outputs"`
}

// ParameterSetSpec names one parameter set and its replicate count for
// expected-output manifest generation.
type ParameterSetSpec struct {
	Params         engine.UniqueParameterSet
	ReplicateCount int
}

// GenerateExpectedOutputs enumerates one OutputSpec per (param_id, seed)
// pair, with seeds in [0, replicate_count) and provenance paths computed by
// the store's schema.
func GenerateExpectedOutputs(store *provenance.Store, bundleDigest string, paramSets []ParameterSetSpec) ([]OutputSpec, error) {
	var specs []OutputSpec
	for _, ps := range paramSets {
		for seed := int64(0); seed < int64(ps.ReplicateCount); seed++ {
			path, err := store.SpecRelPath(bundleDigest, ps.Params.ParamID(), seed)
			if err != nil {
				return nil, fmt.Errorf("computing provenance path: %w", err)
			}
			specs = append(specs, OutputSpec{
				ParamID:        ps.Params.ParamID(),
				Seed:           seed,
				OutputType:     "simulation",
				BundleDigest:   bundleDigest,
				ReplicateCount: ps.ReplicateCount,
				ProvenancePath: path,
				ParamValues:    ps.Params.Values(),
			})
		}
	}
	return specs, nil
}

// ValidateOutputs probes the provenance store for every expected output of
// the job and records the classification on the job state (CAS-safe,
// transition-exempt like progress updates).
func (r *Registry) ValidateOutputs(jobID string, store *provenance.Store) (ValidationResult, error) {
	state, ok, err := r.GetJob(jobID)
	if err != nil {
		return ValidationResult{}, err
	}
	if !ok {
		return ValidationResult{}, fmt.Errorf("job %s not found", jobID)
	}

	result := ValidationResult{
		VerifiedOutputs: []string{},
		MissingOutputs:  []string{},
	}
	for _, spec := range state.ExpectedOutputs {
		if store.Exists(spec.ProvenancePath) {
			result.VerifiedOutputs = append(result.VerifiedOutputs, spec.ProvenancePath)
		} else {
			result.MissingOutputs = append(result.MissingOutputs, spec.ProvenancePath)
		}
	}
	result.VerifiedCount = len(result.VerifiedOutputs)
	result.MissingCount = len(result.MissingOutputs)
	if result.MissingCount == 0 {
		result.Status = ValidationComplete
	} else {
		result.Status = ValidationPartial
	}

	_, err = kvstore.UpdateWithRetry(r.store, r.key(jobID), func(m map[string]any) (map[string]any, error) {
		s, err := stateFromMap(m)
		if err != nil {
			return nil, err
		}
		if s.ValidationStartedAt == "" {
			s.ValidationStartedAt = nowISO()
		}
		s.ValidationAttempts++
		s.ValidationCompletedAt = nowISO()
		s.VerifiedOutputs = result.VerifiedOutputs
		s.MissingOutputs = result.MissingOutputs
		s.TasksVerified = result.VerifiedCount
		s.UpdatedAt = nowISO()
		return s.toMap()
	}, r.retry, onCASConflict)
	if err != nil {
		return ValidationResult{}, err
	}

	logrus.Infof("job %s validation: %d verified, %d missing", jobID, result.VerifiedCount, result.MissingCount)
	return result, nil
}

// FinalizeWithValidation moves a validating job to its terminal state:
// complete -> succeeded, partial -> partial_success, nothing verified -> failed.
func (r *Registry) FinalizeWithValidation(jobID string, result ValidationResult) (JobState, error) {
	switch {
	case result.Status == ValidationComplete:
		return r.UpdateStatus(jobID, StatusSucceeded, StatusFields{})
	case result.VerifiedCount == 0:
		return r.UpdateStatus(jobID, StatusFailed, StatusFields{
			ErrorMessage: "output validation found no outputs",
			ErrorCode:    "no_outputs",
		})
	default:
		return r.UpdateStatus(jobID, StatusPartialSuccess, StatusFields{})
	}
}

// ReconstructTaskFromSpec rebuilds the SimTask that would produce the
// artifact an OutputSpec names. bundleRef and entrypoint come from the job's
// metadata, since the spec itself carries only the content identity.
func ReconstructTaskFromSpec(spec OutputSpec, bundleRef, entrypoint string) (engine.SimTask, error) {
	params, err := engine.NewParameterSet(spec.ParamValues)
	if err != nil {
		return engine.SimTask{}, fmt.Errorf("rebuilding parameters: %w", err)
	}
	if params.ParamID() != spec.ParamID {
		return engine.SimTask{}, fmt.Errorf("reconstructed param_id %s does not match spec %s",
			params.ParamID(), spec.ParamID)
	}
	return engine.NewSimTask(bundleRef, entrypoint, params, spec.Seed)
}

// GetResumableTasks reconstructs the SimTasks for a partial_success job's
// missing outputs, to be handed back to the submission service.
func (r *Registry) GetResumableTasks(jobID string) ([]engine.SimTask, error) {
	state, ok, err := r.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if state.Status != StatusPartialSuccess {
		return nil, fmt.Errorf("job %s is %s, resumable tasks require %s",
			jobID, state.Status, StatusPartialSuccess)
	}

	bundleRef, _ := state.Metadata["bundle_ref"].(string)
	entrypoint, _ := state.Metadata["entrypoint"].(string)
	if bundleRef == "" || entrypoint == "" {
		return nil, fmt.Errorf("job %s metadata lacks bundle_ref/entrypoint, cannot reconstruct tasks", jobID)
	}

	missing := make(map[string]bool, len(state.MissingOutputs))
	for _, path := range state.MissingOutputs {
		missing[path] = true
	}

	var tasks []engine.SimTask
	for _, spec := range state.ExpectedOutputs {
		if !missing[spec.ProvenancePath] {
			continue
		}
		task, err := ReconstructTaskFromSpec(spec, bundleRef, entrypoint)
		if err != nil {
			return nil, fmt.Errorf("spec for param %s seed %d: %w", spec.ParamID[:8], spec.Seed, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
