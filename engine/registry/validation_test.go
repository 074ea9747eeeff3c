package registry

import (
	"testing"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/provenance"
)

const valTestDigest = "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"

func newValidationFixture(t *testing.T) (*Registry, *provenance.Store, []ParameterSetSpec) {
	t.Helper()
	store, err := provenance.NewStore(t.TempDir(), provenance.TokenSchema, 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	paramSets := []ParameterSetSpec{
		{Params: engine.MustParameterSet(map[string]any{"beta": 0.1}), ReplicateCount: 2},
		{Params: engine.MustParameterSet(map[string]any{"beta": 0.2}), ReplicateCount: 2},
		{Params: engine.MustParameterSet(map[string]any{"beta": 0.3}), ReplicateCount: 2},
	}
	return newTestRegistry(), store, paramSets
}

// storeSim commits one simulation result for (params, seed).
func storeSim(t *testing.T, store *provenance.Store, params engine.UniqueParameterSet, seed int64) {
	t.Helper()
	task, err := engine.NewSimTask("file:///bundles/hello", "models.seir/main", params, seed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ret := engine.SimReturn{
		TaskID:  task.TaskID(),
		SimRoot: task.SimRoot(),
		Outputs: map[string]engine.TableArtifact{"result": engine.NewInlineArtifact([]byte("data"))},
	}
	if err := store.PutSim(valTestDigest, task, ret); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGenerateExpectedOutputs(t *testing.T) {
	_, store, paramSets := newValidationFixture(t)
	specs, err := GenerateExpectedOutputs(store, valTestDigest, paramSets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 6 {
		t.Fatalf("expected 6 specs (3 sets x 2 replicates), got %d", len(specs))
	}

	seen := make(map[string]bool)
	for _, spec := range specs {
		if spec.Seed < 0 || spec.Seed > 1 {
			t.Errorf("seed out of range: %d", spec.Seed)
		}
		if spec.BundleDigest != valTestDigest {
			t.Errorf("unexpected digest: %s", spec.BundleDigest)
		}
		if spec.ProvenancePath == "" {
			t.Error("missing provenance path")
		}
		if seen[spec.ProvenancePath] {
			t.Errorf("duplicate provenance path: %s", spec.ProvenancePath)
		}
		seen[spec.ProvenancePath] = true
	}
}

func TestValidateOutputs_PartialSuccessResume(t *testing.T) {
	r, store, paramSets := newValidationFixture(t)
	specs, err := GenerateExpectedOutputs(store, valTestDigest, paramSets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	metadata := map[string]any{
		"bundle_ref": "file:///bundles/hello",
		"entrypoint": "models.seir/main",
	}
	if _, err := r.RegisterJob("j1", "job-j1", "default", specs, metadata); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Complete 4 of the 6 replicates: the first two parameter sets.
	for _, ps := range paramSets[:2] {
		storeSim(t, store, ps.Params, 0)
		storeSim(t, store, ps.Params, 1)
	}

	result, err := r.ValidateOutputs("j1", store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != ValidationPartial {
		t.Errorf("expected partial, got %s", result.Status)
	}
	if result.VerifiedCount != 4 || result.MissingCount != 2 {
		t.Errorf("expected 4 verified / 2 missing, got %d/%d", result.VerifiedCount, result.MissingCount)
	}

	// Walk the state machine to validating, then finalize.
	for _, status := range []JobStatus{StatusSubmitting, StatusScheduled, StatusRunning, StatusValidating} {
		if _, err := r.UpdateStatus("j1", status, StatusFields{}); err != nil {
			t.Fatalf("transition to %s: unexpected error: %v", status, err)
		}
	}
	state, err := r.FinalizeWithValidation("j1", result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != StatusPartialSuccess {
		t.Errorf("expected partial_success, got %s", state.Status)
	}

	// Resume: exactly the two missing (param_id, seed) pairs come back.
	tasks, err := r.GetResumableTasks("j1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 resumable tasks, got %d", len(tasks))
	}
	missingParamID := paramSets[2].Params.ParamID()
	seeds := map[int64]bool{}
	for _, task := range tasks {
		if task.Params.ParamID() != missingParamID {
			t.Errorf("expected param id %s, got %s", missingParamID[:8], task.Params.ParamID()[:8])
		}
		seeds[task.Seed] = true
	}
	if !seeds[0] || !seeds[1] {
		t.Errorf("expected seeds 0 and 1, got %v", seeds)
	}
}

func TestValidateOutputs_Complete(t *testing.T) {
	r, store, paramSets := newValidationFixture(t)
	specs, err := GenerateExpectedOutputs(store, valTestDigest, paramSets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.RegisterJob("j1", "job-j1", "default", specs, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, ps := range paramSets {
		storeSim(t, store, ps.Params, 0)
		storeSim(t, store, ps.Params, 1)
	}

	result, err := r.ValidateOutputs("j1", store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != ValidationComplete || result.MissingCount != 0 {
		t.Errorf("expected complete validation, got %+v", result)
	}

	for _, status := range []JobStatus{StatusSubmitting, StatusScheduled, StatusRunning, StatusValidating} {
		if _, err := r.UpdateStatus("j1", status, StatusFields{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	state, err := r.FinalizeWithValidation("j1", result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != StatusSucceeded {
		t.Errorf("expected succeeded, got %s", state.Status)
	}
}

func TestFinalizeWithValidation_NothingVerified(t *testing.T) {
	r, store, paramSets := newValidationFixture(t)
	specs, err := GenerateExpectedOutputs(store, valTestDigest, paramSets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.RegisterJob("j1", "job-j1", "default", specs, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := r.ValidateOutputs("j1", store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.VerifiedCount != 0 {
		t.Fatalf("expected nothing verified, got %d", result.VerifiedCount)
	}

	for _, status := range []JobStatus{StatusSubmitting, StatusScheduled, StatusRunning, StatusValidating} {
		if _, err := r.UpdateStatus("j1", status, StatusFields{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	state, err := r.FinalizeWithValidation("j1", result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != StatusFailed {
		t.Errorf("expected failed, got %s", state.Status)
	}
}

func TestReconstructTaskFromSpec_Identity(t *testing.T) {
	params := engine.MustParameterSet(map[string]any{"beta": 0.5, "n": 100})
	spec := OutputSpec{
		ParamID:     params.ParamID(),
		Seed:        7,
		ParamValues: params.Values(),
	}
	task, err := ReconstructTaskFromSpec(spec, "file:///b", "models.seir/main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Params.ParamID() != spec.ParamID {
		t.Error("reconstructed param id must match the spec")
	}
	if task.Seed != 7 {
		t.Errorf("expected seed 7, got %d", task.Seed)
	}
}

func TestReconstructTaskFromSpec_Mismatch(t *testing.T) {
	spec := OutputSpec{
		ParamID:     "0000000000000000000000000000000000000000000000000000000000000000",
		Seed:        0,
		ParamValues: map[string]any{"beta": 0.5},
	}
	if _, err := ReconstructTaskFromSpec(spec, "ref", "ep"); err == nil {
		t.Error("expected param id mismatch error")
	}
}

func TestGetResumableTasks_RequiresPartialSuccess(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.RegisterJob("j1", "job-j1", "default", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.GetResumableTasks("j1"); err == nil {
		t.Error("expected error for non-partial job")
	}
}
