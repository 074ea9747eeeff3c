package execenv

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/provenance"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/rpc"
)

const testInlineMax = 256

func newEnvTask(t *testing.T) engine.SimTask {
	t.Helper()
	task, err := engine.NewSimTask("file:///bundles/hello", "models.noop/main",
		engine.MustParameterSet(map[string]any{"x": 1}), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return task
}

func newEnvStore(t *testing.T) *provenance.Store {
	t.Helper()
	store, err := provenance.NewStore(t.TempDir(), provenance.TokenSchema, testInlineMax)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return store
}

func TestBuildSimReturn_InlineAndCAS(t *testing.T) {
	store := newEnvStore(t)
	task := newEnvTask(t)

	small := []byte("small table")
	big := bytes.Repeat([]byte("b"), testInlineMax*4)
	artifacts := map[string]string{
		"small": base64.StdEncoding.EncodeToString(small),
		"big":   base64.StdEncoding.EncodeToString(big),
	}

	ret, err := buildSimReturn(store, testInlineMax, task, artifacts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ret.Validate(); err != nil {
		t.Fatalf("built return is invalid: %v", err)
	}

	if !ret.Outputs["small"].IsInline() {
		t.Error("small artifact must be inline")
	}
	if !bytes.Equal(ret.Outputs["small"].Inline, small) {
		t.Error("small artifact payload changed")
	}

	bigArtifact := ret.Outputs["big"]
	if bigArtifact.IsInline() {
		t.Error("artifact above the threshold must be a cas:// reference")
	}
	if bigArtifact.Ref != engine.CASRefPrefix+engine.HashHex(big) {
		t.Errorf("unexpected ref %s", bigArtifact.Ref)
	}

	// The blob must be resolvable for downstream aggregation.
	resolved, err := store.ResolveArtifact(bigArtifact)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(resolved.Inline, big) {
		t.Error("resolved blob differs from the original payload")
	}
}

func TestBuildSimReturn_TaskIDFromOutputNames(t *testing.T) {
	store := newEnvStore(t)
	task := newEnvTask(t)
	data := base64.StdEncoding.EncodeToString([]byte("x"))

	a, err := buildSimReturn(store, testInlineMax, task, map[string]string{"r1": data, "r2": data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := buildSimReturn(store, testInlineMax, task, map[string]string{"r2": data, "r1": data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.TaskID != b.TaskID {
		t.Error("output map order must not affect the task id")
	}

	c, err := buildSimReturn(store, testInlineMax, task, map[string]string{"r1": data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.TaskID == c.TaskID {
		t.Error("different output sets must give different task ids")
	}
}

func TestFailureReturn_WellFormed(t *testing.T) {
	task := newEnvTask(t)
	ret := failureReturn(task, "BundleError", fmt.Errorf("bundle not found"), false)

	if err := ret.Validate(); err != nil {
		t.Fatalf("failure return is invalid: %v", err)
	}
	if ret.Error.ErrorType != "BundleError" || ret.Error.Retryable {
		t.Errorf("unexpected error info: %+v", ret.Error)
	}
	if len(ret.Outputs) != 0 {
		t.Error("failure return must have empty outputs")
	}
}

func TestUserErrorReturn_DecodesSubprocessPayload(t *testing.T) {
	task := newEnvTask(t)
	payload, _ := json.Marshal(map[string]string{
		"error":     "bad",
		"type":      "ValueError",
		"traceback": "Traceback (most recent call last): ...",
	})
	ret := userErrorReturn(task, base64.StdEncoding.EncodeToString(payload))

	if err := ret.Validate(); err != nil {
		t.Fatalf("user error return is invalid: %v", err)
	}
	if ret.Error.ErrorType != "ValueError" || ret.Error.Message != "bad" {
		t.Errorf("unexpected error info: %+v", ret.Error)
	}
	if ret.Error.Retryable {
		t.Error("user errors are never retryable")
	}
	if ret.ErrorDetails == nil || ret.ErrorDetails.Size == 0 {
		t.Error("expected non-empty error details")
	}
}

func TestClassifyTransportError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{rpc.ErrCallTimeout{Method: "execute", Timeout: time.Second}, "TimeoutError"},
		{&rpc.RPCError{Code: rpc.CodeParseError, Message: "bad frame"}, "ProtocolError"},
		{fmt.Errorf("spawn failed"), "ExecutionError"},
	}
	for _, tc := range cases {
		if got := classifyTransportError(tc.err); got != tc.want {
			t.Errorf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestDecodeAggregationResult(t *testing.T) {
	sr := engine.SimReturn{
		TaskID:  "t1",
		Outputs: map[string]engine.TableArtifact{"r": engine.NewInlineArtifact([]byte("x"))},
	}
	task, err := engine.NewAggregationTask("ref", "targets.prevalence:target", []engine.SimReturn{sr}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ret, err := decodeAggregationResult(task, map[string]any{
		"loss":         1.5,
		"diagnostics":  map[string]any{"target_type": "Prevalence"},
		"n_replicates": float64(10),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ret.Loss != 1.5 || ret.NReplicates != 10 {
		t.Errorf("unexpected return: %+v", ret)
	}
	if ret.AggregationID != task.AggregationID() {
		t.Error("aggregation id must come from the task identity")
	}

	// Error payloads become Go errors, not returns.
	errPayload, _ := json.Marshal(map[string]string{"error": "boom", "type": "RuntimeError"})
	_, err = decodeAggregationResult(task, map[string]any{
		"error": base64.StdEncoding.EncodeToString(errPayload),
	})
	if err == nil {
		t.Error("expected error for subprocess failure payload")
	}

	// Missing loss is a malformed result.
	if _, err := decodeAggregationResult(task, map[string]any{"diagnostics": map[string]any{}}); err == nil {
		t.Error("expected error for missing loss")
	}
}

func TestSerializeSimReturn_RehydratesRefs(t *testing.T) {
	store := newEnvStore(t)
	big := bytes.Repeat([]byte("z"), testInlineMax*2)
	checksum, err := store.PutBlob(big)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sr := engine.SimReturn{
		TaskID: "task-1",
		Outputs: map[string]engine.TableArtifact{
			"big": engine.NewRefArtifact(checksum, int64(len(big))),
		},
	}
	wire, err := serializeSimReturn(store, sr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outputs := wire["outputs"].(map[string]any)
	artifact := outputs["big"].(map[string]any)
	decoded, err := base64.StdEncoding.DecodeString(artifact["inline"].(string))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(decoded, big) {
		t.Error("wire payload differs from the blob")
	}
}
