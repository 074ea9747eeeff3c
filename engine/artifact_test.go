package engine

import (
	"math"
	"strings"
	"testing"
)

func TestInlineArtifact_Integrity(t *testing.T) {
	data := []byte("arrow bytes")
	a := NewInlineArtifact(data)

	if err := a.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Size != int64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), a.Size)
	}
	if a.Checksum != HashHex(data) {
		t.Error("checksum must be the blake2b of the payload")
	}
	if !a.IsInline() {
		t.Error("expected inline artifact")
	}
}

func TestRefArtifact_Shape(t *testing.T) {
	checksum := HashHex([]byte("big payload"))
	a := NewRefArtifact(checksum, 1<<20)

	if err := a.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(a.Ref, CASRefPrefix) {
		t.Errorf("expected cas:// ref, got %q", a.Ref)
	}
	if a.CASChecksum() != checksum {
		t.Errorf("expected checksum %s, got %s", checksum, a.CASChecksum())
	}
	if a.IsInline() {
		t.Error("ref artifact must not be inline")
	}
}

func TestArtifact_ValidateRejectsCorruption(t *testing.T) {
	good := NewInlineArtifact([]byte("data"))

	tampered := good
	tampered.Checksum = HashHex([]byte("other"))
	if err := tampered.Validate(); err == nil {
		t.Error("expected checksum mismatch error")
	}

	wrongSize := good
	wrongSize.Size = 999
	if err := wrongSize.Validate(); err == nil {
		t.Error("expected size mismatch error")
	}

	both := good
	both.Ref = CASRefPrefix + good.Checksum
	if err := both.Validate(); err == nil {
		t.Error("expected error for inline+ref artifact")
	}

	neither := TableArtifact{Size: 4, Checksum: good.Checksum}
	if err := neither.Validate(); err == nil {
		t.Error("expected error for artifact with no payload")
	}
}

func TestSimReturn_SuccessXorFailure(t *testing.T) {
	outputs := map[string]TableArtifact{"result": NewInlineArtifact([]byte("ok"))}
	details := NewInlineArtifact([]byte(`{"error":"bad"}`))

	success := SimReturn{TaskID: "t", Outputs: outputs}
	if err := success.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	failure := SimReturn{
		TaskID:       "t",
		Outputs:      map[string]TableArtifact{},
		Error:        &ErrorInfo{ErrorType: "ValueError", Message: "bad"},
		ErrorDetails: &details,
	}
	if err := failure.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	emptySuccess := SimReturn{TaskID: "t", Outputs: map[string]TableArtifact{}}
	if err := emptySuccess.Validate(); err == nil {
		t.Error("success with no outputs must be invalid")
	}

	failureNoDetails := SimReturn{
		TaskID:  "t",
		Outputs: map[string]TableArtifact{},
		Error:   &ErrorInfo{ErrorType: "ValueError", Message: "bad"},
	}
	if err := failureNoDetails.Validate(); err == nil {
		t.Error("failure without error_details must be invalid")
	}
}

func TestAggregationReturn_FiniteLoss(t *testing.T) {
	ok := AggregationReturn{AggregationID: "a", Loss: 1.25, NReplicates: 10}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	for _, loss := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		bad := AggregationReturn{AggregationID: "a", Loss: loss}
		if err := bad.Validate(); err == nil {
			t.Errorf("expected error for loss %v", loss)
		}
	}
}
