package engine

import (
	"fmt"
	"math"
	"strings"
)

// CASRefPrefix marks a TableArtifact indirected through the provenance store.
const CASRefPrefix = "cas://"

// TableArtifact is one output table: exactly one of Inline (small payloads)
// or Ref (cas:// indirection for large payloads) is set.
// When inline, Checksum is the blake2b-256 of the bytes and Size their length.
type TableArtifact struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Inline   []byte `json:"inline,omitempty"`
	Ref      string `json:"ref,omitempty"`
}

// NewInlineArtifact builds an inline artifact, deriving checksum and size.
func NewInlineArtifact(data []byte) TableArtifact {
	return TableArtifact{
		Size:     int64(len(data)),
		Checksum: HashHex(data),
		Inline:   data,
	}
}

// NewRefArtifact builds a cas:// artifact from a known checksum and size.
func NewRefArtifact(checksum string, size int64) TableArtifact {
	return TableArtifact{
		Size:     size,
		Checksum: checksum,
		Ref:      CASRefPrefix + checksum,
	}
}

// IsInline reports whether the payload is carried in the artifact itself.
func (a TableArtifact) IsInline() bool { return a.Inline != nil }

// CASChecksum returns the checksum addressed by Ref, or "" if not a ref.
func (a TableArtifact) CASChecksum() string {
	return strings.TrimPrefix(a.Ref, CASRefPrefix)
}

// Validate checks the inline-xor-ref invariant and, for inline artifacts,
// that checksum and size match the payload.
func (a TableArtifact) Validate() error {
	switch {
	case a.Inline == nil && a.Ref == "":
		return fmt.Errorf("artifact has neither inline payload nor ref")
	case a.Inline != nil && a.Ref != "":
		return fmt.Errorf("artifact has both inline payload and ref")
	case a.Inline != nil:
		if got := HashHex(a.Inline); got != a.Checksum {
			return fmt.Errorf("artifact checksum mismatch: have %s, payload hashes to %s", a.Checksum, got)
		}
		if int64(len(a.Inline)) != a.Size {
			return fmt.Errorf("artifact size mismatch: have %d, payload is %d bytes", a.Size, len(a.Inline))
		}
	default:
		if !strings.HasPrefix(a.Ref, CASRefPrefix) {
			return fmt.Errorf("artifact ref %q is not a %s reference", a.Ref, CASRefPrefix)
		}
	}
	return nil
}

// ErrorInfo classifies a task failure for the submission service.
// Retryable is an explicit policy signal, never inferred from error types.
type ErrorInfo struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// SimReturn is the result of one SimTask: either a success with non-empty
// outputs, or a failure carrying ErrorInfo plus an error-details artifact.
type SimReturn struct {
	TaskID       string                   `json:"task_id"`
	SimRoot      string                   `json:"sim_root,omitempty"`
	Outputs      map[string]TableArtifact `json:"outputs"`
	Error        *ErrorInfo               `json:"error,omitempty"`
	ErrorDetails *TableArtifact           `json:"error_details,omitempty"`
}

// Failed reports whether the return carries a failure.
func (r SimReturn) Failed() bool { return r.Error != nil }

// Validate enforces the success-xor-failure invariant.
func (r SimReturn) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("sim return missing task_id")
	}
	if r.Error == nil {
		if len(r.Outputs) == 0 {
			return fmt.Errorf("successful sim return must have outputs")
		}
		if r.ErrorDetails != nil {
			return fmt.Errorf("successful sim return cannot carry error_details")
		}
	} else if r.ErrorDetails == nil {
		return fmt.Errorf("failed sim return must carry error_details")
	}
	for name, a := range r.Outputs {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("output %q: %w", name, err)
		}
	}
	if r.ErrorDetails != nil {
		if err := r.ErrorDetails.Validate(); err != nil {
			return fmt.Errorf("error_details: %w", err)
		}
	}
	return nil
}

// AggregationReturn is the result of one AggregationTask.
type AggregationReturn struct {
	AggregationID string                   `json:"aggregation_id"`
	Loss          float64                  `json:"loss"`
	Diagnostics   map[string]any           `json:"diagnostics"`
	Outputs       map[string]TableArtifact `json:"outputs"`
	NReplicates   int                      `json:"n_replicates"`
}

// Validate checks the loss is finite and the identity present.
func (r AggregationReturn) Validate() error {
	if r.AggregationID == "" {
		return fmt.Errorf("aggregation return missing aggregation_id")
	}
	if math.IsNaN(r.Loss) || math.IsInf(r.Loss, 0) {
		return fmt.Errorf("aggregation loss must be finite, got %v", r.Loss)
	}
	return nil
}
