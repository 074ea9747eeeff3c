package execenv

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/provenance"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/rpc"
)

// buildSimReturn decodes subprocess artifacts and applies the inline/CAS
// size decision, deriving the deterministic task identity from the actual
// output names.
func buildSimReturn(store *provenance.Store, inlineMax int64, task engine.SimTask, artifacts map[string]string) (engine.SimReturn, error) {
	outputs := make(map[string]engine.TableArtifact, len(artifacts))
	names := make([]string, 0, len(artifacts))
	for name, encoded := range artifacts {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return engine.SimReturn{}, fmt.Errorf("decoding artifact %q: %w", name, err)
		}
		if int64(len(data)) > inlineMax {
			checksum, err := store.PutBlob(data)
			if err != nil {
				return engine.SimReturn{}, fmt.Errorf("storing artifact %q: %w", name, err)
			}
			outputs[name] = engine.NewRefArtifact(checksum, int64(len(data)))
		} else {
			outputs[name] = engine.NewInlineArtifact(data)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	identified := task
	identified.Outputs = names
	return engine.SimReturn{
		TaskID:  identified.TaskID(),
		SimRoot: task.SimRoot(),
		Outputs: outputs,
	}, nil
}

// serializeSimReturn converts a SimReturn to the wire shape, materialising
// cas:// references to inline base64 payloads.
func serializeSimReturn(store *provenance.Store, sr engine.SimReturn) (map[string]any, error) {
	outputs := make(map[string]any, len(sr.Outputs))
	for name, artifact := range sr.Outputs {
		resolved, err := store.ResolveArtifact(artifact)
		if err != nil {
			return nil, fmt.Errorf("rehydrating artifact %q of task %s: %w", name, sr.TaskID[:12], err)
		}
		outputs[name] = map[string]any{
			"size":     resolved.Size,
			"checksum": resolved.Checksum,
			"inline":   base64.StdEncoding.EncodeToString(resolved.Inline),
		}
	}
	return map[string]any{
		"task_id":  sr.TaskID,
		"sim_root": sr.SimRoot,
		"outputs":  outputs,
	}, nil
}

// failureReturn folds an infrastructure error into a well-formed failure
// SimReturn with the full detail recorded as an inline artifact.
func failureReturn(task engine.SimTask, errorType string, cause error, retryable bool) engine.SimReturn {
	details, _ := json.Marshal(map[string]any{
		"error":      cause.Error(),
		"type":       errorType,
		"bundle_ref": task.BundleRef,
		"entrypoint": task.Entrypoint,
	})
	detailsArtifact := engine.NewInlineArtifact(details)

	failed := task
	failed.Outputs = []string{"error"}
	return engine.SimReturn{
		TaskID:  failed.TaskID(),
		SimRoot: task.SimRoot(),
		Outputs: map[string]engine.TableArtifact{},
		Error: &engine.ErrorInfo{
			ErrorType: errorType,
			Message:   cause.Error(),
			Retryable: retryable,
		},
		ErrorDetails: &detailsArtifact,
	}
}

// subprocessError is the JSON the runner packs into its "error" artifact.
type subprocessError struct {
	Error     string `json:"error"`
	Type      string `json:"type"`
	Traceback string `json:"traceback"`
}

// userErrorReturn decodes the runner's error payload into a failure
// SimReturn. User errors are never retryable and never poison the process.
func userErrorReturn(task engine.SimTask, payload string) engine.SimReturn {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return failureReturn(task, "SerialisationError",
			fmt.Errorf("undecodable error payload: %w", err), false)
	}
	var sub subprocessError
	if err := json.Unmarshal(raw, &sub); err != nil {
		return failureReturn(task, "SerialisationError",
			fmt.Errorf("malformed error payload: %w", err), false)
	}

	detailsArtifact := engine.NewInlineArtifact(raw)
	failed := task
	failed.Outputs = []string{"error"}
	return engine.SimReturn{
		TaskID:  failed.TaskID(),
		SimRoot: task.SimRoot(),
		Outputs: map[string]engine.TableArtifact{},
		Error: &engine.ErrorInfo{
			ErrorType: sub.Type,
			Message:   sub.Error,
			Retryable: false,
		},
		ErrorDetails: &detailsArtifact,
	}
}

// classifyTransportError maps pool/transport failures onto the error
// taxonomy surfaced to the submission service.
func classifyTransportError(err error) string {
	var timeout rpc.ErrCallTimeout
	if errors.As(err, &timeout) {
		return "TimeoutError"
	}
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return "ProtocolError"
	}
	return "ExecutionError"
}

// decodeAggregationResult turns the runner's aggregate response into an
// AggregationReturn, surfacing in-subprocess failures as errors.
func decodeAggregationResult(task engine.AggregationTask, result map[string]any) (engine.AggregationReturn, error) {
	if payload, ok := result["error"]; ok {
		msg := "unknown error"
		if s, ok := payload.(string); ok {
			if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
				var sub subprocessError
				if json.Unmarshal(raw, &sub) == nil {
					msg = fmt.Sprintf("%s (type: %s)", sub.Error, sub.Type)
				}
			}
		}
		return engine.AggregationReturn{}, fmt.Errorf("aggregation failed in subprocess: %s", msg)
	}

	loss, ok := result["loss"].(float64)
	if !ok {
		return engine.AggregationReturn{}, fmt.Errorf("aggregation result missing numeric loss")
	}
	diagnostics, _ := result["diagnostics"].(map[string]any)
	nReplicates := len(task.SimReturns)
	if n, ok := result["n_replicates"].(float64); ok {
		nReplicates = int(n)
	}

	ret := engine.AggregationReturn{
		AggregationID: task.AggregationID(),
		Loss:          loss,
		Diagnostics:   diagnostics,
		Outputs:       map[string]engine.TableArtifact{},
		NReplicates:   nReplicates,
	}
	if err := ret.Validate(); err != nil {
		return engine.AggregationReturn{}, err
	}
	return ret, nil
}
