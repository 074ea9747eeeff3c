package engine

import (
	"fmt"
	"sort"
	"strings"
)

// SimTask is the atomic unit of simulation work. Immutable value type.
type SimTask struct {
	BundleRef  string             `json:"bundle_ref"`
	Entrypoint string             `json:"entrypoint"`
	Params     UniqueParameterSet `json:"params"`
	Seed       int64              `json:"seed"`
	// Outputs optionally names the artifacts the caller intends to read.
	Outputs []string `json:"outputs,omitempty"`
}

// NewSimTask validates the fields that identity derivation depends on.
func NewSimTask(bundleRef, entrypoint string, params UniqueParameterSet, seed int64, outputs ...string) (SimTask, error) {
	if bundleRef == "" {
		return SimTask{}, fmt.Errorf("bundle_ref cannot be empty")
	}
	if entrypoint == "" {
		return SimTask{}, fmt.Errorf("entrypoint cannot be empty")
	}
	return SimTask{
		BundleRef:  bundleRef,
		Entrypoint: entrypoint,
		Params:     params,
		Seed:       seed,
		Outputs:    append([]string(nil), outputs...),
	}, nil
}

// SimRoot is the content hash identifying the (bundle, entrypoint, params,
// seed) tuple. Equal inputs always hash to the same root.
func (t SimTask) SimRoot() string {
	key := fmt.Sprintf("%s|%s|%s|%d", t.BundleRef, t.Entrypoint, t.Params.ParamID(), t.Seed)
	return HashHexString(key)
}

// TaskID extends the sim root with the sorted requested output names,
// identifying a specific output-shape of the same computation.
func (t SimTask) TaskID() string {
	names := append([]string(nil), t.Outputs...)
	sort.Strings(names)
	return HashHexString(t.SimRoot() + "|" + strings.Join(names, ","))
}

// AggregationTask fans a set of replicate results into a user target function.
type AggregationTask struct {
	BundleRef        string         `json:"bundle_ref"`
	TargetEntrypoint string         `json:"target_entrypoint"`
	SimReturns       []SimReturn    `json:"sim_returns"`
	TargetData       map[string]any `json:"target_data,omitempty"`
}

// NewAggregationTask validates the aggregation inputs.
func NewAggregationTask(bundleRef, targetEntrypoint string, simReturns []SimReturn, targetData map[string]any) (AggregationTask, error) {
	if bundleRef == "" {
		return AggregationTask{}, fmt.Errorf("bundle_ref cannot be empty")
	}
	if targetEntrypoint == "" {
		return AggregationTask{}, fmt.Errorf("target_entrypoint cannot be empty")
	}
	if len(simReturns) == 0 {
		return AggregationTask{}, fmt.Errorf("aggregation requires at least one sim return")
	}
	return AggregationTask{
		BundleRef:        bundleRef,
		TargetEntrypoint: targetEntrypoint,
		SimReturns:       append([]SimReturn(nil), simReturns...),
		TargetData:       targetData,
	}, nil
}

// AggregationID is the 16-char stable identity of the aggregation:
// blake2b over the target entrypoint and the sorted input task ids.
func (a AggregationTask) AggregationID() string {
	ids := make([]string, 0, len(a.SimReturns))
	for _, sr := range a.SimReturns {
		ids = append(ids, sr.TaskID)
	}
	sort.Strings(ids)
	key := a.TargetEntrypoint + ":" + strings.Join(ids, ",")
	return HashHexString(key)[:16]
}
