package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// UniqueParameterSet is an immutable mapping from parameter name to a JSON
// scalar, identified by a stable content hash. Two sets with equal keys and
// values produce equal ParamIDs regardless of insertion order.
type UniqueParameterSet struct {
	params  map[string]any
	paramID string
}

// NewParameterSet validates and freezes a parameter mapping.
// Values must be JSON scalars: string, bool, integer, float or nil.
func NewParameterSet(params map[string]any) (UniqueParameterSet, error) {
	frozen := make(map[string]any, len(params))
	for name, v := range params {
		if name == "" {
			return UniqueParameterSet{}, fmt.Errorf("parameter name cannot be empty")
		}
		switch v.(type) {
		case nil, string, bool, int, int32, int64, float32, float64, json.Number:
			frozen[name] = v
		default:
			return UniqueParameterSet{}, fmt.Errorf("parameter %q: value %T is not a JSON scalar", name, v)
		}
	}
	id, err := makeParamID(frozen)
	if err != nil {
		return UniqueParameterSet{}, err
	}
	return UniqueParameterSet{params: frozen, paramID: id}, nil
}

// MustParameterSet is NewParameterSet that panics on invalid input.
// Intended for tests and literals.
func MustParameterSet(params map[string]any) UniqueParameterSet {
	ps, err := NewParameterSet(params)
	if err != nil {
		panic(err)
	}
	return ps
}

// ParamID returns the blake2b-256 hex identity of the parameter values.
func (p UniqueParameterSet) ParamID() string { return p.paramID }

// Len returns the number of parameters.
func (p UniqueParameterSet) Len() int { return len(p.params) }

// Value returns the named parameter value and whether it is present.
func (p UniqueParameterSet) Value(name string) (any, bool) {
	v, ok := p.params[name]
	return v, ok
}

// Values returns a copy of the underlying mapping.
func (p UniqueParameterSet) Values() map[string]any {
	out := make(map[string]any, len(p.params))
	for k, v := range p.params {
		out[k] = v
	}
	return out
}

// Equal reports value equality via the content hash.
func (p UniqueParameterSet) Equal(other UniqueParameterSet) bool {
	return p.paramID == other.paramID
}

// MarshalJSON serialises the raw mapping; the ParamID is re-derived on load.
func (p UniqueParameterSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.params)
}

// UnmarshalJSON rebuilds the set, re-deriving the ParamID.
func (p *UniqueParameterSet) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ps, err := NewParameterSet(raw)
	if err != nil {
		return err
	}
	*p = ps
	return nil
}

// makeParamID hashes the canonical serialisation of the mapping:
// sorted keys, each entry rendered as name=<json value>, joined by ";".
func makeParamID(params map[string]any) (string, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		enc, err := json.Marshal(params[name])
		if err != nil {
			return "", fmt.Errorf("serializing parameter %q: %w", name, err)
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.Write(enc)
	}
	return HashHexString(b.String()), nil
}
