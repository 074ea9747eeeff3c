// Package registry tracks job lifecycle through a CAS-backed state machine
// and validates expected outputs against the provenance store.
package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is a job lifecycle state. String-typed for JSON compatibility.
type JobStatus string

const (
	// Initial states
	StatusPending    JobStatus = "pending"
	StatusSubmitting JobStatus = "submitting"

	// Running states
	StatusScheduled  JobStatus = "scheduled"
	StatusRunning    JobStatus = "running"
	StatusValidating JobStatus = "validating"

	// Terminal states (no transitions out)
	StatusSucceeded      JobStatus = "succeeded"
	StatusPartialSuccess JobStatus = "partial_success"
	StatusFailed         JobStatus = "failed"
	StatusCancelled      JobStatus = "cancelled"
)

// transitions is the legal edge set of the job state machine.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusSubmitting, StatusCancelled},
	StatusSubmitting: {StatusScheduled, StatusFailed},
	StatusScheduled:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:    {StatusValidating, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusValidating: {StatusSucceeded, StatusPartialSuccess, StatusFailed},
	// Terminal states: no outbound edges.
	StatusSucceeded:      {},
	StatusPartialSuccess: {},
	StatusFailed:         {},
	StatusCancelled:      {},
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(status JobStatus) bool {
	switch status {
	case StatusSucceeded, StatusPartialSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidateTransition reports whether from -> to is a legal edge.
func ValidateTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports an illegal state-machine edge.
type InvalidTransitionError struct {
	From, To JobStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// TerminalStateError reports an attempt to move out of a terminal state.
type TerminalStateError struct {
	Status JobStatus
}

func (e TerminalStateError) Error() string {
	return fmt.Sprintf("cannot modify terminal state %s", e.Status)
}

// JobExistsError reports a duplicate job registration.
type JobExistsError struct {
	JobID string
}

func (e JobExistsError) Error() string {
	return fmt.Sprintf("job %s already registered", e.JobID)
}

// OutputSpec is the manifest entry for one expected artifact.
type OutputSpec struct {
	ParamID        string         `json:"param_id"`
	Seed           int64          `json:"seed"`
	OutputType     string         `json:"output_type"`
	BundleDigest   string         `json:"bundle_digest"`
	ReplicateCount int            `json:"replicate_count"`
	ProvenancePath string         `json:"provenance_path"`
	ParamValues    map[string]any `json:"param_values"`
}

// JobState is the registry record for one submitted job, stored as a JSON
// blob at jobs/<job_id>/state.json. Mutated only through CAS transitions.
type JobState struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`

	// Kubernetes correlation metadata, supplied by the submission service.
	K8sName      string `json:"k8s_name,omitempty"`
	K8sNamespace string `json:"k8s_namespace,omitempty"`
	K8sUID       string `json:"k8s_uid,omitempty"`

	// Progress tracking
	TasksTotal     int `json:"tasks_total"`
	TasksCompleted int `json:"tasks_completed"`
	TasksVerified  int `json:"tasks_verified"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ResultsPath  string `json:"results_path,omitempty"`

	// Output validation
	ExpectedOutputs       []OutputSpec `json:"expected_outputs"`
	VerifiedOutputs       []string     `json:"verified_outputs"`
	MissingOutputs        []string     `json:"missing_outputs"`
	ValidationStartedAt   string       `json:"validation_started_at,omitempty"`
	ValidationCompletedAt string       `json:"validation_completed_at,omitempty"`
	ValidationAttempts    int          `json:"validation_attempts"`

	Metadata map[string]any `json:"metadata"`
}

// IsTerminal reports whether the job has finished.
func (s JobState) IsTerminal() bool { return IsTerminal(s.Status) }

// ProgressPercent returns completion as a percentage, or -1 when the total
// is unknown.
func (s JobState) ProgressPercent() float64 {
	if s.TasksTotal <= 0 {
		return -1
	}
	return float64(s.TasksCompleted) / float64(s.TasksTotal) * 100
}

// stateFromMap decodes the stored JSON object form.
func stateFromMap(m map[string]any) (JobState, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return JobState{}, err
	}
	var state JobState
	if err := json.Unmarshal(raw, &state); err != nil {
		return JobState{}, fmt.Errorf("decoding job state: %w", err)
	}
	return state, nil
}

// toMap encodes a JobState into the stored JSON object form.
func (s JobState) toMap() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// isoFormat keeps fixed-width fractional seconds so timestamps sort
// lexicographically.
const isoFormat = "2006-01-02T15:04:05.000000000Z07:00"

func nowISO() string {
	return time.Now().UTC().Format(isoFormat)
}

func jsonMarshal(m map[string]any) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
