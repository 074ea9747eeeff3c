package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/kvstore"
)

// Registry is the job lifecycle manager, built on a VersionedStore so that
// concurrent workers never corrupt state: every mutation runs inside a
// CAS retry loop, and status changes additionally pass the transition rules.
type Registry struct {
	store  kvstore.VersionedStore
	prefix string
	retry  kvstore.RetryConfig
}

// NewRegistry creates a registry over the given store under the "jobs" prefix.
func NewRegistry(store kvstore.VersionedStore) *Registry {
	return &Registry{store: store, prefix: "jobs", retry: kvstore.DefaultRetry}
}

func (r *Registry) key(jobID string) string {
	return fmt.Sprintf("%s/%s/state.json", r.prefix, jobID)
}

// RegisterJob creates the initial pending record. Returns JobExistsError on
// a job-id collision.
func (r *Registry) RegisterJob(jobID, k8sName, namespace string, expectedOutputs []OutputSpec, metadata map[string]any) (JobState, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	state := JobState{
		JobID:           jobID,
		Status:          StatusPending,
		CreatedAt:       nowISO(),
		UpdatedAt:       nowISO(),
		K8sName:         k8sName,
		K8sNamespace:    namespace,
		TasksTotal:      len(expectedOutputs),
		ExpectedOutputs: expectedOutputs,
		VerifiedOutputs: []string{},
		MissingOutputs:  []string{},
		Metadata:        metadata,
	}

	m, err := state.toMap()
	if err != nil {
		return JobState{}, err
	}
	raw, err := jsonMarshal(m)
	if err != nil {
		return JobState{}, err
	}
	created, err := r.store.CreateIfAbsent(r.key(jobID), raw)
	if err != nil {
		return JobState{}, err
	}
	if !created {
		return JobState{}, JobExistsError{JobID: jobID}
	}
	logrus.Infof("registered job %s in namespace %s", jobID, namespace)
	return state, nil
}

// StatusFields carries the optional fields a status update may set.
// Metadata is merged into the existing mapping, never replaced.
type StatusFields struct {
	ErrorMessage string
	ErrorCode    string
	ResultsPath  string
	K8sUID       string
	Metadata     map[string]any
}

// UpdateStatus transitions the job to newStatus under CAS, validating the
// state machine. A transition out of a terminal state fails with
// TerminalStateError, except the idempotent same-status no-op.
func (r *Registry) UpdateStatus(jobID string, newStatus JobStatus, fields StatusFields) (JobState, error) {
	updated, err := kvstore.UpdateWithRetry(r.store, r.key(jobID), func(m map[string]any) (map[string]any, error) {
		state, err := stateFromMap(m)
		if err != nil {
			return nil, err
		}
		if state.IsTerminal() {
			if state.Status == newStatus {
				return m, nil // idempotent no-op; field updates are ignored
			}
			return nil, TerminalStateError{Status: state.Status}
		}
		if !ValidateTransition(state.Status, newStatus) {
			return nil, InvalidTransitionError{From: state.Status, To: newStatus}
		}

		state.Status = newStatus
		state.UpdatedAt = nowISO()
		if fields.ErrorMessage != "" {
			state.ErrorMessage = fields.ErrorMessage
		}
		if fields.ErrorCode != "" {
			state.ErrorCode = fields.ErrorCode
		}
		if fields.ResultsPath != "" {
			state.ResultsPath = fields.ResultsPath
		}
		if fields.K8sUID != "" {
			state.K8sUID = fields.K8sUID
		}
		if len(fields.Metadata) > 0 {
			if state.Metadata == nil {
				state.Metadata = map[string]any{}
			}
			for k, v := range fields.Metadata {
				state.Metadata[k] = v
			}
		}
		return state.toMap()
	}, r.retry, onCASConflict)
	if err != nil {
		return JobState{}, err
	}
	logrus.Infof("job %s status -> %s", jobID, newStatus)
	return stateFromMap(updated)
}

// UpdateProgress sets the task counters. Progress updates bypass the
// transition rules (allowed in any state) but remain CAS-safe.
func (r *Registry) UpdateProgress(jobID string, tasksCompleted, tasksTotal *int) (JobState, error) {
	updated, err := kvstore.UpdateWithRetry(r.store, r.key(jobID), func(m map[string]any) (map[string]any, error) {
		state, err := stateFromMap(m)
		if err != nil {
			return nil, err
		}
		if tasksCompleted != nil {
			state.TasksCompleted = *tasksCompleted
		}
		if tasksTotal != nil {
			state.TasksTotal = *tasksTotal
		}
		state.UpdatedAt = nowISO()
		return state.toMap()
	}, r.retry, onCASConflict)
	if err != nil {
		return JobState{}, err
	}
	return stateFromMap(updated)
}

// IncrementProgress adds delta to tasks_completed under CAS.
func (r *Registry) IncrementProgress(jobID string, delta int) (JobState, error) {
	updated, err := kvstore.UpdateWithRetry(r.store, r.key(jobID), func(m map[string]any) (map[string]any, error) {
		state, err := stateFromMap(m)
		if err != nil {
			return nil, err
		}
		state.TasksCompleted += delta
		state.UpdatedAt = nowISO()
		return state.toMap()
	}, r.retry, onCASConflict)
	if err != nil {
		return JobState{}, err
	}
	return stateFromMap(updated)
}

// GetJob fetches the current state, or ok=false when the job is unknown.
func (r *Registry) GetJob(jobID string) (JobState, bool, error) {
	m, err := kvstore.GetJSON(r.store, r.key(jobID))
	if err != nil {
		return JobState{}, false, err
	}
	if m == nil {
		return JobState{}, false, nil
	}
	state, err := stateFromMap(m)
	if err != nil {
		return JobState{}, false, err
	}
	return state, true, nil
}

// ListJobs returns jobs sorted newest first, optionally filtered by status
// and creation time.
func (r *Registry) ListJobs(limit int, statusFilter []JobStatus, since time.Time) ([]JobState, error) {
	keys, err := r.store.ListKeys(r.prefix + "/")
	if err != nil {
		return nil, err
	}

	var jobs []JobState
	for _, key := range keys {
		if !strings.HasSuffix(key, "/state.json") {
			continue
		}
		m, err := kvstore.GetJSON(r.store, key)
		if err != nil || m == nil {
			continue
		}
		state, err := stateFromMap(m)
		if err != nil {
			logrus.Warnf("skipping unparseable job state at %s: %v", key, err)
			continue
		}
		if len(statusFilter) > 0 && !containsStatus(statusFilter, state.Status) {
			continue
		}
		if !since.IsZero() {
			created, err := time.Parse(time.RFC3339Nano, state.CreatedAt)
			if err != nil || created.Before(since) {
				continue
			}
		}
		jobs = append(jobs, state)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt > jobs[j].CreatedAt })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CancelJob transitions the job to cancelled, recording the reason.
func (r *Registry) CancelJob(jobID, reason string) (JobState, error) {
	fields := StatusFields{}
	if reason != "" {
		fields.ErrorMessage = "Cancelled: " + reason
	}
	return r.UpdateStatus(jobID, StatusCancelled, fields)
}

func containsStatus(set []JobStatus, status JobStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func onCASConflict() {
	engine.RegistryCASConflicts.Inc()
}
