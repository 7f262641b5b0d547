package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskStatus represents the lifecycle state of a Task.
type TaskStatus string

const (
	// TaskStatusRequested is the only initial state.
	TaskStatusRequested TaskStatus = "requested"

	// TaskStatusInProgress indicates the task is executing.
	TaskStatusInProgress TaskStatus = "in-progress"

	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task finished with an error.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusStopped indicates the task was stopped while running.
	TaskStatusStopped TaskStatus = "stopped"

	// TaskStatusOnHold indicates the task was paused, for example by a shutdown.
	TaskStatusOnHold TaskStatus = "on-hold"

	// TaskStatusCancelled indicates the task was cancelled manually.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if no further transition is accepted.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed ||
		s == TaskStatusStopped || s == TaskStatusCancelled
}

// IsActive returns true if the task has been requested or is running.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusRequested || s == TaskStatusInProgress
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusRequested, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusStopped, TaskStatusOnHold, TaskStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// CanTransitionTo reports whether s -> next is a legal state machine edge.
//
//	requested   -> in-progress | cancelled
//	in-progress -> completed | failed | stopped | on-hold | cancelled
//	on-hold     -> in-progress | cancelled
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusRequested:
		return next == TaskStatusInProgress || next == TaskStatusCancelled
	case TaskStatusInProgress:
		switch next {
		case TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped,
			TaskStatusOnHold, TaskStatusCancelled:
			return true
		}
		return false
	case TaskStatusOnHold:
		return next == TaskStatusInProgress || next == TaskStatusCancelled
	default:
		return false
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskStatus(str)
	return s.Validate()
}

// TaskRank is the logical position of a task in its tree.
type TaskRank string

const (
	TaskRankRoot      TaskRank = "root"
	TaskRankBasicPlan TaskRank = "basic-plan"
	TaskRankActivity  TaskRank = "activity"
)

// BusinessStatus is the audit status of the event a root task tracks.
type BusinessStatus string

const (
	BusinessStatusNone      BusinessStatus = ""
	BusinessStatusWaiting   BusinessStatus = "waiting"
	BusinessStatusError     BusinessStatus = "error"
	BusinessStatusProcessed BusinessStatus = "processed"
)

// EventDefinitionStatus is the publication status of an EventDefinition.
type EventDefinitionStatus string

const (
	EventDefinitionActive  EventDefinitionStatus = "active"
	EventDefinitionRetired EventDefinitionStatus = "retired"
)

// Provenance activity codes.
const (
	ProvenanceBasicWorkflowStart   = "basic-workflow-start"
	ProvenanceComplexWorkflowStart = "complex-workflow-start"
	ProvenanceActivityStart        = "activity-start"
	ProvenanceEventWaiting         = "event-waiting"
	ProvenanceEventError           = "event-error"

	provenanceTaskPrefix = "task-"
)

// ProvenanceCodeFor returns the activity code recorded for a transition into status.
func ProvenanceCodeFor(status TaskStatus) string {
	return provenanceTaskPrefix + string(status)
}

// StatusForProvenance maps a status-bearing activity code to the task status it
// establishes. Audit-only codes return false.
func StatusForProvenance(code string) (TaskStatus, bool) {
	switch code {
	case ProvenanceBasicWorkflowStart, ProvenanceComplexWorkflowStart:
		return TaskStatusInProgress, true
	case ProvenanceActivityStart:
		return TaskStatusRequested, true
	}
	if strings.HasPrefix(code, provenanceTaskPrefix) {
		status := TaskStatus(strings.TrimPrefix(code, provenanceTaskPrefix))
		if status.Validate() == nil {
			return status, true
		}
	}
	return "", false
}

// LifecycleEventType identifies a task lifecycle notification.
type LifecycleEventType string

const (
	LifecycleTaskCreated       LifecycleEventType = "task_created"
	LifecycleTaskStatusChanged LifecycleEventType = "task_status_changed"
	LifecycleEventRetrying     LifecycleEventType = "event_retrying"
	LifecycleEventAbandoned    LifecycleEventType = "event_abandoned"
	LifecycleTriggerRegistered LifecycleEventType = "trigger_registered"
)

// Severity returns the severity level of the lifecycle event type.
func (e LifecycleEventType) Severity() string {
	switch e {
	case LifecycleEventAbandoned:
		return "error"
	case LifecycleEventRetrying:
		return "warning"
	default:
		return "info"
	}
}
