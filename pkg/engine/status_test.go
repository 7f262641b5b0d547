package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestTaskStatus_CanTransitionTo(t *testing.T) {
	all := []TaskStatus{
		TaskStatusRequested, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed,
		TaskStatusStopped, TaskStatusOnHold, TaskStatusCancelled,
	}
	allowed := map[TaskStatus][]TaskStatus{
		TaskStatusRequested:  {TaskStatusInProgress, TaskStatusCancelled},
		TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusOnHold, TaskStatusCancelled},
		TaskStatusOnHold:     {TaskStatusInProgress, TaskStatusCancelled},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestTaskStatus_RequestedNeverReachesOutcomeDirectly(t *testing.T) {
	for _, to := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusOnHold} {
		if TaskStatusRequested.CanTransitionTo(to) {
			t.Errorf("requested must not transition directly to %s", to)
		}
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskStatusRequested, false},
		{TaskStatusInProgress, false},
		{TaskStatusOnHold, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusStopped, true},
		{TaskStatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestTaskStatus_UnmarshalRejectsUnknown(t *testing.T) {
	var s TaskStatus
	if err := json.Unmarshal([]byte(`"paused"`), &s); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if err := json.Unmarshal([]byte(`"on-hold"`), &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != TaskStatusOnHold {
		t.Errorf("expected on-hold, got %s", s)
	}
}

func TestProvenanceCodes(t *testing.T) {
	if got := ProvenanceCodeFor(TaskStatusCompleted); got != "task-completed" {
		t.Errorf("expected task-completed, got %s", got)
	}

	tests := []struct {
		code   string
		status TaskStatus
		ok     bool
	}{
		{ProvenanceBasicWorkflowStart, TaskStatusInProgress, true},
		{ProvenanceComplexWorkflowStart, TaskStatusInProgress, true},
		{ProvenanceActivityStart, TaskStatusRequested, true},
		{"task-failed", TaskStatusFailed, true},
		{"task-on-hold", TaskStatusOnHold, true},
		{ProvenanceEventWaiting, "", false},
		{ProvenanceEventError, "", false},
		{"task-bogus", "", false},
	}
	for _, tt := range tests {
		status, ok := StatusForProvenance(tt.code)
		if status != tt.status || ok != tt.ok {
			t.Errorf("StatusForProvenance(%q) = (%s, %v), want (%s, %v)", tt.code, status, ok, tt.status, tt.ok)
		}
	}
}

func TestEngineError_Classification(t *testing.T) {
	issues := []ValidationIssue{{Kind: IssueMissingRequired, Path: "input[patient]/value", Message: "required"}}
	validation := NewValidationFailedError("bad activity", issues)
	wrapped := fmt.Errorf("dispatch: %w", validation)

	if !errors.Is(wrapped, ErrValidationFailed) {
		t.Error("expected wrapped error to match ErrValidationFailed")
	}
	if errors.Is(wrapped, ErrInvalidEndpoint) {
		t.Error("validation error must not match ErrInvalidEndpoint")
	}
	if IsRetryable(wrapped) {
		t.Error("validation errors are not retryable")
	}
	if got := Issues(wrapped); len(got) != 1 || got[0].Kind != IssueMissingRequired {
		t.Errorf("unexpected issues: %+v", got)
	}
	if CodeOf(wrapped) != ErrCodeValidationFailed {
		t.Errorf("unexpected code %q", CodeOf(wrapped))
	}

	execErr := NewActivityExecutionError("task-1", errors.New("connection refused"))
	if !IsRetryable(execErr) || !errors.Is(execErr, ErrActivityExecutionFailed) {
		t.Error("activity execution errors must be retryable")
	}
	if !IsRetryable(NewTransientStoreError("get_task", nil)) {
		t.Error("transient store errors must be retryable")
	}
	if !IsNotFound(NewNotFoundError("Task", "x")) {
		t.Error("expected not found")
	}
	if IsRetryable(NewNoPlanFoundError("intake", nil)) {
		t.Error("no plan found is permanent")
	}
}
