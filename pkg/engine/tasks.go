package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TriggerEventInput is the name of the root task input carrying the trigger event.
const TriggerEventInput = "trigger-event"

// TriggerEvent is one external signal entering the engine.
type TriggerEvent struct {
	// ID identifies the event for single-flight and retry tracking.
	ID string `json:"id"`

	// Kind is the trigger variant that raised the event.
	Kind TriggerKind `json:"kind"`

	// Name is the trigger identifier as received, before normalization.
	Name string `json:"name"`

	// Payload is the event body as decoded JSON.
	Payload interface{} `json:"payload,omitempty"`

	// User is the principal on whose behalf the event arrived, if known.
	User *Identity `json:"user,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// TaskCreatedHook runs synchronously after a root task is persisted.
type TaskCreatedHook func(ctx context.Context, task *Task, plan *PlanDefinition) error

// EventUnregistrar removes event definitions that belonged to a deleted task.
type EventUnregistrar interface {
	UnregisterEvent(ctx context.Context, def *EventDefinition) error
}

// TaskManagerOption configures a TaskManager.
type TaskManagerOption func(*TaskManager)

// WithTaskPublisher sets the lifecycle event publisher.
func WithTaskPublisher(p EventPublisher) TaskManagerOption {
	return func(tm *TaskManager) { tm.publisher = p }
}

// WithStoreRetry sets how often and how long transient store failures are retried.
func WithStoreRetry(maxTries uint, initial, max time.Duration) TaskManagerOption {
	return func(tm *TaskManager) {
		tm.maxStoreTries = maxTries
		tm.retryInitial = initial
		tm.retryMax = max
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TaskManagerOption {
	return func(tm *TaskManager) { tm.now = now }
}

// TaskManager owns the task state machine and its audit trail. It is the only
// component that writes task status.
type TaskManager struct {
	store     DocumentStore
	logger    zerolog.Logger
	publisher EventPublisher
	now       func() time.Time

	maxStoreTries uint
	retryInitial  time.Duration
	retryMax      time.Duration

	mu           sync.RWMutex
	createdHooks []TaskCreatedHook
	unregistrar  EventUnregistrar
}

// NewTaskManager creates a task manager backed by store.
func NewTaskManager(store DocumentStore, logger zerolog.Logger, opts ...TaskManagerOption) *TaskManager {
	tm := &TaskManager{
		store:         store,
		logger:        logger.With().Str("component", "task-manager").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
		maxStoreTries: 4,
		retryInitial:  100 * time.Millisecond,
		retryMax:      2 * time.Second,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// OnTaskCreated registers a hook run after every root task creation.
func (tm *TaskManager) OnTaskCreated(hook TaskCreatedHook) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.createdHooks = append(tm.createdHooks, hook)
}

// SetEventUnregistrar sets the component notified when a task tree that owns
// event definitions is deleted.
func (tm *TaskManager) SetEventUnregistrar(u EventUnregistrar) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.unregistrar = u
}

// CreateWebhookTask creates the root task for a plan started by a named event.
func (tm *TaskManager) CreateWebhookTask(ctx context.Context, plan *PlanDefinition, trigger string, input map[string]interface{}) (*Task, error) {
	event := &TriggerEvent{
		ID:         uuid.New().String(),
		Kind:       TriggerKindNamedEvent,
		Name:       trigger,
		Payload:    input,
		ReceivedAt: tm.now(),
	}
	return tm.CreatePlanTask(ctx, plan, event, input, plan.IsComplex())
}

// CreatePlanTask creates the root task of a workflow. The task is written
// in-progress together with its workflow-start record, then the created hooks
// run.
func (tm *TaskManager) CreatePlanTask(ctx context.Context, plan *PlanDefinition, event *TriggerEvent, input map[string]interface{}, isComplex bool) (*Task, error) {
	if plan == nil {
		return nil, NewValidationFailedError("plan is required", nil)
	}

	eventParam, err := ValueParam(TriggerEventInput, event)
	if err != nil {
		return nil, err
	}
	params, err := ParametersFromMap(input)
	if err != nil {
		return nil, err
	}

	now := tm.now()
	task := &Task{
		ID:                    uuid.New().String(),
		Status:                TaskStatusInProgress,
		Rank:                  TaskRankRoot,
		InstantiatesCanonical: plan.URL,
		Name:                  plan.Name,
		Input:                 append(Parameters{eventParam}, params...),
		AuthoredOn:            now,
		LastModified:          now,
	}
	if event != nil {
		task.TriggerKind = event.Kind
	}

	code := ProvenanceBasicWorkflowStart
	if isComplex {
		code = ProvenanceComplexWorkflowStart
	}
	record := tm.newRecord(task.ID, code, map[string]interface{}{
		"plan":   plan.URL,
		"inputs": task.Input.Keys(),
	})
	if event != nil {
		record.Details["trigger"] = event.Name
		record.Details["event_id"] = event.ID
	}

	if err := tm.createTask(ctx, task, record); err != nil {
		return nil, err
	}

	tm.logger.Info().
		Str("task_id", task.ID).
		Str("plan", plan.Name).
		Str("activity", code).
		Msg("Created workflow task")

	tm.publish(ctx, &LifecycleEvent{
		Type:       LifecycleTaskCreated,
		TaskID:     task.ID,
		RootTaskID: task.ID,
		Status:     task.Status,
		Message:    fmt.Sprintf("Workflow %s started", plan.Name),
		Data:       map[string]interface{}{"plan": plan.URL, "rank": string(task.Rank), "trigger_kind": string(task.TriggerKind)},
	})

	tm.mu.RLock()
	hooks := append([]TaskCreatedHook(nil), tm.createdHooks...)
	tm.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, task, plan); err != nil {
			tm.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Task created hook failed")
		}
	}

	return task, nil
}

// CreateSubPlanTask creates an intermediate grouping task for a sub-plan of a
// complex plan.
func (tm *TaskManager) CreateSubPlanTask(ctx context.Context, parentID string, plan *PlanDefinition) (*Task, error) {
	if plan == nil {
		return nil, NewValidationFailedError("plan is required", nil)
	}
	if _, err := tm.GetTask(ctx, parentID); err != nil {
		return nil, err
	}

	now := tm.now()
	task := &Task{
		ID:                    uuid.New().String(),
		Status:                TaskStatusInProgress,
		Rank:                  TaskRankBasicPlan,
		PartOf:                parentID,
		InstantiatesCanonical: plan.URL,
		Name:                  plan.Name,
		AuthoredOn:            now,
		LastModified:          now,
	}
	record := tm.newRecord(task.ID, ProvenanceBasicWorkflowStart, map[string]interface{}{
		"plan":    plan.URL,
		"part_of": parentID,
	})
	if err := tm.createTask(ctx, task, record); err != nil {
		return nil, err
	}

	tm.publish(ctx, &LifecycleEvent{
		Type:    LifecycleTaskCreated,
		TaskID:  task.ID,
		Status:  task.Status,
		Message: fmt.Sprintf("Sub-plan %s started", plan.Name),
		Data:    map[string]interface{}{"plan": plan.URL, "rank": string(task.Rank), "part_of": parentID},
	})
	return task, nil
}

// CreateActivityTask creates a requested activity task under parentID. Outputs
// of the parent's completed activities are snapshotted onto the new task in
// the order their activity-start records were written.
func (tm *TaskManager) CreateActivityTask(ctx context.Context, parentID string, activity *ActivityDefinition, input map[string]interface{}) (*Task, error) {
	if activity == nil {
		return nil, NewValidationFailedError("activity definition is required", nil)
	}

	prior, err := tm.CompletedSiblings(ctx, parentID)
	if err != nil {
		return nil, err
	}
	params, err := ParametersFromMap(input)
	if err != nil {
		return nil, err
	}

	now := tm.now()
	task := &Task{
		ID:                    uuid.New().String(),
		Status:                TaskStatusRequested,
		Rank:                  TaskRankActivity,
		PartOf:                parentID,
		InstantiatesCanonical: activity.URL,
		Name:                  activity.Name,
		Input:                 params,
		PriorOutputs:          prior,
		AuthoredOn:            now,
		LastModified:          now,
	}
	record := tm.newRecord(task.ID, ProvenanceActivityStart, map[string]interface{}{
		"activity": activity.URL,
		"part_of":  parentID,
		"prior":    len(prior),
	})
	if err := tm.createTask(ctx, task, record); err != nil {
		return nil, err
	}

	tm.logger.Debug().
		Str("task_id", task.ID).
		Str("part_of", parentID).
		Str("activity", activity.Name).
		Int("prior_outputs", len(prior)).
		Msg("Created activity task")

	tm.publish(ctx, &LifecycleEvent{
		Type:    LifecycleTaskCreated,
		TaskID:  task.ID,
		Status:  task.Status,
		Message: fmt.Sprintf("Activity %s requested", activity.Name),
		Data:    map[string]interface{}{"activity": activity.URL, "rank": string(task.Rank), "part_of": parentID},
	})
	return task, nil
}

// CompletedSiblings returns the outputs of completed activities under parentID,
// ordered by their activity-start record.
func (tm *TaskManager) CompletedSiblings(ctx context.Context, parentID string) ([]SiblingOutput, error) {
	page, err := retryStore(ctx, tm, "search_tasks", func() (*TaskPage, error) {
		return tm.store.SearchTasks(ctx, TaskQuery{
			PartOf:   parentID,
			Rank:     TaskRankActivity,
			Statuses: []TaskStatus{TaskStatusCompleted},
		})
	})
	if err != nil {
		return nil, err
	}
	if len(page.Entries) == 0 {
		return nil, nil
	}

	byID := make(map[string]*Task, len(page.Entries))
	ids := make([]string, 0, len(page.Entries))
	for _, t := range page.Entries {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	records, err := retryStore(ctx, tm, "list_provenance", func() ([]*Provenance, error) {
		return tm.store.ListProvenance(ctx, ProvenanceQuery{Targets: ids, Activity: ProvenanceActivityStart})
	})
	if err != nil {
		return nil, err
	}

	started := make(map[string]time.Time, len(records))
	for _, r := range records {
		if _, seen := started[r.Target]; !seen {
			started[r.Target] = r.Recorded
		}
	}

	out := make([]SiblingOutput, 0, len(ids))
	for _, id := range ids {
		t := byID[id]
		out = append(out, SiblingOutput{
			TaskID:    t.ID,
			Name:      t.Name,
			Outputs:   t.Output.Map(),
			StartedAt: started[id],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// UpdateTaskStatus moves a task to status, merges outputs into its output list
// and appends one task-<status> record. Updates against a terminal task are
// ignored and return the stored task.
func (tm *TaskManager) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, outputs Parameters) (*Task, error) {
	if err := status.Validate(); err != nil {
		return nil, NewValidationFailedError(err.Error(), nil).WithResource(taskID)
	}

	task, err := tm.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status.IsTerminal() {
		tm.logger.Debug().
			Str("task_id", taskID).
			Str("status", string(task.Status)).
			Str("requested", string(status)).
			Msg("Ignoring update to terminal task")
		return task, nil
	}
	if !task.Status.CanTransitionTo(status) {
		return nil, NewValidationFailedError(
			fmt.Sprintf("illegal transition %s -> %s", task.Status, status), nil).
			WithResource(taskID).
			WithOperation("update_task_status")
	}

	previous := task.Status
	task.Status = status
	task.LastModified = tm.now()
	task.Output = mergeParameters(task.Output, outputs)

	record := tm.newRecord(task.ID, ProvenanceCodeFor(status), map[string]interface{}{
		"from":    string(previous),
		"outputs": outputs.Keys(),
	})
	if _, err := retryStore(ctx, tm, "update_task", func() (struct{}, error) {
		return struct{}{}, tm.store.UpdateTask(ctx, task, record)
	}); err != nil {
		return nil, err
	}

	tm.logger.Debug().
		Str("task_id", task.ID).
		Str("from", string(previous)).
		Str("to", string(status)).
		Msg("Task status changed")

	level := "info"
	if status == TaskStatusFailed {
		level = "error"
	}
	tm.publish(ctx, &LifecycleEvent{
		Type:    LifecycleTaskStatusChanged,
		TaskID:  task.ID,
		Status:  status,
		Message: fmt.Sprintf("Task %s %s -> %s", task.Name, previous, status),
		Level:   level,
		Data:    map[string]interface{}{"from": string(previous), "rank": string(task.Rank)},
	})
	return task, nil
}

// RecordEventAttempt stores the attempt counter and audit status of the event
// tracked by a root task. Waiting and error outcomes append an audit record;
// neither changes the task status.
func (tm *TaskManager) RecordEventAttempt(ctx context.Context, rootID string, outcome BusinessStatus, attempts int, reason string) (*Task, error) {
	task, err := tm.GetTask(ctx, rootID)
	if err != nil {
		return nil, err
	}

	task.BusinessStatus = outcome
	task.Attempts = attempts
	task.LastModified = tm.now()

	var record *Provenance
	switch outcome {
	case BusinessStatusWaiting:
		record = tm.newRecord(task.ID, ProvenanceEventWaiting, map[string]interface{}{"attempts": attempts, "reason": reason})
	case BusinessStatusError:
		record = tm.newRecord(task.ID, ProvenanceEventError, map[string]interface{}{"attempts": attempts, "reason": reason})
	}

	if _, err := retryStore(ctx, tm, "update_task", func() (struct{}, error) {
		return struct{}{}, tm.store.UpdateTask(ctx, task, record)
	}); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (tm *TaskManager) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return retryStore(ctx, tm, "get_task", func() (*Task, error) {
		return tm.store.GetTask(ctx, taskID)
	})
}

// Children returns the direct children of a task.
func (tm *TaskManager) Children(ctx context.Context, parentID string) ([]*Task, error) {
	page, err := retryStore(ctx, tm, "search_tasks", func() (*TaskPage, error) {
		return tm.store.SearchTasks(ctx, TaskQuery{PartOf: parentID})
	})
	if err != nil {
		return nil, err
	}
	return page.Entries, nil
}

// TaskHistory is a task together with its replayed audit trail.
type TaskHistory struct {
	Task    *Task         `json:"task"`
	Records []*Provenance `json:"records"`

	// RecoveredStatus is the status established by the latest status-bearing record.
	RecoveredStatus TaskStatus `json:"recovered_status"`

	// Consistent reports whether RecoveredStatus matches the stored status.
	Consistent bool `json:"consistent"`
}

// RecoverTaskState replays a task's provenance in recorded order.
func (tm *TaskManager) RecoverTaskState(ctx context.Context, taskID string) (*TaskHistory, error) {
	task, err := tm.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	records, err := retryStore(ctx, tm, "list_provenance", func() ([]*Provenance, error) {
		return tm.store.ListProvenance(ctx, ProvenanceQuery{Targets: []string{taskID}})
	})
	if err != nil {
		return nil, err
	}

	history := &TaskHistory{Task: task, Records: records}
	for _, r := range records {
		if status, ok := StatusForProvenance(r.Activity); ok {
			history.RecoveredStatus = status
		}
	}
	history.Consistent = history.RecoveredStatus == task.Status
	return history, nil
}

// RecoveryReport summarizes a startup recovery pass.
type RecoveryReport struct {
	Scanned int `json:"scanned"`

	// Repaired lists tasks whose stored status was reset to match provenance.
	Repaired []string `json:"repaired,omitempty"`

	// Interrupted lists tasks still in progress with no shutdown record.
	Interrupted []string `json:"interrupted,omitempty"`

	// Paused lists tasks put on hold by a clean shutdown.
	Paused []string `json:"paused,omitempty"`
}

// RecoverAll scans unfinished tasks, repairs any whose stored status disagrees
// with their provenance, and reports the ones left running.
func (tm *TaskManager) RecoverAll(ctx context.Context) (*RecoveryReport, error) {
	page, err := retryStore(ctx, tm, "search_tasks", func() (*TaskPage, error) {
		return tm.store.SearchTasks(ctx, TaskQuery{
			Statuses: []TaskStatus{TaskStatusRequested, TaskStatusInProgress, TaskStatusOnHold},
		})
	})
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{Scanned: len(page.Entries)}
	for _, t := range page.Entries {
		history, err := tm.RecoverTaskState(ctx, t.ID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return report, err
		}

		task := history.Task
		if !history.Consistent && history.RecoveredStatus != "" {
			tm.logger.Warn().
				Str("task_id", task.ID).
				Str("stored", string(task.Status)).
				Str("recovered", string(history.RecoveredStatus)).
				Msg("Repairing task status from provenance")
			task.Status = history.RecoveredStatus
			task.LastModified = tm.now()
			if _, err := retryStore(ctx, tm, "update_task", func() (struct{}, error) {
				return struct{}{}, tm.store.UpdateTask(ctx, task, nil)
			}); err != nil {
				return report, err
			}
			report.Repaired = append(report.Repaired, task.ID)
		}

		switch task.Status {
		case TaskStatusInProgress:
			report.Interrupted = append(report.Interrupted, task.ID)
		case TaskStatusOnHold:
			report.Paused = append(report.Paused, task.ID)
		}
	}

	tm.logger.Info().
		Int("scanned", report.Scanned).
		Int("repaired", len(report.Repaired)).
		Int("interrupted", len(report.Interrupted)).
		Int("paused", len(report.Paused)).
		Msg("Task recovery complete")
	return report, nil
}

// DeleteTaskTree deletes a task, every descendant and their provenance, and
// unregisters event definitions owned by any deleted task. It returns the IDs
// of the deleted tasks.
func (tm *TaskManager) DeleteTaskTree(ctx context.Context, rootID string) ([]string, error) {
	if _, err := tm.GetTask(ctx, rootID); err != nil {
		return nil, err
	}

	ids := []string{rootID}
	for i := 0; i < len(ids); i++ {
		children, err := tm.Children(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			ids = append(ids, c.ID)
		}
	}

	tm.mu.RLock()
	unregistrar := tm.unregistrar
	tm.mu.RUnlock()

	for _, id := range ids {
		page, err := retryStore(ctx, tm, "search_event_definitions", func() (*EventDefinitionPage, error) {
			return tm.store.SearchEventDefinitions(ctx, EventDefinitionQuery{OwnerTaskID: id})
		})
		if err != nil {
			return nil, err
		}
		for _, def := range page.Entries {
			if unregistrar != nil {
				err = unregistrar.UnregisterEvent(ctx, def)
			} else {
				err = tm.store.DeleteEventDefinition(ctx, def.ID)
			}
			if err != nil && !IsNotFound(err) {
				return nil, fmt.Errorf("failed to unregister event %s: %w", def.Name, err)
			}
		}
	}

	if _, err := retryStore(ctx, tm, "delete_tasks", func() (struct{}, error) {
		return struct{}{}, tm.store.DeleteTasks(ctx, ids)
	}); err != nil {
		return nil, err
	}

	tm.logger.Info().Str("task_id", rootID).Int("deleted", len(ids)).Msg("Deleted task tree")
	return ids, nil
}

func (tm *TaskManager) createTask(ctx context.Context, task *Task, record *Provenance) error {
	_, err := retryStore(ctx, tm, "create_task", func() (struct{}, error) {
		return struct{}{}, tm.store.CreateTask(ctx, task, record)
	})
	return err
}

func (tm *TaskManager) newRecord(target, activity string, details map[string]interface{}) *Provenance {
	return &Provenance{
		ID:       uuid.New().String(),
		Target:   target,
		Recorded: tm.now(),
		Activity: activity,
		Details:  details,
	}
}

func (tm *TaskManager) publish(ctx context.Context, event *LifecycleEvent) {
	if tm.publisher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = tm.now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}
	if err := tm.publisher.Publish(ctx, event); err != nil {
		tm.logger.Debug().Err(err).Str("type", string(event.Type)).Msg("Failed to publish lifecycle event")
	}
}

// retryStore runs a store operation, retrying transient store failures with
// capped exponential backoff.
func retryStore[T any](ctx context.Context, tm *TaskManager, operation string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = tm.retryInitial
	b.MaxInterval = tm.retryMax

	tries := tm.maxStoreTries
	if tries == 0 {
		tries = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrTransientStore) {
			return v, backoff.Permanent(err)
		}
		tm.logger.Debug().Err(err).Str("operation", operation).Msg("Retrying store operation")
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
}

// mergeParameters replaces entries of base that share a name with updates and
// appends the rest.
func mergeParameters(base, updates Parameters) Parameters {
	if len(updates) == 0 {
		return base
	}
	out := make(Parameters, 0, len(base)+len(updates))
	replaced := make(map[string]bool, len(updates))
	index := make(map[string]json.RawMessage, len(updates))
	for _, u := range updates {
		index[u.Name] = u.Value
	}
	for _, p := range base {
		if v, ok := index[p.Name]; ok {
			out = append(out, Parameter{Name: p.Name, Value: v})
			replaced[p.Name] = true
			continue
		}
		out = append(out, p)
	}
	for _, u := range updates {
		if !replaced[u.Name] {
			out = append(out, u)
			replaced[u.Name] = true
		}
	}
	return out
}
