package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxPlanDepth bounds sub-plan nesting in complex plans.
const maxPlanDepth = 16

// ActivityRunner executes one activity task.
type ActivityRunner interface {
	ExecuteActivity(ctx context.Context, task *Task, ec *ExecutionContext) (Parameters, error)
}

// SystemIdentity is the principal used for the System source.
var SystemIdentity = Identity{ID: "careflow-system", Type: "Device", Name: "careflow workflow engine"}

// EventManager is the entry point that turns signals into workflows.
type EventManager struct {
	registry *TriggerRegistry
	tasks    *TaskManager
	runner   ActivityRunner
	catalog  PlanCatalog
	system   Identity
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewEventManager wires the registry, task manager and activity runner
// together. Root task creation re-registers the plan's named-event triggers,
// and deleting a task tree unregisters the definitions it owned.
func NewEventManager(
	registry *TriggerRegistry,
	tasks *TaskManager,
	runner ActivityRunner,
	catalog PlanCatalog,
	logger zerolog.Logger,
) *EventManager {
	m := &EventManager{
		registry: registry,
		tasks:    tasks,
		runner:   runner,
		catalog:  catalog,
		system:   SystemIdentity,
		logger:   logger.With().Str("component", "event-manager").Logger(),
		tracer:   otel.Tracer("github.com/careflow/careflow/pkg/engine"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	tasks.OnTaskCreated(m.registerPlanTriggers)
	tasks.SetEventUnregistrar(registry)
	return m
}

// Registry returns the trigger registry.
func (m *EventManager) Registry() *TriggerRegistry {
	return m.registry
}

// HandleIncoming runs the workflow for a webhook path or event name and
// finishes its root task. The root task is returned whenever one was created,
// including on failure.
func (m *EventManager) HandleIncoming(ctx context.Context, trigger string, payload interface{}) (*Task, error) {
	event := &TriggerEvent{
		Kind:       TriggerKindNamedEvent,
		Name:       trigger,
		Payload:    payload,
		ReceivedAt: m.now(),
	}
	event.ID = Fingerprint(event)

	root, err := m.Process(ctx, event, nil)
	if root == nil {
		return nil, err
	}
	finished, ferr := m.Finalize(ctx, root, err)
	if ferr != nil && err == nil {
		err = ferr
	}
	if finished != nil {
		root = finished
	}
	return root, err
}

// Process runs the plan claimed by event. A nil root creates the workflow's
// root task; a non-nil root re-runs the plan under it. The root task is left
// in progress; callers settle it with Finalize.
func (m *EventManager) Process(ctx context.Context, event *TriggerEvent, root *Task) (*Task, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.process", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.kind", string(event.Kind)),
		attribute.String("event.name", event.Name),
	))
	defer span.End()

	def, plan, err := m.resolve(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return root, err
	}

	if root == nil {
		root, err = m.tasks.CreatePlanTask(ctx, plan, event, payloadInputs(event.Payload), plan.IsComplex())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("task.id", root.ID))

	user := SystemIdentity
	if event.User != nil {
		user = *event.User
	}
	ec := &ExecutionContext{
		Event:       event.Payload,
		TriggerKind: event.Kind,
		TriggerName: def.Name,
		RootTaskID:  root.ID,
		User:        user,
		System:      m.system,
	}

	m.logger.Info().
		Str("task_id", root.ID).
		Str("event_name", def.Name).
		Str("plan", plan.Name).
		Msg("Running workflow")

	if _, err := m.runPlan(ctx, root, plan, ec, 0); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return root, err
	}
	span.SetStatus(codes.Ok, "")
	return root, nil
}

// Finalize settles a root task: completed when cause is nil, failed otherwise.
func (m *EventManager) Finalize(ctx context.Context, root *Task, cause error) (*Task, error) {
	if cause == nil {
		return m.tasks.UpdateTaskStatus(ctx, root.ID, TaskStatusCompleted, nil)
	}
	outputs := Parameters{
		StringParam("error", cause.Error()),
		StringParam("failureTime", m.now().Format(time.RFC3339Nano)),
	}
	if code := CodeOf(cause); code != "" {
		outputs = append(outputs, StringParam("errorCode", code))
	}
	return m.tasks.UpdateTaskStatus(ctx, root.ID, TaskStatusFailed, outputs)
}

// DataChangeEvents builds one trigger event per definition claiming change.
func (m *EventManager) DataChangeEvents(change *DataChange) []*TriggerEvent {
	defs := m.registry.DataChanged(change.ResourceType, change.Action)
	events := make([]*TriggerEvent, 0, len(defs))
	for _, def := range defs {
		ev := &TriggerEvent{
			Kind:       TriggerKindDataChanged,
			Name:       def.Name,
			Payload:    change.Payload(),
			ReceivedAt: m.now(),
		}
		ev.ID = Fingerprint(ev)
		events = append(events, ev)
	}
	return events
}

// resolve finds the definition and plan an event starts.
func (m *EventManager) resolve(event *TriggerEvent) (*EventDefinition, *PlanDefinition, error) {
	var (
		def *EventDefinition
		ok  bool
	)
	switch event.Kind {
	case TriggerKindNamedEvent:
		def, ok = m.registry.Lookup(event.Name)
	default:
		def, ok = m.registry.Definition(event.Name)
	}
	if !ok {
		return nil, nil, NewNotFoundError("EventDefinition", NormalizeTriggerKey(event.Name)).
			WithOperation("dispatch")
	}

	plan, err := m.findPlan(def, NormalizeTriggerKey(event.Name))
	if err != nil {
		return def, nil, err
	}
	return def, plan, nil
}

// findPlan tries the definition's pinned plan, then every trigger name candidate.
func (m *EventManager) findPlan(def *EventDefinition, key string) (*PlanDefinition, error) {
	if def.PlanCanonical != "" {
		if plan := m.catalog.FindPlan(def.PlanCanonical); plan != nil {
			return plan, nil
		}
	}

	candidates := PlanCandidates(key)
	if defKey := NormalizeTriggerKey(def.Name); defKey != key {
		candidates = append(candidates, PlanCandidates(defKey)...)
	}
	seen := make(map[string]bool, len(candidates))
	tried := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true
		tried = append(tried, c)
		if plan := m.catalog.FindPlanByTriggerName(c); plan != nil {
			return plan, nil
		}
	}
	return nil, NewNoPlanFoundError(key, tried)
}

// runPlan executes the plan's actions under parent in declaration order and
// returns the merged outputs of its completed activities. Configuration and
// endpoint errors fail only their activity; any other failure stops the plan.
func (m *EventManager) runPlan(ctx context.Context, parent *Task, plan *PlanDefinition, ec *ExecutionContext, depth int) (map[string]interface{}, error) {
	if depth > maxPlanDepth {
		return nil, NewValidationFailedError(fmt.Sprintf("plan %s nests deeper than %d levels", plan.Name, maxPlanDepth), nil)
	}

	local := *ec
	local.Parent = parent
	local.Completed = nil

	merged := make(map[string]interface{})
	var result *multierror.Error

	for _, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return merged, flatten(multierror.Append(result, err))
		}

		if activity := m.catalog.FindActivity(action.DefinitionCanonical); activity != nil {
			task, err := m.tasks.CreateActivityTask(ctx, parent.ID, activity, nil)
			if err != nil {
				return merged, flatten(multierror.Append(result, err))
			}
			outputs, err := m.runner.ExecuteActivity(ctx, task, &local)
			if err != nil {
				result = multierror.Append(result, err)
				if isActivityScoped(err) {
					continue
				}
				return merged, flatten(result)
			}
			values := outputs.Map()
			for k, v := range values {
				merged[k] = v
			}
			local.AddCompleted(SiblingOutput{TaskID: task.ID, Name: task.Name, Outputs: values, StartedAt: task.AuthoredOn})
			continue
		}

		sub := m.catalog.FindPlan(action.DefinitionCanonical)
		if sub == nil || !plan.IsComplex() {
			return merged, flatten(multierror.Append(result,
				NewNotFoundError("ActivityDefinition", action.DefinitionCanonical).WithOperation(action.Name)))
		}

		subTask, err := m.tasks.CreateSubPlanTask(ctx, parent.ID, sub)
		if err != nil {
			return merged, flatten(multierror.Append(result, err))
		}
		outputs, runErr := m.runPlan(ctx, subTask, sub, ec, depth+1)
		if _, err := m.Finalize(ctx, subTask, runErr); err != nil {
			return merged, flatten(multierror.Append(result, runErr, err))
		}
		if runErr != nil {
			return merged, flatten(multierror.Append(result, runErr))
		}
		for k, v := range outputs {
			merged[k] = v
		}
		local.AddCompleted(SiblingOutput{TaskID: subTask.ID, Name: sub.Name, Outputs: outputs, StartedAt: subTask.AuthoredOn})
	}

	return merged, flatten(result)
}

// registerPlanTriggers makes sure every named-event trigger the plan declares
// has an active definition. New definitions are owned by the created task.
func (m *EventManager) registerPlanTriggers(ctx context.Context, task *Task, plan *PlanDefinition) error {
	var result *multierror.Error
	for _, name := range plan.NamedEventTriggers() {
		if _, ok := m.registry.Lookup(name); ok {
			continue
		}
		_, err := m.registry.RegisterEvent(ctx, &EventDefinition{
			Name:          NormalizeTriggerKey(name),
			Triggers:      []TriggerSpec{{Type: TriggerKindNamedEvent, Name: name}},
			PlanCanonical: plan.URL,
			OwnerTaskID:   task.ID,
		})
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return flatten(result)
}

// isActivityScoped reports whether err fails only the activity that raised it.
func isActivityScoped(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidEndpoint:
		return true
	}
	return false
}

// payloadInputs turns an event payload into root task inputs.
func payloadInputs(payload interface{}) map[string]interface{} {
	switch p := payload.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return p
	default:
		return map[string]interface{}{"payload": p}
	}
}

// flatten returns nil, the only error, or the aggregate.
func flatten(result *multierror.Error) error {
	if result == nil || len(result.Errors) == 0 {
		return nil
	}
	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return result
}
