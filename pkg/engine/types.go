package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventDefinition binds a named trigger to plans.
type EventDefinition struct {
	// ID is the unique identifier for this definition.
	ID string `json:"id"`

	// Name is the trigger name. Unique among active definitions.
	Name string `json:"name"`

	// Status is active or retired.
	Status EventDefinitionStatus `json:"status"`

	// Triggers lists the conditions this definition claims.
	Triggers []TriggerSpec `json:"triggers"`

	// PlanCanonical optionally pins the plan this definition starts.
	PlanCanonical string `json:"plan_canonical,omitempty"`

	// OwnerTaskID is the task on whose behalf the definition was created.
	// Deleting that task's tree unregisters the definition.
	OwnerTaskID string `json:"owner_task_id,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// DecodeTriggers converts the persisted trigger specs into variants.
func (d *EventDefinition) DecodeTriggers() ([]Trigger, error) {
	triggers := make([]Trigger, 0, len(d.Triggers))
	for i, spec := range d.Triggers {
		t, err := spec.Trigger()
		if err != nil {
			return nil, fmt.Errorf("event definition %s trigger %d: %w", d.Name, i, err)
		}
		triggers = append(triggers, t)
	}
	return triggers, nil
}

// Parameter is one ordered input or output entry. Value holds a JSON document;
// plain strings are stored as JSON strings.
type Parameter struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// Parameters is an ordered list of task inputs or outputs.
type Parameters []Parameter

// StringParam builds a parameter holding a string value.
func StringParam(name, value string) Parameter {
	raw, _ := json.Marshal(value)
	return Parameter{Name: name, Value: raw}
}

// ValueParam builds a parameter holding any JSON-encodable value.
func ValueParam(name string, value interface{}) (Parameter, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Parameter{}, fmt.Errorf("failed to encode parameter %s: %w", name, err)
	}
	return Parameter{Name: name, Value: raw}, nil
}

// Get returns the raw value of the first parameter named name.
func (p Parameters) Get(name string) (json.RawMessage, bool) {
	for _, param := range p {
		if param.Name == name {
			return param.Value, true
		}
	}
	return nil, false
}

// Keys returns parameter names in order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for _, param := range p {
		keys = append(keys, param.Name)
	}
	return keys
}

// Map decodes the parameters into a plain map. Values that are not valid JSON
// are kept as strings.
func (p Parameters) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for _, param := range p {
		var v interface{}
		if err := json.Unmarshal(param.Value, &v); err != nil {
			v = string(param.Value)
		}
		out[param.Name] = v
	}
	return out
}

// ParametersFromMap encodes a map into parameters sorted by key.
func ParametersFromMap(values map[string]interface{}) (Parameters, error) {
	keys := sortedKeys(values)
	params := make(Parameters, 0, len(keys))
	for _, k := range keys {
		param, err := ValueParam(k, values[k])
		if err != nil {
			return nil, err
		}
		params = append(params, param)
	}
	return params, nil
}

// SiblingOutput is a snapshot of one completed sibling activity.
type SiblingOutput struct {
	TaskID    string                 `json:"task_id"`
	Name      string                 `json:"name"`
	Outputs   map[string]interface{} `json:"outputs"`
	StartedAt time.Time              `json:"started_at"`
}

// Task is the persisted record of one unit of work.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`

	// Status is the current state machine position.
	Status TaskStatus `json:"status"`

	// BusinessStatus is the audit status of the tracked event (root tasks only).
	BusinessStatus BusinessStatus `json:"business_status,omitempty"`

	// Rank is root, basic-plan or activity.
	Rank TaskRank `json:"rank"`

	// PartOf references the parent task. Empty for root tasks.
	PartOf string `json:"part_of,omitempty"`

	// InstantiatesCanonical references the plan or activity definition.
	InstantiatesCanonical string `json:"instantiates_canonical"`

	// Name is the plan or activity name, used to key sibling outputs.
	Name string `json:"name"`

	// TriggerKind is the kind of signal that started the workflow.
	TriggerKind TriggerKind `json:"trigger_kind,omitempty"`

	Input  Parameters `json:"input,omitempty"`
	Output Parameters `json:"output,omitempty"`

	// PriorOutputs snapshots completed sibling outputs at creation time.
	PriorOutputs []SiblingOutput `json:"prior_outputs,omitempty"`

	// Attempts counts processing attempts of the tracked event.
	Attempts int `json:"attempts"`

	AuthoredOn   time.Time `json:"authored_on"`
	LastModified time.Time `json:"last_modified"`
}

// Provenance is an immutable audit record of one change to a task.
type Provenance struct {
	ID       string                 `json:"id"`
	Target   string                 `json:"target"`
	Recorded time.Time              `json:"recorded"`
	Activity string                 `json:"activity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Identity is a user, practitioner or system principal.
type Identity struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// AsMap exposes the identity as a source object for expression evaluation.
func (i Identity) AsMap() map[string]interface{} {
	out := map[string]interface{}{
		"id":   i.ID,
		"type": i.Type,
	}
	if i.Name != "" {
		out["name"] = i.Name
	}
	for k, v := range i.Attributes {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

// ExecutionContext is the transient data available to one workflow instance.
// It is built per invocation and never shared across instances.
type ExecutionContext struct {
	// Event is the triggering payload as decoded JSON.
	Event interface{}

	TriggerKind TriggerKind
	TriggerName string

	// RootTaskID is the workflow's root task.
	RootTaskID string

	// Parent is the immediate parent task of the activity being resolved.
	Parent *Task

	// Completed lists finished sibling activities in Provenance order.
	Completed []SiblingOutput

	User   Identity
	System Identity
}

// AddCompleted records a finished activity for later input resolution.
func (ec *ExecutionContext) AddCompleted(out SiblingOutput) {
	ec.Completed = append(ec.Completed, out)
}

// ResolvedActivityInputs is the outcome of property resolution, consumed once
// by the activity executor.
type ResolvedActivityInputs struct {
	Endpoint      string                            `json:"endpoint"`
	Inputs        map[string]interface{}            `json:"inputs"`
	Configuration map[string]map[string]interface{} `json:"configuration,omitempty"`
}

// DataChange describes a change to a clinical resource.
type DataChange struct {
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	Action       string                 `json:"action"`
	Resource     map[string]interface{} `json:"resource,omitempty"`
}

// Payload returns the event payload for the change: the resource itself when
// it already names its resourceType, otherwise the change description.
func (c *DataChange) Payload() interface{} {
	if c.Resource != nil {
		if _, typed := c.Resource["resourceType"]; typed {
			return c.Resource
		}
	}
	out := map[string]interface{}{
		"resourceType": c.ResourceType,
		"id":           c.ResourceID,
		"action":       c.Action,
	}
	if c.Resource != nil {
		out["resource"] = c.Resource
	}
	return out
}
