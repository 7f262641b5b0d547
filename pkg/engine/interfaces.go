package engine

import (
	"context"
	"time"
)

// DocumentStore is the durable source of truth for event definitions, tasks
// and their provenance. Every call may fail transiently; implementations
// report missing resources with ErrNotFound and retryable failures with
// ErrTransientStore.
type DocumentStore interface {
	// CreateEventDefinition persists a new event definition, assigning an ID if empty.
	CreateEventDefinition(ctx context.Context, def *EventDefinition) error

	// GetEventDefinition retrieves an event definition by ID.
	GetEventDefinition(ctx context.Context, id string) (*EventDefinition, error)

	// UpdateEventDefinition replaces a stored event definition.
	UpdateEventDefinition(ctx context.Context, def *EventDefinition) error

	// DeleteEventDefinition removes an event definition.
	DeleteEventDefinition(ctx context.Context, id string) error

	// SearchEventDefinitions lists event definitions matching the query.
	SearchEventDefinitions(ctx context.Context, query EventDefinitionQuery) (*EventDefinitionPage, error)

	// CreateTask persists a new task together with its creation record.
	// Both writes commit or neither does.
	CreateTask(ctx context.Context, task *Task, record *Provenance) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask replaces a stored task. A non-nil record is appended in the
	// same transaction.
	UpdateTask(ctx context.Context, task *Task, record *Provenance) error

	// DeleteTasks removes the given tasks and every provenance record targeting them.
	DeleteTasks(ctx context.Context, ids []string) error

	// SearchTasks lists tasks matching the query.
	SearchTasks(ctx context.Context, query TaskQuery) (*TaskPage, error)

	// AppendProvenance appends an audit-only record.
	AppendProvenance(ctx context.Context, record *Provenance) error

	// ListProvenance returns records matching the query in recorded order.
	ListProvenance(ctx context.Context, query ProvenanceQuery) ([]*Provenance, error)
}

// EventDefinitionQuery filters event definition searches. Zero fields match everything.
type EventDefinitionQuery struct {
	Name        string
	Status      EventDefinitionStatus
	OwnerTaskID string
	Limit       int
	Offset      int
}

// EventDefinitionPage is one page of event definition search results.
type EventDefinitionPage struct {
	Entries []*EventDefinition `json:"entries"`
	Total   int                `json:"total"`
}

// TaskQuery filters task searches. Zero fields match everything.
type TaskQuery struct {
	PartOf   string
	Rank     TaskRank
	Statuses []TaskStatus
	Limit    int
	Offset   int
}

// TaskPage is one page of task search results.
type TaskPage struct {
	Entries []*Task `json:"entries"`
	Total   int     `json:"total"`
}

// ProvenanceQuery filters provenance listings.
type ProvenanceQuery struct {
	Targets  []string
	Activity string
}

// PlanCatalog looks up declarative plans and activities.
type PlanCatalog interface {
	// FindPlanByTriggerName returns the plan claiming a named-event trigger, or nil.
	FindPlanByTriggerName(name string) *PlanDefinition

	// FindPlan returns the plan with the given canonical URL, ID or name, or nil.
	FindPlan(canonical string) *PlanDefinition

	// FindActivity returns the activity with the given canonical URL, ID or name, or nil.
	FindActivity(canonical string) *ActivityDefinition
}

// PropertyResolver turns an activity's dynamic values into concrete inputs.
type PropertyResolver interface {
	// ResolveActivityInputs resolves every binding of def against ec.
	// All configuration problems are reported together as one ValidationFailed error.
	ResolveActivityInputs(ctx context.Context, def *ActivityDefinition, ec *ExecutionContext) (*ResolvedActivityInputs, error)
}

// ActivityRequest is the outbound call an activity is about to make.
type ActivityRequest struct {
	TaskID   string
	Activity *ActivityDefinition
	Resolved *ResolvedActivityInputs
}

// ActivityPolicy gates outbound activity calls.
type ActivityPolicy interface {
	// CheckActivity returns an error if the request must not be sent.
	CheckActivity(ctx context.Context, req *ActivityRequest) error
}

// LifecycleEvent is a notification about task and event processing.
type LifecycleEvent struct {
	ID         string                 `json:"id"`
	Type       LifecycleEventType     `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	TaskID     string                 `json:"task_id,omitempty"`
	RootTaskID string                 `json:"root_task_id,omitempty"`
	EventName  string                 `json:"event_name,omitempty"`
	Status     TaskStatus             `json:"status,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// EventPublisher publishes lifecycle events to subscribers.
type EventPublisher interface {
	// Publish publishes an event. Implementations must not block on slow subscribers.
	Publish(ctx context.Context, event *LifecycleEvent) error
}
