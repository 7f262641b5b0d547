package engine

import (
	"fmt"
	"strings"
	"time"
)

// TriggerKind names a Trigger variant.
type TriggerKind string

const (
	TriggerKindNamedEvent  TriggerKind = "named-event"
	TriggerKindPeriodic    TriggerKind = "periodic"
	TriggerKindDataChanged TriggerKind = "data-changed"
)

// Priority returns the scheduling priority of events raised by this kind.
// Higher values are processed first.
func (k TriggerKind) Priority() int {
	switch k {
	case TriggerKindDataChanged:
		return 3
	case TriggerKindNamedEvent:
		return 2
	case TriggerKindPeriodic:
		return 1
	default:
		return 0
	}
}

// Trigger is a condition that starts a plan. The set of variants is closed:
// NamedEventTrigger, PeriodicTrigger and DataChangedTrigger.
type Trigger interface {
	Kind() TriggerKind
	TriggerName() string
	Accept(v TriggerVisitor) error

	sealed()
}

// TriggerVisitor handles every Trigger variant. Adding a variant adds a method
// here, so every handler fails to compile until it covers the new kind.
type TriggerVisitor interface {
	VisitNamedEvent(t NamedEventTrigger) error
	VisitPeriodic(t PeriodicTrigger) error
	VisitDataChanged(t DataChangedTrigger) error
}

// NamedEventTrigger fires on an inbound webhook or named event.
type NamedEventTrigger struct {
	Name string
}

func (t NamedEventTrigger) Kind() TriggerKind             { return TriggerKindNamedEvent }
func (t NamedEventTrigger) TriggerName() string           { return t.Name }
func (t NamedEventTrigger) Accept(v TriggerVisitor) error { return v.VisitNamedEvent(t) }
func (NamedEventTrigger) sealed()                         {}

// PeriodicTrigger fires on a fixed interval.
type PeriodicTrigger struct {
	Name  string
	Every time.Duration
}

func (t PeriodicTrigger) Kind() TriggerKind             { return TriggerKindPeriodic }
func (t PeriodicTrigger) TriggerName() string           { return t.Name }
func (t PeriodicTrigger) Accept(v TriggerVisitor) error { return v.VisitPeriodic(t) }
func (PeriodicTrigger) sealed()                         {}

// DataChangedTrigger fires when a resource of ResourceType changes.
// An empty Actions list matches every action.
type DataChangedTrigger struct {
	Name         string
	ResourceType string
	Actions      []string
}

func (t DataChangedTrigger) Kind() TriggerKind             { return TriggerKindDataChanged }
func (t DataChangedTrigger) TriggerName() string           { return t.Name }
func (t DataChangedTrigger) Accept(v TriggerVisitor) error { return v.VisitDataChanged(t) }
func (DataChangedTrigger) sealed()                         {}

// Matches reports whether the trigger claims a change of action on resourceType.
func (t DataChangedTrigger) Matches(resourceType, action string) bool {
	if !strings.EqualFold(t.ResourceType, resourceType) {
		return false
	}
	if len(t.Actions) == 0 {
		return true
	}
	for _, a := range t.Actions {
		if strings.EqualFold(a, action) {
			return true
		}
	}
	return false
}

// MinPeriodicInterval is the shortest accepted periodic trigger interval.
const MinPeriodicInterval = time.Second

// TriggerSpec is the persisted and declarative form of a Trigger.
type TriggerSpec struct {
	Type     TriggerKind `json:"type" yaml:"type" validate:"required,oneof=named-event periodic data-changed"`
	Name     string      `json:"name,omitempty" yaml:"name,omitempty"`
	Every    string      `json:"every,omitempty" yaml:"every,omitempty"`
	Resource string      `json:"resource,omitempty" yaml:"resource,omitempty"`
	Actions  []string    `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Trigger decodes the spec into its variant.
func (s TriggerSpec) Trigger() (Trigger, error) {
	switch s.Type {
	case TriggerKindNamedEvent:
		if s.Name == "" {
			return nil, fmt.Errorf("named-event trigger requires a name")
		}
		return NamedEventTrigger{Name: s.Name}, nil
	case TriggerKindPeriodic:
		every, err := time.ParseDuration(s.Every)
		if err != nil {
			return nil, fmt.Errorf("periodic trigger %q: invalid interval %q: %w", s.Name, s.Every, err)
		}
		if every < MinPeriodicInterval {
			return nil, fmt.Errorf("periodic trigger %q: interval %s is below %s", s.Name, every, MinPeriodicInterval)
		}
		return PeriodicTrigger{Name: s.Name, Every: every}, nil
	case TriggerKindDataChanged:
		if s.Resource == "" {
			return nil, fmt.Errorf("data-changed trigger %q requires a resource type", s.Name)
		}
		return DataChangedTrigger{Name: s.Name, ResourceType: s.Resource, Actions: s.Actions}, nil
	default:
		return nil, fmt.Errorf("unknown trigger type: %q", s.Type)
	}
}

// SpecFor encodes a Trigger back into its declarative form.
func SpecFor(t Trigger) TriggerSpec {
	var spec TriggerSpec
	_ = t.Accept(specEncoder{spec: &spec})
	return spec
}

type specEncoder struct {
	spec *TriggerSpec
}

func (e specEncoder) VisitNamedEvent(t NamedEventTrigger) error {
	*e.spec = TriggerSpec{Type: TriggerKindNamedEvent, Name: t.Name}
	return nil
}

func (e specEncoder) VisitPeriodic(t PeriodicTrigger) error {
	*e.spec = TriggerSpec{Type: TriggerKindPeriodic, Name: t.Name, Every: t.Every.String()}
	return nil
}

func (e specEncoder) VisitDataChanged(t DataChangedTrigger) error {
	*e.spec = TriggerSpec{Type: TriggerKindDataChanged, Name: t.Name, Resource: t.ResourceType, Actions: t.Actions}
	return nil
}
