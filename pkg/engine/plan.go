package engine

import (
	"sort"
	"time"
)

// PlanType distinguishes single-level plans from plans that nest sub-plans.
type PlanType string

const (
	PlanTypeBasic   PlanType = "basic"
	PlanTypeComplex PlanType = "complex"
)

// PlanDefinition is a declarative workflow: triggers plus ordered actions.
type PlanDefinition struct {
	ID       string        `json:"id" yaml:"id" validate:"required"`
	URL      string        `json:"url" yaml:"url" validate:"required"`
	Name     string        `json:"name" yaml:"name" validate:"required"`
	Title    string        `json:"title,omitempty" yaml:"title,omitempty"`
	Status   string        `json:"status" yaml:"status" validate:"omitempty,oneof=draft active retired"`
	Type     PlanType      `json:"type" yaml:"type" validate:"omitempty,oneof=basic complex"`
	Triggers []TriggerSpec `json:"triggers,omitempty" yaml:"triggers,omitempty" validate:"dive"`
	Actions  []PlanAction  `json:"actions" yaml:"actions" validate:"required,min=1,dive"`

	// Source is the file the plan was loaded from.
	Source string `json:"-" yaml:"-"`
}

// IsComplex reports whether the plan nests sub-plans.
func (p *PlanDefinition) IsComplex() bool {
	return p.Type == PlanTypeComplex
}

// NamedEventTriggers returns the names of the plan's named-event triggers.
func (p *PlanDefinition) NamedEventTriggers() []string {
	var names []string
	for _, t := range p.Triggers {
		if t.Type == TriggerKindNamedEvent && t.Name != "" {
			names = append(names, t.Name)
		}
	}
	return names
}

// PlanAction is one ordered step of a plan. DefinitionCanonical references an
// ActivityDefinition or, in complex plans, another PlanDefinition.
type PlanAction struct {
	Name                string `json:"name" yaml:"name" validate:"required"`
	Title               string `json:"title,omitempty" yaml:"title,omitempty"`
	DefinitionCanonical string `json:"definitionCanonical" yaml:"definitionCanonical" validate:"required"`
}

// ActivityDefinition is one declaratively defined HTTP call.
type ActivityDefinition struct {
	ID            string         `json:"id" yaml:"id" validate:"required"`
	URL           string         `json:"url" yaml:"url" validate:"required"`
	Name          string         `json:"name" yaml:"name" validate:"required"`
	Title         string         `json:"title,omitempty" yaml:"title,omitempty"`
	Status        string         `json:"status" yaml:"status" validate:"omitempty,oneof=draft active retired"`
	Timeout       string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DynamicValues []DynamicValue `json:"dynamicValue" yaml:"dynamicValue" validate:"dive"`

	Source string `json:"-" yaml:"-"`
}

// TimeoutOr returns the parsed activity timeout, or fallback when unset or invalid.
func (a *ActivityDefinition) TimeoutOr(fallback time.Duration) time.Duration {
	if a.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(a.Timeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Expression languages understood by the property resolver.
const (
	LanguagePath     = "text/path"
	LanguageCUE      = "text/cue"
	LanguageStarlark = "text/starlark"
)

// Expression is a piece of code in a declared language.
type Expression struct {
	Language   string `json:"language,omitempty" yaml:"language,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// DynamicValue binds the result of an expression to a path of the request.
type DynamicValue struct {
	Path       string     `json:"path" yaml:"path" validate:"required"`
	Expression Expression `json:"expression" yaml:"expression"`
	Source     string     `json:"source,omitempty" yaml:"source,omitempty" validate:"omitempty,oneof=Context Event System Parent Previous"`
	Required   bool       `json:"required,omitempty" yaml:"required,omitempty"`
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
