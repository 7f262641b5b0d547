package resolver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/careflow/careflow/pkg/engine"
)

// Source names an object an expression may read from.
const (
	SourceContext  = "Context"
	SourceEvent    = "Event"
	SourceSystem   = "System"
	SourceParent   = "Parent"
	SourcePrevious = "Previous"
)

var sourceNames = []string{SourceContext, SourceEvent, SourceSystem, SourceParent, SourcePrevious}

func isSourceName(name string) bool {
	for _, s := range sourceNames {
		if s == name {
			return true
		}
	}
	return false
}

// buildSources snapshots the execution context into plain JSON values. The
// snapshot is a deep copy, so nothing an evaluator does can reach back into ec.
// Sources that have no data in ec are left out.
func buildSources(ec *engine.ExecutionContext) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(sourceNames))

	system := ec.System
	if system.ID == "" {
		system = engine.SystemIdentity
	}
	out[SourceSystem] = system.AsMap()

	if ec.User.ID != "" {
		out[SourceContext] = ec.User.AsMap()
	}
	if ec.Event != nil {
		out[SourceEvent] = eventObject(ec)
	}
	if ec.Parent != nil {
		out[SourceParent] = parentObject(ec.Parent)
	}
	if len(ec.Completed) > 0 {
		out[SourcePrevious] = previousObject(ec.Completed)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot execution context: %w", err)
	}
	var normalized map[string]interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("failed to snapshot execution context: %w", err)
	}
	return normalized, nil
}

// eventObject returns the payload itself when it is a typed resource,
// otherwise a wrapper naming the trigger.
func eventObject(ec *engine.ExecutionContext) interface{} {
	if m, ok := ec.Event.(map[string]interface{}); ok {
		if _, typed := m["resourceType"]; typed {
			return m
		}
	}
	return map[string]interface{}{
		"kind":    string(ec.TriggerKind),
		"trigger": ec.TriggerName,
		"payload": ec.Event,
	}
}

// parentObject exposes the parent task's outputs at the top level, with the
// task's identity and inputs alongside. Outputs win on name clashes.
func parentObject(parent *engine.Task) map[string]interface{} {
	out := map[string]interface{}{
		"id":     parent.ID,
		"name":   parent.Name,
		"status": string(parent.Status),
		"input":  parent.Input.Map(),
	}
	for k, v := range parent.Output.Map() {
		out[k] = v
	}
	return out
}

// previousObject keys each completed sibling's outputs by activity name. The
// most recent sibling's outputs are also available unqualified; a name
// always wins over an unqualified key.
func previousObject(completed []engine.SiblingOutput) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range completed[len(completed)-1].Outputs {
		out[k] = v
	}
	for _, sib := range completed {
		out[sib.Name] = sib.Outputs
	}
	return out
}

// leadingIdentifier returns the identifier an expression starts with.
func leadingIdentifier(expr string) string {
	expr = strings.TrimSpace(expr)
	end := 0
	for i, r := range expr {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || i > 0 && r >= '0' && r <= '9' {
			end = i + 1
			continue
		}
		break
	}
	return expr[:end]
}
