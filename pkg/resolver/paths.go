package resolver

import (
	"fmt"
	"strings"
)

// TargetKind identifies which part of the outbound request a binding writes.
type TargetKind int

const (
	TargetEndpoint TargetKind = iota
	TargetAsync
	TargetInputValue
	TargetInputAttribute
	TargetOutputAttribute
)

// Target is a parsed dynamic value path.
type Target struct {
	Kind TargetKind
	// Name is the input or output name for input[...] and output[...] paths.
	Name string
	// Attribute is the configuration property, e.g. "timeout" or "path".
	Attribute string
}

// ConfigurationKey returns the configuration map key the target writes to, or
// an empty string for targets that are not configuration.
func (t Target) ConfigurationKey() string {
	switch t.Kind {
	case TargetAsync:
		return "async"
	case TargetInputAttribute:
		return "input/" + t.Name
	case TargetOutputAttribute:
		return "output/" + t.Name
	default:
		return ""
	}
}

// ParsePath parses one of:
//
//	endpoint
//	async/<property>
//	input[<name>]/value
//	input[<name>]/<attribute>
//	output[<name>]/<attribute>
func ParsePath(path string) (Target, error) {
	path = strings.TrimSpace(path)
	if path == "endpoint" {
		return Target{Kind: TargetEndpoint}, nil
	}

	if prop, ok := strings.CutPrefix(path, "async/"); ok {
		if !isAttribute(prop) {
			return Target{}, fmt.Errorf("invalid async property %q", prop)
		}
		return Target{Kind: TargetAsync, Attribute: prop}, nil
	}

	for _, prefix := range []string{"input[", "output["} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok {
			continue
		}
		name, attr, ok := strings.Cut(rest, "]/")
		if !ok || strings.TrimSpace(name) == "" || strings.ContainsAny(name, "[]/") {
			return Target{}, fmt.Errorf("invalid %s] path %q", prefix, path)
		}
		if !isAttribute(attr) {
			return Target{}, fmt.Errorf("invalid attribute %q in path %q", attr, path)
		}
		switch {
		case prefix == "output[":
			return Target{Kind: TargetOutputAttribute, Name: name, Attribute: attr}, nil
		case attr == "value":
			return Target{Kind: TargetInputValue, Name: name}, nil
		default:
			return Target{Kind: TargetInputAttribute, Name: name, Attribute: attr}, nil
		}
	}

	return Target{}, fmt.Errorf("unrecognized path %q", path)
}

func isAttribute(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
