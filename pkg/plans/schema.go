package plans

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// bundleSchema constrains every plan file, whatever its format. YAML and JSON
// files are decoded first and encoded into CUE for the check; CUE files are
// unified with #Bundle directly.
const bundleSchema = `
#Trigger: {
	type:      "named-event" | "periodic" | "data-changed"
	name?:     string
	every?:    =~"^[0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))*$"
	resource?: string & !=""
	actions?: [...("create" | "update" | "delete")]

	if type == "named-event" {
		name: string & !=""
	}
	if type == "periodic" {
		every: string
	}
	if type == "data-changed" {
		resource: string
	}
}

#Expression: {
	language?:   "" | "text/path" | "text/cue" | "text/starlark"
	expression?: string
}

#DynamicValue: {
	path:       string & !=""
	expression: #Expression
	source?:    "" | "Context" | "Event" | "System" | "Parent" | "Previous"
	required?:  bool
}

#Action: {
	name:                string & !=""
	title?:              string
	definitionCanonical: string & !=""
}

#Status: "" | "draft" | "active" | "retired"

#Plan: {
	id:        =~"^[A-Za-z0-9._-]+$"
	url:       string & !=""
	name:      string & !=""
	title?:    string
	status?:   #Status
	type?:     "" | "basic" | "complex"
	triggers?: null | [...#Trigger]
	actions: [#Action, ...#Action]
}

#Activity: {
	id:            =~"^[A-Za-z0-9._-]+$"
	url:           string & !=""
	name:          string & !=""
	title?:        string
	status?:       #Status
	timeout?:      string
	dynamicValue?: null | [...#DynamicValue]
}

#Bundle: {
	plans?:      null | [...#Plan]
	activities?: null | [...#Activity]
}
`

// schema validates plan bundles against bundleSchema. A cue.Context is not
// safe for concurrent use, so every call holds mu.
type schema struct {
	mu     sync.Mutex
	ctx    *cue.Context
	bundle cue.Value
}

func newSchema() (*schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(bundleSchema, cue.Filename("bundle.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile plan schema: %w", err)
	}
	bundle := root.LookupPath(cue.ParsePath("#Bundle"))
	if err := bundle.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up #Bundle: %w", err)
	}
	return &schema{ctx: ctx, bundle: bundle}, nil
}

// validate checks an already decoded bundle.
func (s *schema) validate(b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(b)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := s.bundle.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %s", cueerrors.Details(err, nil))
	}
	return nil
}

// decodeCUE compiles a CUE plan file, unifies it with #Bundle and decodes it.
func (s *schema) decodeCUE(path string, content []byte) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile: %s", cueerrors.Details(err, nil))
	}
	unified := s.bundle.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("schema validation failed: %s", cueerrors.Details(err, nil))
	}

	var b Bundle
	if err := unified.Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return &b, nil
}
