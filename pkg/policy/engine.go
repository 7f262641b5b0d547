package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/pkg/engine"
)

// Engine evaluates Rego deny rules against outbound activity calls. It
// implements engine.ActivityPolicy.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	logger      zerolog.Logger
	environment string
	disabled    map[string]bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	builtin  bool
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ engine.ActivityPolicy = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithEnvironment sets the environment name policies see as input.environment.
func WithEnvironment(env string) Option {
	return func(e *Engine) { e.environment = env }
}

// WithDisabledBuiltins skips the named built-in policies.
func WithDisabledBuiltins(names ...string) Option {
	return func(e *Engine) {
		for _, n := range names {
			e.disabled[n] = true
		}
	}
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies:    make(map[string]*compiledPolicy),
		logger:      logger.With().Str("component", "policy-engine").Logger(),
		environment: "development",
		disabled:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// CheckActivity evaluates every enabled policy against req. A blocking
// violation fails with INVALID_ENDPOINT; warnings are only logged.
func (e *Engine) CheckActivity(ctx context.Context, req *engine.ActivityRequest) error {
	input, err := e.NewInput(req)
	if err != nil {
		return err
	}

	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("task_id", req.TaskID).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	e.logger.Info().
		Str("task_id", req.TaskID).
		Str("endpoint", input.Endpoint.URL).
		Strs("violations", messages).
		Msg("Activity call denied by policy")

	return engine.NewInvalidEndpointError(input.Endpoint.URL, strings.Join(messages, "; ")).
		WithDetail("violations", result.Violations)
}

// NewInput builds the policy input document for an activity call.
func (e *Engine) NewInput(req *engine.ActivityRequest) (*Input, error) {
	if req == nil || req.Resolved == nil {
		return nil, fmt.Errorf("activity request has no resolved inputs")
	}

	input := &Input{
		TaskID:        req.TaskID,
		Environment:   e.environment,
		Inputs:        req.Resolved.Inputs,
		Configuration: req.Resolved.Configuration,
		Endpoint:      EndpointInfo{URL: req.Resolved.Endpoint},
	}
	if input.Inputs == nil {
		input.Inputs = map[string]interface{}{}
	}
	if input.Configuration == nil {
		input.Configuration = map[string]map[string]interface{}{}
	}
	if def := req.Activity; def != nil {
		input.Activity = ActivityInfo{ID: def.ID, URL: def.URL, Name: def.Name, Title: def.Title}
	}

	if u, err := url.Parse(req.Resolved.Endpoint); err == nil {
		input.Endpoint.Scheme = strings.ToLower(u.Scheme)
		input.Endpoint.Host = u.Host
		input.Endpoint.Path = u.Path
	}

	body, err := json.Marshal(input.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activity inputs: %w", err)
	}
	input.PayloadBytes = len(body)

	return input, nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is reported as a warning and does not block.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("task_id", input.TaskID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				TaskID:   input.TaskID,
				Message:  fmt.Sprintf("policy %s evaluation failed: %v", name, err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("task_id", input.TaskID).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Activity policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// deny is a set, which decodes as a list.
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}

	return violations, nil
}

// createViolation creates a Violation from one element of a deny set.
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		TaskID:   input.TaskID,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if details, ok := v["details"].(map[string]interface{}); ok {
			violation.Details = details
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies compiles the built-in policies that are not disabled.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	count := 0
	for _, p := range GetBuiltinPolicies() {
		if e.disabled[p.Name] {
			continue
		}
		policy := p
		cp, err := compile(ctx, &policy)
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		cp.builtin = true
		e.policies[p.Name] = cp
		count++
	}

	e.logger.Info().
		Int("count", count).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files and directories, replacing any custom
// policies loaded before.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceCustomPolicies(ctx, policies)
}

// ReplaceCustomPolicies compiles policies and swaps them in for the current
// custom set. Nothing changes if any policy fails to compile.
func (e *Engine) ReplaceCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Custom policies loaded")

	return nil
}

// Watch loads the policies under dir and reloads them whenever a .rego or
// .json file changes. A reload that fails to compile keeps the previous set.
func (e *Engine) Watch(ctx context.Context, dir string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, []string{dir})
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.ReplaceCustomPolicies(ctx, policies); err != nil {
		return err
	}
	return loader.WatchDir(ctx, dir, func(policies []Policy) error {
		return e.ReplaceCustomPolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

// sortedNames must be called with e.mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
