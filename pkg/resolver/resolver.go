package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/careflow/careflow/pkg/engine"
)

// Config configures a Resolver.
type Config struct {
	// BaseURL is joined to relative activity endpoints.
	BaseURL string `yaml:"base_url" json:"base_url" validate:"required,url"`

	// AllowedSchemes defaults to https only.
	AllowedSchemes []string `yaml:"allowed_schemes" json:"allowed_schemes"`

	// AllowedBaseURLs are scheme://host globs. Defaults to the BaseURL origin.
	AllowedBaseURLs []string `yaml:"allowed_base_urls" json:"allowed_base_urls"`

	// StarlarkTimeout bounds a single text/starlark evaluation.
	StarlarkTimeout time.Duration `yaml:"starlark_timeout" json:"starlark_timeout"`
}

// Resolver implements engine.PropertyResolver.
type Resolver struct {
	endpoints *EndpointPolicy
	languages map[string]evaluator
	logger    zerolog.Logger
}

// New creates a Resolver.
func New(cfg Config, logger zerolog.Logger) (*Resolver, error) {
	endpoints, err := NewEndpointPolicy(cfg.BaseURL, cfg.AllowedSchemes, cfg.AllowedBaseURLs)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		endpoints: endpoints,
		languages: map[string]evaluator{
			engine.LanguagePath:     pathEvaluator{},
			engine.LanguageCUE:      newCUEEvaluator(),
			engine.LanguageStarlark: newStarlarkEvaluator(cfg.StarlarkTimeout),
		},
		logger: logger.With().Str("component", "resolver").Logger(),
	}, nil
}

// Endpoints returns the resolver's endpoint policy.
func (r *Resolver) Endpoints() *EndpointPolicy {
	return r.endpoints
}

// binding is a dynamic value that passed validation.
type binding struct {
	value    engine.DynamicValue
	target   Target
	language evaluator
	expr     string
	// source is empty when the expression sees every source by name.
	source string
	// empty bindings resolve to nil without evaluation.
	empty bool
}

// ResolveActivityInputs validates every binding of def, then evaluates the
// valid ones against ec. All configuration problems are reported together.
// ec is never modified.
func (r *Resolver) ResolveActivityInputs(ctx context.Context, def *engine.ActivityDefinition, ec *engine.ExecutionContext) (*engine.ResolvedActivityInputs, error) {
	if def == nil {
		return nil, engine.NewValidationFailedError("activity definition is required", nil)
	}
	if ec == nil {
		ec = &engine.ExecutionContext{}
	}

	sources, err := buildSources(ec)
	if err != nil {
		return nil, engine.NewValidationFailedError(err.Error(), nil)
	}

	bindings, issues := r.validate(def, sources)
	resolved, evalIssues := r.resolve(ctx, bindings, sources)
	issues = append(issues, evalIssues...)

	if resolved.Endpoint == "" && !hasEndpointIssue(issues) {
		issues = append(issues, engine.ValidationIssue{
			Kind:    engine.IssueMissingRequired,
			Path:    "endpoint",
			Message: "activity has no endpoint",
		})
	}

	if len(issues) > 0 {
		r.logger.Debug().
			Str("activity", def.Name).
			Int("issues", len(issues)).
			Msg("Activity configuration is invalid")
		return nil, engine.NewValidationFailedError(
			fmt.Sprintf("activity %s has %d configuration issue(s)", def.Name, len(issues)), issues).
			WithResource(def.URL)
	}

	endpoint, err := r.endpoints.Validate(resolved.Endpoint)
	if err != nil {
		return nil, err
	}
	resolved.Endpoint = endpoint

	r.logger.Debug().
		Str("activity", def.Name).
		Str("endpoint", endpoint).
		Int("inputs", len(resolved.Inputs)).
		Msg("Resolved activity inputs")
	return resolved, nil
}

// validate is the first pass: path syntax, expression syntax and source
// availability.
func (r *Resolver) validate(def *engine.ActivityDefinition, sources map[string]interface{}) ([]binding, []engine.ValidationIssue) {
	var (
		bindings []binding
		issues   []engine.ValidationIssue
	)

	for _, dv := range def.DynamicValues {
		expr := strings.TrimSpace(dv.Expression.Expression)
		issue := func(kind engine.ValidationIssueKind, format string, args ...interface{}) {
			issues = append(issues, engine.ValidationIssue{
				Kind:       kind,
				Path:       dv.Path,
				Expression: expr,
				Message:    fmt.Sprintf(format, args...),
			})
		}

		target, err := ParsePath(dv.Path)
		if err != nil {
			issue(engine.IssueInvalidPath, "%v", err)
			continue
		}

		lang := dv.Expression.Language
		if lang == "" {
			lang = engine.LanguagePath
		}
		ev, ok := r.languages[lang]
		if !ok {
			issue(engine.IssueInvalidExpression, "unsupported expression language %q", lang)
			continue
		}

		b := binding{value: dv, target: target, language: ev, expr: expr, source: dv.Source}
		if expr == "" {
			b.empty = true
			bindings = append(bindings, b)
			continue
		}
		if lang == engine.LanguagePath && isQuoted(expr) {
			b.language = literal(expr[1 : len(expr)-1])
			bindings = append(bindings, b)
			continue
		}

		if dv.Source != "" && !isSourceName(dv.Source) {
			issue(engine.IssueMissingSource, "unknown source %q", dv.Source)
			continue
		}

		if err := ev.check(expr); err != nil {
			issue(engine.IssueInvalidExpression, "%v", err)
			continue
		}

		needed := dv.Source
		if needed == "" {
			lead := leadingIdentifier(expr)
			switch {
			case isSourceName(lead):
				needed = lead
			case lang == engine.LanguagePath:
				issue(engine.IssueMissingSource, "path expression must start with one of %s or declare a source", strings.Join(sourceNames, ", "))
				continue
			}
		}
		if needed != "" {
			if _, ok := sources[needed]; !ok {
				issue(engine.IssueMissingSource, "source %s is not available", needed)
				continue
			}
		}

		// A path expression naming its source walks from that source.
		if lang == engine.LanguagePath {
			rest := expr
			if dv.Source == "" || leadingIdentifier(expr) == dv.Source {
				rest = strings.TrimPrefix(strings.TrimPrefix(expr, needed), ".")
			}
			b.expr = rest
			b.source = needed
		}

		bindings = append(bindings, b)
	}

	return bindings, issues
}

// resolve is the second pass: evaluation and required checks.
func (r *Resolver) resolve(ctx context.Context, bindings []binding, sources map[string]interface{}) (*engine.ResolvedActivityInputs, []engine.ValidationIssue) {
	resolved := &engine.ResolvedActivityInputs{
		Inputs:        make(map[string]interface{}),
		Configuration: make(map[string]map[string]interface{}),
	}
	var issues []engine.ValidationIssue

	for _, b := range bindings {
		var (
			value interface{}
			err   error
		)
		if !b.empty {
			value, err = r.evaluate(ctx, b, sources)
		}
		if err != nil {
			issues = append(issues, engine.ValidationIssue{
				Kind:       engine.IssueError,
				Path:       b.value.Path,
				Expression: b.value.Expression.Expression,
				Message:    err.Error(),
			})
			continue
		}

		if b.value.Required && engine.IsEmptyValue(value) {
			issues = append(issues, engine.ValidationIssue{
				Kind:       engine.IssueMissingRequired,
				Path:       b.value.Path,
				Expression: b.value.Expression.Expression,
				Message:    "required value resolved to nothing",
			})
			continue
		}

		switch b.target.Kind {
		case TargetEndpoint:
			if value == nil {
				continue
			}
			s, ok := value.(string)
			if !ok {
				issues = append(issues, engine.ValidationIssue{
					Kind:       engine.IssueError,
					Path:       b.value.Path,
					Expression: b.value.Expression.Expression,
					Message:    fmt.Sprintf("endpoint must be a string, got %T", value),
				})
				continue
			}
			resolved.Endpoint = s
		case TargetInputValue:
			resolved.Inputs[b.target.Name] = value
		default:
			key := b.target.ConfigurationKey()
			if resolved.Configuration[key] == nil {
				resolved.Configuration[key] = make(map[string]interface{})
			}
			resolved.Configuration[key][b.target.Attribute] = value
		}
	}

	return resolved, issues
}

func (r *Resolver) evaluate(ctx context.Context, b binding, sources map[string]interface{}) (interface{}, error) {
	var scope interface{} = sources
	if b.source != "" {
		scope = sources[b.source]
	}
	return b.language.eval(ctx, b.expr, scope)
}

func isQuoted(expr string) bool {
	if len(expr) < 2 {
		return false
	}
	q := expr[0]
	return (q == '\'' || q == '"') && expr[len(expr)-1] == q
}

func hasEndpointIssue(issues []engine.ValidationIssue) bool {
	for _, issue := range issues {
		if issue.Path == "endpoint" {
			return true
		}
	}
	return false
}
