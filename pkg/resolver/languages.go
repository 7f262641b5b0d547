package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/parser"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/careflow/careflow/pkg/engine"
)

// evaluator compiles and runs expressions of one language. scope is either a
// single source object (when the binding declares its source) or a map of
// every available source keyed by name.
type evaluator interface {
	check(expr string) error
	eval(ctx context.Context, expr string, scope interface{}) (interface{}, error)
}

// pathEvaluator walks dotted paths with engine.LookupPath. A missing path
// resolves to nil.
type pathEvaluator struct{}

func (pathEvaluator) check(expr string) error {
	if len(engine.SplitPath(expr)) == 0 {
		return errors.New("empty path expression")
	}
	return nil
}

func (pathEvaluator) eval(_ context.Context, expr string, scope interface{}) (interface{}, error) {
	v, _ := engine.LookupPath(scope, expr)
	return v, nil
}

// literal is a quoted text/path expression.
type literal string

func (literal) check(string) error { return nil }

func (l literal) eval(context.Context, string, interface{}) (interface{}, error) {
	return string(l), nil
}

// cueEvaluator evaluates CUE expressions with the scope's fields in lexical
// scope. A list result yields its first element.
type cueEvaluator struct {
	// cue.Context is not safe for concurrent use.
	mu  sync.Mutex
	ctx *cue.Context
}

func newCUEEvaluator() *cueEvaluator {
	return &cueEvaluator{ctx: cuecontext.New()}
}

func (c *cueEvaluator) check(expr string) error {
	_, err := parser.ParseExpr("expression", expr)
	return err
}

func (c *cueEvaluator) eval(_ context.Context, expr string, scope interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scopeVal := c.ctx.Encode(scope)
	if err := scopeVal.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode scope: %w", err)
	}

	v := c.ctx.CompileString(expr, cue.Scope(scopeVal), cue.InferBuiltins(true))
	if err := v.Err(); err != nil {
		return nil, err
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}

	var out interface{}
	if err := v.Decode(&out); err != nil {
		return nil, err
	}
	return firstResult(out), nil
}

func firstResult(v interface{}) interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return v
	}
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

// starlarkEvaluator evaluates single Starlark expressions. The scope's
// identifier-safe keys are predeclared as globals.
type starlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

func newStarlarkEvaluator(timeout time.Duration) *starlarkEvaluator {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &starlarkEvaluator{timeout: timeout, maxSteps: 1_000_000}
}

func (s *starlarkEvaluator) check(expr string) error {
	_, err := syntax.ParseExpr("expression.star", expr, 0)
	return err
}

func (s *starlarkEvaluator) eval(ctx context.Context, expr string, scope interface{}) (interface{}, error) {
	thread := &starlark.Thread{
		Name:  "resolver",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(s.maxSteps)

	evalCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", s.timeout))
	})
	defer stop()

	env, err := s.environment(scope)
	if err != nil {
		return nil, err
	}

	v, err := starlark.Eval(thread, "expression.star", expr, env)
	if err != nil {
		return nil, fmt.Errorf("starlark evaluation failed: %w", err)
	}
	return fromStarlarkValue(v)
}

func (s *starlarkEvaluator) environment(scope interface{}) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"lookup": starlark.NewBuiltin("lookup", builtinLookup),
	}

	m, ok := scope.(map[string]interface{})
	if !ok {
		return env, nil
	}
	for key, val := range m {
		if !isIdentifier(key) {
			continue
		}
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", key, err)
		}
		env[key] = sv
	}
	return env, nil
}

var starlarkKeywords = map[string]bool{
	"and": true, "break": true, "continue": true, "def": true, "elif": true,
	"else": true, "for": true, "if": true, "in": true, "lambda": true,
	"load": true, "not": true, "or": true, "pass": true, "return": true, "while": true,
}

func isIdentifier(s string) bool {
	return s != "" && leadingIdentifier(s) == s && !starlarkKeywords[s]
}

// builtinLookup implements lookup(value, path, default=None), a dotted path
// walk over dicts and lists.
func builtinLookup(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		value starlark.Value
		path  string
		def   starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value, "path", &path, "default?", &def); err != nil {
		return nil, err
	}
	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, err
	}
	found, ok := engine.LookupPath(goVal, path)
	if !ok {
		return def, nil
	}
	return toStarlarkValue(found)
}

// toStarlarkValue converts a decoded JSON value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value back to a JSON-compatible value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, errors.New("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromIterable(val, val.Len())
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, errors.New("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIterable(seq starlark.Indexable, n int) (interface{}, error) {
	list := make([]interface{}, n)
	for i := 0; i < n; i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
