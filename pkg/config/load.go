package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAREFLOW_"

// Load reads the configuration file at path on top of Default, applies
// CAREFLOW_* environment overrides and validates the result. An empty path
// loads defaults only.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := Decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	cfg.Telemetry.Environment = cfg.Environment

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode unifies a YAML, JSON or CUE document with the configuration schema
// and decodes it into cfg. Keys absent from the document keep their value
// in cfg. The format is chosen by the file extension of name.
func Decode(name string, data []byte, cfg *Config) error {
	s, err := newSchema()
	if err != nil {
		return err
	}

	var val cue.Value
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue":
		val = s.ctx.CompileBytes(data, cue.Filename(name))
	case ".yaml", ".yml", ".json":
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", name, err)
		}
		if raw == nil {
			return nil
		}
		val = s.ctx.Encode(raw)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(name))
	}
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to parse config %s: %s", name, cueerrors.Details(err, nil))
	}

	// Durations are strings in the document; yaml.v3 parses them into
	// time.Duration, encoding/json would not.
	doc, err := s.unify(val)
	if err != nil {
		return fmt.Errorf("invalid config %s: %s", name, cueerrors.Details(err, nil))
	}
	if err := yaml.Unmarshal(doc, cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", name, err)
	}
	return nil
}

// envOverride applies one environment variable.
type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

var envOverrides = []envOverride{
	{"ENVIRONMENT", func(c *Config, v string) error { c.Environment = v; return nil }},
	{"SERVER_ADDRESS", func(c *Config, v string) error { c.Server.Address = v; return nil }},
	{"STORE_PATH", func(c *Config, v string) error { c.Store.Path = v; return nil }},
	{"PLANS_DIR", func(c *Config, v string) error { c.Plans.Dir = v; return nil }},
	{"POLICY_DIR", func(c *Config, v string) error { c.Policy.Dir = v; return nil }},
	{"RESOLVER_BASE_URL", func(c *Config, v string) error { c.Resolver.BaseURL = v; return nil }},
	{"NATS_URL", func(c *Config, v string) error {
		c.NATS.URL = v
		c.NATS.Enabled = v != ""
		return nil
	}},
	{"COORDINATOR_WORKERS", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Coordinator.Workers = n
		return nil
	}},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = strings.ToLower(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = v; return nil }},
	{"METRICS_ADDRESS", func(c *Config, v string) error { c.Telemetry.Metrics.ListenAddress = v; return nil }},
	{"OTLP_ENDPOINT", func(c *Config, v string) error {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
		return nil
	}},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their file key.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct constraints and the telemetry section. Every
// violation is reported.
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			result = multierror.Append(result, fieldError(fe))
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("telemetry: %w", err))
	}

	return result.ErrorOrNil()
}

func fieldError(fe validator.FieldError) error {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %s=%s", path, fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%s: failed %s", path, fe.Tag())
}
