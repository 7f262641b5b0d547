package config

import (
	"time"

	"github.com/careflow/careflow/pkg/engine"
	"github.com/careflow/careflow/pkg/resolver"
	"github.com/careflow/careflow/pkg/stores"
	"github.com/careflow/careflow/pkg/telemetry"
)

// Environment names accepted by the service.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the complete careflow service configuration.
type Config struct {
	// Environment selects environment-dependent behaviour such as the
	// endpoint transport policy.
	Environment string `yaml:"environment" json:"environment" validate:"required,oneof=development staging production"`

	Server      ServerConfig      `yaml:"server" json:"server"`
	Store       stores.Config     `yaml:"store" json:"store"`
	StoreRetry  RetryConfig       `yaml:"store_retry" json:"store_retry"`
	Plans       PlansConfig       `yaml:"plans" json:"plans"`
	Policy      PolicyConfig      `yaml:"policy" json:"policy"`
	Resolver    resolver.Config   `yaml:"resolver" json:"resolver"`
	Executor    ExecutorConfig    `yaml:"executor" json:"executor"`
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
	NATS        NATSConfig        `yaml:"nats" json:"nats"`

	// Telemetry is checked by its own Validate.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry" validate:"-"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`

	// MaxBodyBytes caps webhook and data-change request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes" validate:"gt=0"`
}

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	MaxTries        uint          `yaml:"max_tries" json:"max_tries" validate:"gte=1"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval" validate:"gtefield=InitialInterval"`
}

// PlansConfig locates plan and activity definition files.
type PlansConfig struct {
	Dir string `yaml:"dir" json:"dir" validate:"required"`

	// Watch reloads the catalog when files in Dir change.
	Watch      bool          `yaml:"watch" json:"watch"`
	WatchDelay time.Duration `yaml:"watch_delay" json:"watch_delay" validate:"gte=0"`
}

// PolicyConfig configures activity dispatch policies.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Dir holds custom .rego and .json policy files. Optional.
	Dir   string `yaml:"dir" json:"dir"`
	Watch bool   `yaml:"watch" json:"watch"`

	// Disabled lists built-in policy names to skip.
	Disabled []string `yaml:"disabled" json:"disabled"`
}

// ExecutorConfig mirrors engine.ExecutorConfig with file tags.
type ExecutorConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout" validate:"gt=0"`
	Retention      time.Duration `yaml:"retention" json:"retention" validate:"gt=0"`
	MaxConcurrent  int64         `yaml:"max_concurrent" json:"max_concurrent" validate:"gte=0"`
	MaxPerEndpoint int64         `yaml:"max_per_endpoint" json:"max_per_endpoint" validate:"gte=0"`
}

// Engine converts to the engine's executor settings.
func (c ExecutorConfig) Engine() engine.ExecutorConfig {
	return engine.ExecutorConfig{
		DefaultTimeout: c.DefaultTimeout,
		Retention:      c.Retention,
		MaxConcurrent:  c.MaxConcurrent,
		MaxPerEndpoint: c.MaxPerEndpoint,
	}
}

// CoordinatorConfig mirrors engine.CoordinatorConfig with file tags.
type CoordinatorConfig struct {
	Workers        int           `yaml:"workers" json:"workers" validate:"gte=1"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// Engine converts to the engine's coordinator settings.
func (c CoordinatorConfig) Engine() engine.CoordinatorConfig {
	return engine.CoordinatorConfig{
		Workers:        c.Workers,
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
	}
}

// NATSConfig configures the data-change subscription and lifecycle event
// forwarding.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url" validate:"required_if=Enabled true"`

	// SubjectPrefix is followed by .<resourceType>.<action>.
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix" validate:"required_if=Enabled true"`

	// Stream and EventSubject receive lifecycle events. An empty Stream
	// disables forwarding.
	Stream       string `yaml:"stream" json:"stream"`
	EventSubject string `yaml:"event_subject" json:"event_subject" validate:"required_with=Stream"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gte=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	exec := engine.DefaultExecutorConfig()
	coord := engine.DefaultCoordinatorConfig()

	tel := telemetry.DefaultConfig()

	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Store: stores.Config{
			Path:            "careflow.db",
			MaxOpenConns:    8,
			MaxIdleConns:    4,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		StoreRetry: RetryConfig{
			MaxTries:        5,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		Plans: PlansConfig{
			Dir:        "plans",
			Watch:      true,
			WatchDelay: 250 * time.Millisecond,
		},
		Policy: PolicyConfig{
			Enabled: true,
			Watch:   true,
		},
		Resolver: resolver.Config{
			BaseURL:         "https://localhost:8443",
			StarlarkTimeout: 2 * time.Second,
		},
		Executor: ExecutorConfig{
			DefaultTimeout: exec.DefaultTimeout,
			Retention:      exec.Retention,
			MaxConcurrent:  exec.MaxConcurrent,
			MaxPerEndpoint: exec.MaxPerEndpoint,
		},
		Coordinator: CoordinatorConfig{
			Workers:        coord.Workers,
			MaxAttempts:    coord.MaxAttempts,
			InitialBackoff: coord.InitialBackoff,
			MaxBackoff:     coord.MaxBackoff,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			SubjectPrefix:  "careflow.data",
			Stream:         "CAREFLOW_EVENTS",
			EventSubject:   "careflow.events",
			ConnectTimeout: 5 * time.Second,
		},
		Telemetry: *tel,
	}
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}
