package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", noEnv)
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "careflow.db", cfg.Store.Path)
	assert.Equal(t, "plans", cfg.Plans.Dir)
	assert.Equal(t, 4, cfg.Coordinator.Workers)
	assert.Equal(t, 3, cfg.Coordinator.MaxAttempts)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, EnvDevelopment, cfg.Telemetry.Environment)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "careflow.yaml", `
environment: production
server:
  address: ":9443"
  read_timeout: 3s
store:
  path: /var/lib/careflow/careflow.db
resolver:
  base_url: https://ehr.example.org
  allowed_base_urls: ["https://*.example.org"]
coordinator:
  workers: 8
  max_backoff: 2m
telemetry:
  logging:
    level: warn
    format: json
`)

	cfg, err := load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, EnvProduction, cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, ":9443", cfg.Server.Address)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout, "unset keys keep defaults")
	assert.Equal(t, "/var/lib/careflow/careflow.db", cfg.Store.Path)
	assert.Equal(t, 8, cfg.Store.MaxOpenConns)
	assert.Equal(t, "https://ehr.example.org", cfg.Resolver.BaseURL)
	assert.Equal(t, []string{"https://*.example.org"}, cfg.Resolver.AllowedBaseURLs)
	assert.Equal(t, 8, cfg.Coordinator.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Coordinator.MaxBackoff)
	assert.Equal(t, "warn", cfg.Telemetry.Logging.Level)
	assert.Equal(t, EnvProduction, cfg.Telemetry.Environment)
}

func TestLoad_CUE(t *testing.T) {
	path := writeFile(t, "careflow.cue", `
environment: "staging"
plans: {
	dir:         "/etc/careflow/plans"
	watch:       false
	watch_delay: "1s"
}
executor: max_per_endpoint: 2
nats: {
	enabled: true
	url:     "nats://bus.internal:4222"
}
`)

	cfg, err := load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, "/etc/careflow/plans", cfg.Plans.Dir)
	assert.False(t, cfg.Plans.Watch)
	assert.Equal(t, time.Second, cfg.Plans.WatchDelay)
	assert.Equal(t, int64(2), cfg.Executor.MaxPerEndpoint)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://bus.internal:4222", cfg.NATS.URL)
	assert.Equal(t, "careflow.data", cfg.NATS.SubjectPrefix)
}

func TestDecode_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "unknown key",
			file:    "c.yaml",
			content: "servr:\n  address: \":1\"\n",
			wantErr: "servr",
		},
		{
			name:    "numeric duration",
			file:    "c.yaml",
			content: "coordinator:\n  max_backoff: 10\n",
			wantErr: "max_backoff",
		},
		{
			name:    "bad environment",
			file:    "c.cue",
			content: `environment: "qa"`,
			wantErr: "environment",
		},
		{
			name:    "unknown builtin policy",
			file:    "c.json",
			content: `{"policy": {"disabled": ["no-such-policy"]}}`,
			wantErr: "disabled",
		},
		{
			name:    "cue syntax",
			file:    "c.cue",
			content: `server: {`,
			wantErr: "failed to parse",
		},
		{
			name:    "unsupported format",
			file:    "c.toml",
			content: `a = 1`,
			wantErr: "unsupported config format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Decode(tt.file, []byte(tt.content), Default())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecode_EmptyDocumentKeepsDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode("empty.yaml", []byte(""), cfg))
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{
		"CAREFLOW_ENVIRONMENT":         "staging",
		"CAREFLOW_STORE_PATH":          "/tmp/override.db",
		"CAREFLOW_NATS_URL":            "nats://localhost:4222",
		"CAREFLOW_COORDINATOR_WORKERS": "16",
		"CAREFLOW_LOG_LEVEL":           "DEBUG",
		"CAREFLOW_OTLP_ENDPOINT":       "collector:4317",
	}))
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, "/tmp/override.db", cfg.Store.Path)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, 16, cfg.Coordinator.Workers)
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
	assert.True(t, cfg.Telemetry.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Telemetry.Tracing.Exporter)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Tracing.Endpoint)

	_, err = load("", envMap(map[string]string{"CAREFLOW_COORDINATOR_WORKERS": "many"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CAREFLOW_COORDINATOR_WORKERS")
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Coordinator.Workers = 0
	cfg.Plans.Dir = ""
	cfg.Resolver.BaseURL = "not a url"
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""
	cfg.Coordinator.MaxBackoff = time.Millisecond
	cfg.Telemetry.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "coordinator.workers")
	assert.Contains(t, msg, "coordinator.max_backoff")
	assert.Contains(t, msg, "plans.dir")
	assert.Contains(t, msg, "resolver.base_url")
	assert.Contains(t, msg, "nats.url")
	assert.Contains(t, msg, "telemetry: invalid log level")
}

func TestEngineConversions(t *testing.T) {
	cfg := Default()
	cfg.Executor.MaxConcurrent = 3
	cfg.Coordinator.MaxAttempts = 7

	exec := cfg.Executor.Engine()
	assert.Equal(t, int64(3), exec.MaxConcurrent)
	assert.Equal(t, cfg.Executor.DefaultTimeout, exec.DefaultTimeout)

	coord := cfg.Coordinator.Engine()
	assert.Equal(t, 7, coord.MaxAttempts)
	assert.Equal(t, cfg.Coordinator.InitialBackoff, coord.InitialBackoff)
}
