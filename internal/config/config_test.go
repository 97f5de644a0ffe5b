// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9090"

storage:
  backend: sqlite
  path: "./huddle.db"

conversation:
  queue_size_limit: 30
  single_mode_delay: "50ms"
  multi_mode_delay: "1s"
  assistant_timeout: "15s"

connection:
  max_participants: 4
  ping_interval: "20s"
  pong_timeout: "5s"
  reconnect_grace: "2m"

assistants:
  - id: helper
    display_name: "Helper Bot"
    responder:
      type: http
      base_url: "http://localhost:7000"
      timeout: "3s"

logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 30, cfg.Conversation.QueueSizeLimit)
	assert.Equal(t, 50*time.Millisecond, cfg.Conversation.SingleModeDelay.Std())
	assert.Equal(t, time.Second, cfg.Conversation.MultiModeDelay.Std())
	assert.Equal(t, 15*time.Second, cfg.Conversation.AssistantTimeout.Std())
	assert.Equal(t, 4, cfg.Connection.MaxParticipants)
	assert.Equal(t, 2*time.Minute, cfg.Connection.ReconnectGrace.Std())

	require.Len(t, cfg.Assistants, 1)
	assert.Equal(t, "Helper Bot", cfg.Assistants[0].DisplayName)
	assert.Equal(t, "http", cfg.Assistants[0].Responder.Type)
	assert.Equal(t, 3*time.Second, cfg.Assistants[0].Responder.Timeout.Std())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:7070"

[storage]
backend = "bolt"
path = "/tmp/huddle.bolt"

[conversation]
multi_mode_delay = "3s"

[[assistants]]
id = "echoer"

[tracing]
enabled = true
exporter = "otlp"
endpoint = "localhost:4318"
sample_rate = 0.5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7070", cfg.Server.HTTPAddr)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, 3*time.Second, cfg.Conversation.MultiModeDelay.Std())

	require.Len(t, cfg.Assistants, 1)
	assert.Equal(t, "echoer", cfg.Assistants[0].DisplayName, "display name defaults to id")
	assert.Equal(t, "echo", cfg.Assistants[0].Responder.Type)

	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.InDelta(t, 0.5, cfg.Tracing.SampleRate, 1e-9)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", "logging:\n  level: warn\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 1000, cfg.Conversation.QueueSizeLimit)
	assert.Equal(t, 100*time.Millisecond, cfg.Conversation.SingleModeDelay.Std())
	assert.Equal(t, 2000*time.Millisecond, cfg.Conversation.MultiModeDelay.Std())
	assert.Equal(t, 20*time.Second, cfg.Conversation.AssistantTimeout.Std())
	assert.Equal(t, 10, cfg.Connection.MaxParticipants)
	assert.Equal(t, 30*time.Second, cfg.Connection.PingInterval.Std())
	assert.Equal(t, 10*time.Second, cfg.Connection.PongTimeout.Std())
	assert.Equal(t, 60*time.Second, cfg.Connection.SweepInterval.Std())
	assert.Equal(t, time.Duration(0), cfg.Connection.ReconnectGrace.Std())
	assert.Equal(t, "huddle-gateway", cfg.Tracing.ServiceName)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("HUDDLE_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("HUDDLE_TEST_MODEL", "gpt-4o")

	cfg, err := Load(writeConfig(t, "config.yaml", `
auth:
  jwt_secret: "${HUDDLE_TEST_SECRET}"
assistants:
  - id: gpt
    responder:
      type: openai
      model: "${HUDDLE_TEST_MODEL}"
      api_key: "${HUDDLE_TEST_UNSET}"
`))
	require.NoError(t, err)

	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.JWTSecret)
	assert.Equal(t, "gpt-4o", cfg.Assistants[0].Responder.Model)
	assert.Empty(t, cfg.Assistants[0].Responder.APIKey)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("HUDDLE_A", "alpha")
	assert.Equal(t, "x-alpha-", expandEnvVars("x-${HUDDLE_A}-${HUDDLE_MISSING}"))
	assert.Equal(t, "no vars", expandEnvVars("no vars"))
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "config.yaml", `
connection:
  ping_interval: "soon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing duration")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantErr: "storage.backend",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Storage.Backend = "sqlite" },
			wantErr: "storage.path",
		},
		{
			name:    "tailscale without hostname",
			mutate:  func(c *Config) { c.Tailscale.Enabled = true },
			wantErr: "tailscale.hostname",
		},
		{
			name: "pong longer than ping",
			mutate: func(c *Config) {
				c.Connection.PongTimeout = Duration(time.Minute)
			},
			wantErr: "pong_timeout",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "short" },
			wantErr: "at least 32 bytes",
		},
		{
			name: "duplicate assistant",
			mutate: func(c *Config) {
				c.Assistants = []AssistantConfig{
					{ID: "a", Responder: ResponderConfig{Type: "echo"}},
					{ID: "a", Responder: ResponderConfig{Type: "echo"}},
				}
			},
			wantErr: "duplicated",
		},
		{
			name: "http responder without url",
			mutate: func(c *Config) {
				c.Assistants = []AssistantConfig{{ID: "a", Responder: ResponderConfig{Type: "http"}}}
			},
			wantErr: "base_url",
		},
		{
			name: "unknown responder",
			mutate: func(c *Config) {
				c.Assistants = []AssistantConfig{{ID: "a", Responder: ResponderConfig{Type: "carrier-pigeon"}}}
			},
			wantErr: "responder.type",
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "zipkin" },
			wantErr: "tracing.exporter",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
