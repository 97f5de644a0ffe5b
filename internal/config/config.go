// ABOUTME: Configuration loading and parsing for huddle-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete huddle-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Storage      StorageConfig      `yaml:"storage" toml:"storage"`
	Cache        CacheConfig        `yaml:"cache" toml:"cache"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Connection   ConnectionConfig   `yaml:"connection" toml:"connection"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Assistants   []AssistantConfig  `yaml:"assistants" toml:"assistants"`
	Tracing      TracingConfig      `yaml:"tracing" toml:"tracing"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string   `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	// AllowedOrigins are host patterns accepted on websocket upgrades in addition to same-origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// StorageConfig selects the durable backend
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // memory, sqlite, bolt
	Path    string `yaml:"path" toml:"path"`
}

// CacheConfig bounds the in-process conversation cache
type CacheConfig struct {
	MaxConversations           int `yaml:"max_conversations" toml:"max_conversations"`
	MaxMessagesPerConversation int `yaml:"max_messages_per_conversation" toml:"max_messages_per_conversation"`
}

// ConversationConfig tunes the orchestrator
type ConversationConfig struct {
	QueueSizeLimit   int      `yaml:"queue_size_limit" toml:"queue_size_limit"`
	SingleModeDelay  Duration `yaml:"single_mode_delay" toml:"single_mode_delay"`
	MultiModeDelay   Duration `yaml:"multi_mode_delay" toml:"multi_mode_delay"`
	AssistantTimeout Duration `yaml:"assistant_timeout" toml:"assistant_timeout"`
	AckTimeout       Duration `yaml:"ack_timeout" toml:"ack_timeout"`
	HistoryLimit     int      `yaml:"history_limit" toml:"history_limit"`
	HumanContext     int      `yaml:"human_context" toml:"human_context"`
	AssistantContext int      `yaml:"assistant_context" toml:"assistant_context"`
	FailureHistory   int      `yaml:"failure_history" toml:"failure_history"`
}

// ConnectionConfig tunes participant connections
type ConnectionConfig struct {
	MaxParticipants int      `yaml:"max_participants" toml:"max_participants"`
	PingInterval    Duration `yaml:"ping_interval" toml:"ping_interval"`
	PongTimeout     Duration `yaml:"pong_timeout" toml:"pong_timeout"`
	SweepInterval   Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	ReconnectGrace  Duration `yaml:"reconnect_grace" toml:"reconnect_grace"`
	SendTimeout     Duration `yaml:"send_timeout" toml:"send_timeout"`
	RateLimit       float64  `yaml:"rate_limit" toml:"rate_limit"` // inbound messages per second per session
	RateBurst       int      `yaml:"rate_burst" toml:"rate_burst"`
	DedupeTTL       Duration `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// AuthConfig holds identity verification configuration.
// With no secret, identities are taken from trusted headers or query parameters.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AssistantConfig declares an assistant added to every new conversation
type AssistantConfig struct {
	ID          string          `yaml:"id" toml:"id"`
	DisplayName string          `yaml:"display_name" toml:"display_name"`
	Responder   ResponderConfig `yaml:"responder" toml:"responder"`
}

// ResponderConfig selects the capability an assistant answers with
type ResponderConfig struct {
	Type         string   `yaml:"type" toml:"type"` // openai, http, echo
	BaseURL      string   `yaml:"base_url" toml:"base_url"`
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	Model        string   `yaml:"model" toml:"model"`
	SystemPrompt string   `yaml:"system_prompt" toml:"system_prompt"`
	MaxTokens    int      `yaml:"max_tokens" toml:"max_tokens"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
	Exporter    string  `yaml:"exporter" toml:"exporter"` // stdout, otlp
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Duration is a time.Duration written as a string ("30s", "2m") in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText parses a duration string. Used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML parses a duration string from a YAML scalar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalText renders the duration back to its string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	setString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setDuration := func(v *Duration, def time.Duration) {
		if *v == 0 {
			*v = Duration(def)
		}
	}

	if !c.Tailscale.Enabled {
		setString(&c.Server.HTTPAddr, "127.0.0.1:8080")
	}
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	setString(&c.Storage.Backend, "memory")

	setInt(&c.Cache.MaxConversations, 1000)
	setInt(&c.Cache.MaxMessagesPerConversation, 100)

	setInt(&c.Conversation.QueueSizeLimit, 1000)
	setDuration(&c.Conversation.SingleModeDelay, 100*time.Millisecond)
	setDuration(&c.Conversation.MultiModeDelay, 2000*time.Millisecond)
	setDuration(&c.Conversation.AssistantTimeout, 20*time.Second)
	setDuration(&c.Conversation.AckTimeout, 5*time.Second)
	setInt(&c.Conversation.HistoryLimit, 50)
	setInt(&c.Conversation.HumanContext, 5)
	setInt(&c.Conversation.AssistantContext, 3)
	setInt(&c.Conversation.FailureHistory, 100)

	setInt(&c.Connection.MaxParticipants, 10)
	setDuration(&c.Connection.PingInterval, 30*time.Second)
	setDuration(&c.Connection.PongTimeout, 10*time.Second)
	setDuration(&c.Connection.SweepInterval, 60*time.Second)
	setDuration(&c.Connection.SendTimeout, 5*time.Second)
	setDuration(&c.Connection.DedupeTTL, 5*time.Minute)
	if c.Connection.RateLimit == 0 {
		c.Connection.RateLimit = 5
	}
	setInt(&c.Connection.RateBurst, 10)

	for i := range c.Assistants {
		a := &c.Assistants[i]
		setString(&a.DisplayName, a.ID)
		setString(&a.Responder.Type, "echo")
	}

	setString(&c.Tracing.ServiceName, "huddle-gateway")
	setString(&c.Tracing.Exporter, "stdout")
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Storage.Backend {
	case "memory":
	case "sqlite", "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, sqlite, bolt", c.Storage.Backend)
	}

	if c.Cache.MaxConversations < 1 || c.Cache.MaxMessagesPerConversation < 1 {
		return fmt.Errorf("cache limits must be positive")
	}
	if c.Conversation.QueueSizeLimit < 1 {
		return fmt.Errorf("conversation.queue_size_limit must be positive")
	}
	if c.Connection.MaxParticipants < 1 {
		return fmt.Errorf("connection.max_participants must be positive")
	}
	if c.Connection.PongTimeout > c.Connection.PingInterval {
		return fmt.Errorf("connection.pong_timeout (%s) must not exceed ping_interval (%s)",
			c.Connection.PongTimeout.Std(), c.Connection.PingInterval.Std())
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes, got %d", len(c.Auth.JWTSecret))
	}

	seen := make(map[string]bool, len(c.Assistants))
	for i, a := range c.Assistants {
		if a.ID == "" {
			return fmt.Errorf("assistants[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("assistants[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
		switch a.Responder.Type {
		case "echo", "openai":
		case "http":
			if a.Responder.BaseURL == "" {
				return fmt.Errorf("assistants[%d].responder.base_url is required for http responders", i)
			}
		default:
			return fmt.Errorf("assistants[%d].responder.type %q is not one of openai, http, echo", i, a.Responder.Type)
		}
	}

	switch c.Tracing.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter %q is not one of stdout, otlp", c.Tracing.Exporter)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}
