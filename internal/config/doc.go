// Package config handles configuration loading for huddle-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion. Missing values fall back to defaults and the
// result is validated before it is returned.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${HUDDLE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	connection:
//	  ping_interval: "30s"
//	  pong_timeout: "10s"
//	  reconnect_grace: "2m"
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	storage:
//	  backend: "sqlite"        # memory, sqlite, bolt
//	  path: "/var/lib/huddle/huddle.db"
//
// Conversations:
//
//	conversation:
//	  queue_size_limit: 1000
//	  single_mode_delay: "100ms"
//	  multi_mode_delay: "2s"
//	  assistant_timeout: "20s"
//
// Assistants joined to every new conversation:
//
//	assistants:
//	  - id: "guide"
//	    display_name: "Guide"
//	    responder:
//	      type: "openai"        # openai, http, echo
//	      api_key: "${OPENAI_API_KEY}"
//
// Tracing and logging:
//
//	tracing:
//	  enabled: true
//	  exporter: "otlp"          # stdout, otlp
//	  endpoint: "localhost:4318"
//	logging:
//	  level: "info"             # debug, info, warn, error
//	  format: "text"            # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/huddle/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
