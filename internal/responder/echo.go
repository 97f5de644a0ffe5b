// ABOUTME: Local responders for development and tests
// ABOUTME: Echo repeats the query; New builds any configured responder by type

package responder

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/huddle-gateway/internal/participant"
)

// Echo answers every query with the query itself, after an optional delay.
type Echo struct {
	Prefix string
	Delay  time.Duration
}

// Respond returns Prefix + query.
func (e *Echo) Respond(ctx context.Context, query string, rc participant.ResponseContext) (*participant.Response, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	return &participant.Response{
		Content:  e.Prefix + query,
		Metadata: map[string]any{"context_queries": len(rc.PreviousHumanQueries)},
	}, nil
}

// Config selects and configures a responder.
type Config struct {
	Type         string // openai, http, echo
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
}

// New builds the responder named by cfg.Type.
func New(cfg Config) (participant.Responder, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxTokens,
		}), nil
	case "http":
		return NewHTTP(HTTPConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Timeout: cfg.Timeout}), nil
	case "echo", "":
		return &Echo{Prefix: "echo: "}, nil
	default:
		return nil, fmt.Errorf("unknown responder type %q", cfg.Type)
	}
}
