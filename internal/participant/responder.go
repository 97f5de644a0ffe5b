// ABOUTME: Contract for the external engine that produces assistant answers
// ABOUTME: Carries prior human queries and assistant answers as context

package participant

import (
	"context"
	"errors"
)

// ErrCapacityExceeded is returned by a responder that is over its capacity.
// Assistants treat it, like every other responder error, as no reply.
var ErrCapacityExceeded = errors.New("responder capacity exceeded")

// HumanQuery is a previous human message and who sent it.
type HumanQuery struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
}

// ResponseContext is the history a responder sees alongside the current query.
type ResponseContext struct {
	PreviousHumanQueries     []HumanQuery `json:"previous_human_queries"`
	PreviousAssistantAnswers []string     `json:"previous_assistant_answers"`
	Sites                    []string     `json:"sites,omitempty"`
}

// Response is a responder's answer.
type Response struct {
	Content  string
	Metadata map[string]any
}

// Responder answers a query given recent conversation context. A nil
// Response with a nil error means the responder declined to answer.
type Responder interface {
	Respond(ctx context.Context, query string, rc ResponseContext) (*Response, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, query string, rc ResponseContext) (*Response, error)

// Respond calls f.
func (f ResponderFunc) Respond(ctx context.Context, query string, rc ResponseContext) (*Response, error) {
	return f(ctx, query, rc)
}
