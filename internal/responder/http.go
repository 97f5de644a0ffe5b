// ABOUTME: Responder that forwards queries to an external query engine over HTTP
// ABOUTME: Uses resty for JSON requests, timeouts and status handling

package responder

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/huddle-gateway/internal/participant"
)

// HTTPConfig configures an HTTP responder.
type HTTPConfig struct {
	BaseURL string
	Path    string // defaults to /query
	APIKey  string
	Timeout time.Duration
}

type queryRequest struct {
	Query   string                      `json:"query"`
	Context participant.ResponseContext `json:"context"`
}

type queryResponse struct {
	Answer   string         `json:"answer"`
	Declined bool           `json:"declined,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HTTP posts queries to a query engine and relays its answer.
type HTTP struct {
	client *resty.Client
	path   string
}

// NewHTTP builds an HTTP responder.
func NewHTTP(cfg HTTPConfig) *HTTP {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	path := cfg.Path
	if path == "" {
		path = "/query"
	}
	return &HTTP{client: client, path: path}
}

// Respond posts the query. 429 and 503 map to ErrCapacityExceeded; 204 or a
// declined body means no answer.
func (h *HTTP) Respond(ctx context.Context, query string, rc participant.ResponseContext) (*participant.Response, error) {
	var out queryResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(queryRequest{Query: query, Context: rc}).
		SetResult(&out).
		Post(h.path)
	if err != nil {
		return nil, fmt.Errorf("query engine request: %w", err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusNoContent:
		return nil, nil
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: query engine returned %d", participant.ErrCapacityExceeded, code)
	case code >= 400:
		return nil, fmt.Errorf("query engine returned %d: %s", code, resp.String())
	}

	if out.Declined || out.Answer == "" {
		return nil, nil
	}
	return &participant.Response{Content: out.Answer, Metadata: out.Metadata}, nil
}
