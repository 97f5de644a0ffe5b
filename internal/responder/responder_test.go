// ABOUTME: Tests for the OpenAI, HTTP and echo responders
// ABOUTME: OpenAI uses a mocked chat client; HTTP runs against httptest servers

package responder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle-gateway/internal/participant"
)

type MockChatClient struct {
	mock.Mock
}

func (m *MockChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func sampleContext() participant.ResponseContext {
	return participant.ResponseContext{
		PreviousHumanQueries:     []participant.HumanQuery{{Query: "what is go", UserID: "u1"}},
		PreviousAssistantAnswers: []string{"a language"},
	}
}

func TestOpenAI_Respond(t *testing.T) {
	client := new(MockChatClient)
	client.On("CreateChatCompletion", mock.Anything, mock.MatchedBy(func(req openai.ChatCompletionRequest) bool {
		return req.Model == "test-model" &&
			len(req.Messages) == 3 &&
			req.Messages[1].Role == openai.ChatMessageRoleSystem &&
			req.Messages[2].Content == "who made it?"
	})).Return(openai.ChatCompletionResponse{
		Model: "test-model",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "  Google  "},
			FinishReason: openai.FinishReasonStop,
		}},
	}, nil)

	r := NewOpenAIWithClient(client, OpenAIConfig{Model: "test-model"})
	resp, err := r.Respond(t.Context(), "who made it?", sampleContext())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "Google", resp.Content)
	assert.Equal(t, "stop", resp.Metadata["finish_reason"])
	client.AssertExpectations(t)
}

func TestOpenAI_NoContextSkipsHistoryMessage(t *testing.T) {
	client := new(MockChatClient)
	client.On("CreateChatCompletion", mock.Anything, mock.MatchedBy(func(req openai.ChatCompletionRequest) bool {
		return len(req.Messages) == 2
	})).Return(openai.ChatCompletionResponse{}, nil)

	resp, err := NewOpenAIWithClient(client, OpenAIConfig{}).Respond(t.Context(), "hi", participant.ResponseContext{})
	require.NoError(t, err)
	assert.Nil(t, resp, "no choices means no answer")
}

func TestOpenAI_RateLimitIsCapacityExceeded(t *testing.T) {
	client := new(MockChatClient)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"})

	_, err := NewOpenAIWithClient(client, OpenAIConfig{}).Respond(t.Context(), "hi", participant.ResponseContext{})
	assert.ErrorIs(t, err, participant.ErrCapacityExceeded)
}

func TestOpenAI_OtherErrorsWrapped(t *testing.T) {
	client := new(MockChatClient)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(openai.ChatCompletionResponse{}, errors.New("dial tcp: refused"))

	_, err := NewOpenAIWithClient(client, OpenAIConfig{}).Respond(t.Context(), "hi", participant.ResponseContext{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, participant.ErrCapacityExceeded)
}

func TestHTTP_Respond(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "who made it?", body.Query)
		assert.Equal(t, "u1", body.Context.PreviousHumanQueries[0].UserID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(queryResponse{Answer: "Google", Metadata: map[string]any{"score": 0.9}})
	}))
	defer srv.Close()

	r := NewHTTP(HTTPConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second})
	resp, err := r.Respond(t.Context(), "who made it?", sampleContext())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "Google", resp.Content)
	assert.Equal(t, 0.9, resp.Metadata["score"])
}

func TestHTTP_StatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantNil      bool
		wantErr      bool
		wantCapacity bool
	}{
		{name: "no content", status: http.StatusNoContent, wantNil: true},
		{name: "declined", status: http.StatusOK, body: `{"declined":true}`, wantNil: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: true, wantCapacity: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantErr: true, wantCapacity: true},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.body != "" {
					w.Header().Set("Content-Type", "application/json")
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			resp, err := NewHTTP(HTTPConfig{BaseURL: srv.URL}).Respond(t.Context(), "q", participant.ResponseContext{})
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantCapacity, errors.Is(err, participant.ErrCapacityExceeded))
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, resp)
			}
		})
	}
}

func TestEcho(t *testing.T) {
	e := &Echo{Prefix: "> "}
	resp, err := e.Respond(t.Context(), "hello", sampleContext())
	require.NoError(t, err)
	assert.Equal(t, "> hello", resp.Content)
	assert.Equal(t, 1, resp.Metadata["context_queries"])

	slow := &Echo{Delay: time.Second}
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Respond(ctx, "hello", participant.ResponseContext{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew(t *testing.T) {
	for _, typ := range []string{"openai", "http", "echo", ""} {
		r, err := New(Config{Type: typ, BaseURL: "http://localhost:1"})
		require.NoError(t, err, typ)
		assert.NotNil(t, r)
	}

	_, err := New(Config{Type: "carrier-pigeon"})
	assert.Error(t, err)
}
