// ABOUTME: Responder backed by an OpenAI-compatible chat completion API
// ABOUTME: Folds recent human queries and assistant answers into the prompt

package responder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/huddle-gateway/internal/participant"
)

const defaultSystemPrompt = "You are a helpful assistant taking part in a group conversation. Answer the latest question accurately and concisely."

// ChatClient is the subset of openai.Client the responder uses; it is easy to mock in tests.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures an OpenAI responder.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// OpenAI answers queries with a chat completion.
type OpenAI struct {
	client       ChatClient
	model        string
	systemPrompt string
	maxTokens    int
}

// NewOpenAI builds a responder with a real client.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAIWithClient(openai.NewClientWithConfig(clientCfg), cfg)
}

// NewOpenAIWithClient builds a responder around an existing client.
func NewOpenAIWithClient(client ChatClient, cfg OpenAIConfig) *OpenAI {
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &OpenAI{
		client:       client,
		model:        model,
		systemPrompt: prompt,
		maxTokens:    cfg.MaxTokens,
	}
}

// Respond sends the query with its context and returns the first choice.
func (o *OpenAI) Respond(ctx context.Context, query string, rc participant.ResponseContext) (*participant.Response, error) {
	req := openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  o.buildMessages(query, rc),
		MaxTokens: o.maxTokens,
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %v", participant.ErrCapacityExceeded, err)
		}
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, nil
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, nil
	}

	return &participant.Response{
		Content: content,
		Metadata: map[string]any{
			"model":         resp.Model,
			"finish_reason": string(resp.Choices[0].FinishReason),
		},
	}, nil
}

func (o *OpenAI) buildMessages(query string, rc participant.ResponseContext) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
	}

	if len(rc.PreviousHumanQueries) > 0 || len(rc.PreviousAssistantAnswers) > 0 || len(rc.Sites) > 0 {
		var b strings.Builder
		if len(rc.PreviousHumanQueries) > 0 {
			b.WriteString("Earlier questions in this conversation:\n")
			for _, q := range rc.PreviousHumanQueries {
				fmt.Fprintf(&b, "- %s: %s\n", q.UserID, q.Query)
			}
		}
		if len(rc.PreviousAssistantAnswers) > 0 {
			b.WriteString("Earlier answers:\n")
			for _, a := range rc.PreviousAssistantAnswers {
				fmt.Fprintf(&b, "- %s\n", a)
			}
		}
		if len(rc.Sites) > 0 {
			fmt.Fprintf(&b, "Restrict answers to these sources: %s\n", strings.Join(rc.Sites, ", "))
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: b.String()})
	}

	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: query})
}
