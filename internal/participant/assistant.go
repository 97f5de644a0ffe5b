// ABOUTME: Assistant participant that consults a Responder for replies
// ABOUTME: Responder failures of any kind surface as no reply, never as errors

package participant

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/huddle-gateway/internal/store"
)

// MetadataInReplyTo is set on assistant replies to the id of the message answered.
const MetadataInReplyTo = "in_reply_to"

// AssistantOptions tunes how much history an assistant sends and how long it waits.
type AssistantOptions struct {
	HumanContext     int           // previous human messages to include (default 5)
	AssistantContext int           // previous assistant answers to include (default 3)
	Timeout          time.Duration // bound on a single responder call (default 15s)
	Logger           *slog.Logger
}

// Assistant is an automated participant backed by a Responder.
type Assistant struct {
	info      store.ParticipantInfo
	responder Responder
	opts      AssistantOptions
	logger    *slog.Logger
}

// NewAssistant creates an assistant participant.
func NewAssistant(info store.ParticipantInfo, responder Responder, opts AssistantOptions) *Assistant {
	info.Type = store.ParticipantAssistant
	if opts.HumanContext <= 0 {
		opts.HumanContext = 5
	}
	if opts.AssistantContext <= 0 {
		opts.AssistantContext = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{
		info:      info,
		responder: responder,
		opts:      opts,
		logger:    logger.With("component", "assistant", "participant_id", info.ParticipantID),
	}
}

// Info returns the participant record.
func (a *Assistant) Info() store.ParticipantInfo { return a.info }

// ProcessMessage asks the responder to answer a human text message. It
// returns nil for any other message, when the responder declines, and when
// the responder fails or times out.
func (a *Assistant) ProcessMessage(ctx context.Context, msg *store.Message, recent RecentContext) (*store.Message, error) {
	if msg.Type != store.MessageTypeText || msg.SenderID == a.info.ParticipantID {
		return nil, nil
	}

	rc := a.buildContext(msg, recent)

	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	resp, err := a.responder.Respond(ctx, msg.Content, rc)
	if err != nil {
		switch {
		case errors.Is(err, ErrCapacityExceeded), store.IsQueueFull(err):
			a.logger.Warn("responder over capacity, no reply", "conversation_id", msg.ConversationID, "error", err)
		case errors.Is(err, context.DeadlineExceeded):
			a.logger.Warn("responder timed out, no reply", "conversation_id", msg.ConversationID, "timeout", a.opts.Timeout)
		default:
			a.logger.Error("responder failed, no reply", "conversation_id", msg.ConversationID, "error", err)
		}
		return nil, nil
	}
	if resp == nil || resp.Content == "" {
		a.logger.Debug("responder declined", "conversation_id", msg.ConversationID, "message_id", msg.MessageID)
		return nil, nil
	}

	reply := store.NewMessage(msg.ConversationID, a.info.ParticipantID, a.info.DisplayName, resp.Content, store.MessageTypeAssistantResponse)
	for k, v := range resp.Metadata {
		reply = reply.WithMetadata(k, v)
	}
	return reply.WithMetadata(MetadataInReplyTo, msg.MessageID), nil
}

// buildContext collects the last N human queries (any human) and the last M
// assistant answers (any assistant), oldest first.
func (a *Assistant) buildContext(msg *store.Message, recent RecentContext) ResponseContext {
	var humans []HumanQuery
	var answers []string

	for i := len(recent.Messages) - 1; i >= 0; i-- {
		m := recent.Messages[i]
		if m.MessageID == msg.MessageID {
			continue
		}
		switch m.Type {
		case store.MessageTypeText:
			if len(humans) < a.opts.HumanContext {
				humans = append(humans, HumanQuery{Query: m.Content, UserID: m.SenderID})
			}
		case store.MessageTypeAssistantResponse:
			if len(answers) < a.opts.AssistantContext {
				answers = append(answers, m.Content)
			}
		}
		if len(humans) >= a.opts.HumanContext && len(answers) >= a.opts.AssistantContext {
			break
		}
	}

	slices.Reverse(humans)
	slices.Reverse(answers)
	return ResponseContext{
		PreviousHumanQueries:     humans,
		PreviousAssistantAnswers: answers,
		Sites:                    recent.Sites,
	}
}
