// ABOUTME: Participant contract with Human and Assistant implementations
// ABOUTME: Assistants turn recent history into a responder call and yield at most one reply

package participant

import (
	"context"

	"github.com/2389/huddle-gateway/internal/store"
)

// RecentContext is the conversation state handed to a participant with each message.
type RecentContext struct {
	// Messages precede the routed message, oldest first.
	Messages []*store.Message
	// Sites scopes retrieval for responders that search external content.
	Sites []string
}

// Participant is a member of a conversation that the orchestrator routes messages to.
// There are exactly two implementations: Human and Assistant.
type Participant interface {
	Info() store.ParticipantInfo

	// ProcessMessage handles a routed message and returns a reply, or nil for no reply.
	ProcessMessage(ctx context.Context, msg *store.Message, recent RecentContext) (*store.Message, error)
}

// IsAssistant reports whether p is an assistant participant.
func IsAssistant(p Participant) bool {
	return p.Info().Type == store.ParticipantAssistant
}

// Human is a person connected over a duplex connection. Humans are the source
// of inbound messages; delivery to them goes through the connection layer.
type Human struct {
	info store.ParticipantInfo
}

// NewHuman creates a human participant.
func NewHuman(info store.ParticipantInfo) *Human {
	info.Type = store.ParticipantHuman
	return &Human{info: info}
}

// Info returns the participant record.
func (h *Human) Info() store.ParticipantInfo { return h.info }

// ProcessMessage never replies.
func (h *Human) ProcessMessage(ctx context.Context, msg *store.Message, recent RecentContext) (*store.Message, error) {
	return nil, nil
}

var (
	_ Participant = (*Human)(nil)
	_ Participant = (*Assistant)(nil)
)
