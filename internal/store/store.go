// ABOUTME: Data model and Backend contract for huddle-gateway persistence
// ABOUTME: Defines Message, Conversation, ParticipantInfo and the queue-full condition

package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConversationExists is returned when creating a conversation that already exists
var ErrConversationExists = errors.New("conversation already exists")

// MessageType enumerates the variants a message can take
type MessageType string

const (
	MessageTypeText              MessageType = "text"               // Human-authored message
	MessageTypeSystem            MessageType = "system"             // Gateway-authored notice
	MessageTypeAssistantResponse MessageType = "assistant_response" // Reply produced by an assistant
	MessageTypeError             MessageType = "error"              // Error surfaced into the conversation
)

// MessageStatus tracks a message through delivery
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusDelivered  MessageStatus = "delivered"
	StatusFailed     MessageStatus = "failed"
)

// MetadataAcknowledgedBy is the metadata key carrying the ids of assistants that acknowledged delivery
const MetadataAcknowledgedBy = "acknowledged_by"

// Message is a single entry in a conversation. Treat values as immutable once
// SequenceID has been assigned: derive copies with the With* helpers instead.
type Message struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	SequenceID     int64          `json:"sequence_id"` // 0 until assigned by the storage client
	SenderID       string         `json:"sender_id"`
	SenderName     string         `json:"sender_name"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"message_type"`
	Status         MessageStatus  `json:"status"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a pending message with a fresh id and the current timestamp.
func NewMessage(conversationID, senderID, senderName, content string, msgType MessageType) *Message {
	return &Message{
		MessageID:      uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderName,
		Content:        content,
		Type:           msgType,
		Status:         StatusPending,
		Timestamp:      time.Now().UTC(),
	}
}

// Clone returns a copy that shares no mutable state with m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = maps.Clone(m.Metadata)
	}
	return &c
}

// WithSequence returns a copy of m carrying the given sequence id.
func (m *Message) WithSequence(seq int64) *Message {
	c := m.Clone()
	c.SequenceID = seq
	return c
}

// WithStatus returns a copy of m carrying the given status.
func (m *Message) WithStatus(status MessageStatus) *Message {
	c := m.Clone()
	c.Status = status
	return c
}

// WithMetadata returns a copy of m with key set to value.
func (m *Message) WithMetadata(key string, value any) *Message {
	c := m.Clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
	return c
}

// ParticipantType distinguishes humans from assistants
type ParticipantType string

const (
	ParticipantHuman     ParticipantType = "human"
	ParticipantAssistant ParticipantType = "assistant"
)

// ParticipantInfo describes a member of a conversation. Two records with the
// same ParticipantID are the same participant regardless of display name.
type ParticipantInfo struct {
	ParticipantID string          `json:"participant_id"`
	DisplayName   string          `json:"display_name"`
	Type          ParticipantType `json:"participant_type"`
	JoinedAt      time.Time       `json:"joined_at"`
}

// Same reports whether p and other identify the same participant.
func (p ParticipantInfo) Same(other ParticipantInfo) bool {
	return p.ParticipantID == other.ParticipantID
}

// Conversation is the metadata record for a bounded, ordered message stream
type Conversation struct {
	ConversationID     string            `json:"conversation_id"`
	CreatedAt          time.Time         `json:"created_at"`
	ActiveParticipants []ParticipantInfo `json:"active_participants"`
	QueueSizeLimit     int               `json:"queue_size_limit"`
	MessageCount       int               `json:"message_count"`
}

// NewConversation creates an empty conversation record.
func NewConversation(id string, queueSizeLimit int) *Conversation {
	return &Conversation{
		ConversationID:     id,
		CreatedAt:          time.Now().UTC(),
		ActiveParticipants: []ParticipantInfo{},
		QueueSizeLimit:     queueSizeLimit,
	}
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.ActiveParticipants = append([]ParticipantInfo(nil), c.ActiveParticipants...)
	return &out
}

// AddParticipant inserts p unless a participant with the same id is present.
// Returns false if p was already a member.
func (c *Conversation) AddParticipant(p ParticipantInfo) bool {
	if c.HasParticipant(p.ParticipantID) {
		return false
	}
	c.ActiveParticipants = append(c.ActiveParticipants, p)
	return true
}

// RemoveParticipant drops the participant with the given id.
// Returns false if no such participant was present.
func (c *Conversation) RemoveParticipant(participantID string) bool {
	for i, p := range c.ActiveParticipants {
		if p.ParticipantID == participantID {
			c.ActiveParticipants = append(c.ActiveParticipants[:i], c.ActiveParticipants[i+1:]...)
			return true
		}
	}
	return false
}

// HasParticipant reports whether the participant id is a member.
func (c *Conversation) HasParticipant(participantID string) bool {
	for _, p := range c.ActiveParticipants {
		if p.ParticipantID == participantID {
			return true
		}
	}
	return false
}

// QueueFullError signals that a conversation holds as many messages as its limit allows.
type QueueFullError struct {
	ConversationID   string
	CurrentQueueSize int
	Limit            int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("conversation %s queue full: %d/%d messages", e.ConversationID, e.CurrentQueueSize, e.Limit)
}

// Code returns the machine-checkable status for the condition (HTTP 429 equivalent).
func (e *QueueFullError) Code() int {
	return 429
}

// IsQueueFull reports whether err carries a QueueFullError.
func IsQueueFull(err error) bool {
	var qf *QueueFullError
	return errors.As(err, &qf)
}

// Backend is the contract every durable engine implements. Implementations
// must be safe for concurrent use.
type Backend interface {
	// StoreMessage persists msg. Storing an already-stored message id is a no-op.
	// Returns *QueueFullError when the conversation already holds QueueSizeLimit messages,
	// and ErrNotFound when the conversation does not exist.
	StoreMessage(ctx context.Context, msg *Message) error

	// GetConversationMessages returns messages ordered by sequence id ascending,
	// restricted to SequenceID > afterSequenceID and capped to the most recent limit.
	// A limit of 0 or less returns every matching message.
	GetConversationMessages(ctx context.Context, conversationID string, limit int, afterSequenceID int64) ([]*Message, error)

	// NextSequenceID allocates the next sequence id for the conversation, starting at 1.
	NextSequenceID(ctx context.Context, conversationID string) (int64, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	DeleteConversation(ctx context.Context, conversationID string) error

	// Close releases any resources held by the backend
	Close() error
}
