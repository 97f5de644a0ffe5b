// ABOUTME: Wire envelopes exchanged with participants over the duplex connection
// ABOUTME: Inbound join/leave/message/ping and outbound acks, history, updates and errors

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/huddle-gateway/internal/store"
)

// InboundType enumerates envelopes a participant may send.
type InboundType string

const (
	InboundJoin    InboundType = "join"
	InboundLeave   InboundType = "leave"
	InboundMessage InboundType = "message"
	InboundPing    InboundType = "ping"
)

// OutboundType enumerates envelopes the gateway sends.
type OutboundType string

const (
	OutboundConnected         OutboundType = "connected"
	OutboundMessageAck        OutboundType = "message_ack"
	OutboundHistory           OutboundType = "conversation_history"
	OutboundParticipantUpdate OutboundType = "participant_update"
	OutboundModeChange        OutboundType = "mode_change"
	OutboundError             OutboundType = "error"
	OutboundMessage           OutboundType = "message"
	OutboundPong              OutboundType = "pong"
)

// Participant update events
const (
	EventJoined = "joined"
	EventLeft   = "left"
)

// Error kinds carried by error envelopes
const (
	KindQueueFull        = "queue_full"
	KindParticipantLimit = "participant_limit"
	KindRateLimited      = "rate_limited"
	KindBadRequest       = "bad_request"
	KindNotJoined        = "not_joined"
	KindInternal         = "internal"
)

// ErrInvalidEnvelope is returned by Decode for malformed or incomplete input.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Inbound is an envelope received from a participant.
type Inbound struct {
	Type           InboundType `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Content        string      `json:"content,omitempty"`
	Sites          []string    `json:"sites,omitempty"`
	Mode           string      `json:"mode,omitempty"`

	// MessageID is an optional client-generated id used to recognize retries.
	MessageID string `json:"message_id,omitempty"`
	// RequireAck asks the gateway to wait for assistant acknowledgments before acking.
	RequireAck bool `json:"require_ack,omitempty"`
	// AfterSequenceID limits join history to messages after this sequence id.
	AfterSequenceID int64 `json:"after_sequence_id,omitempty"`
}

// Decode parses and validates an inbound envelope.
func Decode(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch in.Type {
	case InboundJoin, InboundLeave:
		if in.ConversationID == "" {
			return nil, fmt.Errorf("%w: %s requires conversation_id", ErrInvalidEnvelope, in.Type)
		}
	case InboundMessage:
		if in.ConversationID == "" {
			return nil, fmt.Errorf("%w: message requires conversation_id", ErrInvalidEnvelope)
		}
		if in.Content == "" {
			return nil, fmt.Errorf("%w: message requires content", ErrInvalidEnvelope)
		}
	case InboundPing:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, in.Type)
	}
	return &in, nil
}

// ErrorBody describes a failure. Code is machine-checkable (HTTP-style status).
type ErrorBody struct {
	Kind             string `json:"kind"`
	Code             int    `json:"code"`
	Message          string `json:"message"`
	CurrentQueueSize int    `json:"current_queue_size,omitempty"`
	CurrentCount     int    `json:"current_count,omitempty"`
	Limit            int    `json:"limit,omitempty"`
}

// Outbound is an envelope sent to a participant. Only the fields relevant to
// Type are populated.
type Outbound struct {
	Type           OutboundType `json:"type"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`

	// connected
	ParticipantID string `json:"participant_id,omitempty"`

	// message_ack
	MessageID  string   `json:"message_id,omitempty"`
	SequenceID int64    `json:"sequence_id,omitempty"`
	AckedBy    []string `json:"acknowledged_by,omitempty"`

	// message
	Message *store.Message `json:"message,omitempty"`

	// conversation_history
	Messages []*store.Message `json:"messages,omitempty"`

	// participant_update
	Event            string                  `json:"event,omitempty"`
	Participants     []store.ParticipantInfo `json:"participants,omitempty"`
	ParticipantCount int                     `json:"participant_count,omitempty"`

	// mode_change (also set on connected)
	Mode           string `json:"mode,omitempty"`
	InputTimeoutMS int64  `json:"input_timeout_ms,omitempty"`

	// error
	Error *ErrorBody `json:"error,omitempty"`
}

// Encode marshals an outbound envelope.
func Encode(out *Outbound) ([]byte, error) {
	return json.Marshal(out)
}

// MustEncode marshals an envelope whose fields are all plain data.
// Outbound contains no types that can fail to marshal, so this never panics in practice.
func MustEncode(out *Outbound) []byte {
	b, err := json.Marshal(out)
	if err != nil {
		panic(fmt.Sprintf("protocol: encoding %s envelope: %v", out.Type, err))
	}
	return b
}

func now() time.Time { return time.Now().UTC() }

// Connected confirms a join.
func Connected(conversationID, participantID, mode string, inputTimeout time.Duration) *Outbound {
	return &Outbound{
		Type:           OutboundConnected,
		ConversationID: conversationID,
		ParticipantID:  participantID,
		Mode:           mode,
		InputTimeoutMS: inputTimeout.Milliseconds(),
		Timestamp:      now(),
	}
}

// MessageAck confirms acceptance of msg with its assigned sequence id.
func MessageAck(msg *store.Message) *Outbound {
	out := &Outbound{
		Type:           OutboundMessageAck,
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		SequenceID:     msg.SequenceID,
		Timestamp:      now(),
	}
	if ids, ok := msg.Metadata[store.MetadataAcknowledgedBy].([]string); ok {
		out.AckedBy = ids
	}
	return out
}

// MessageEnvelope carries a delivered conversation message.
func MessageEnvelope(msg *store.Message) *Outbound {
	return &Outbound{
		Type:           OutboundMessage,
		ConversationID: msg.ConversationID,
		Message:        msg,
		Timestamp:      now(),
	}
}

// History carries recent conversation messages, oldest first.
func History(conversationID string, msgs []*store.Message) *Outbound {
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return &Outbound{
		Type:           OutboundHistory,
		ConversationID: conversationID,
		Messages:       msgs,
		Timestamp:      now(),
	}
}

// ParticipantUpdate announces a join or leave with the refreshed participant list.
func ParticipantUpdate(conversationID, event, participantID string, participants []store.ParticipantInfo) *Outbound {
	return &Outbound{
		Type:             OutboundParticipantUpdate,
		ConversationID:   conversationID,
		Event:            event,
		ParticipantID:    participantID,
		Participants:     participants,
		ParticipantCount: len(participants),
		Timestamp:        now(),
	}
}

// ModeChange announces a new conversation mode and its batching delay.
func ModeChange(conversationID, mode string, inputTimeout time.Duration) *Outbound {
	return &Outbound{
		Type:           OutboundModeChange,
		ConversationID: conversationID,
		Mode:           mode,
		InputTimeoutMS: inputTimeout.Milliseconds(),
		Timestamp:      now(),
	}
}

// Pong answers a ping.
func Pong() *Outbound {
	return &Outbound{Type: OutboundPong, Timestamp: now()}
}

// codedError is implemented by capacity errors that carry their own status.
type codedError interface {
	error
	Code() int
	Kind() string
}

// limitError is implemented by errors that report a current count against a limit.
type limitError interface {
	Counts() (current, limit int)
}

// ErrorEnvelope maps err onto an error envelope. Queue-full and other coded
// errors keep their kind and code; anything else is reported as internal.
func ErrorEnvelope(conversationID string, err error) *Outbound {
	body := &ErrorBody{Kind: KindInternal, Code: 500, Message: err.Error()}

	var qf *store.QueueFullError
	var coded codedError
	switch {
	case errors.As(err, &qf):
		body.Kind = KindQueueFull
		body.Code = qf.Code()
		body.CurrentQueueSize = qf.CurrentQueueSize
		body.Limit = qf.Limit
	case errors.As(err, &coded):
		body.Kind = coded.Kind()
		body.Code = coded.Code()
		if le, ok := coded.(limitError); ok {
			body.CurrentCount, body.Limit = le.Counts()
		}
	case errors.Is(err, ErrInvalidEnvelope):
		body.Kind = KindBadRequest
		body.Code = 400
	}

	return &Outbound{
		Type:           OutboundError,
		ConversationID: conversationID,
		Error:          body,
		Timestamp:      now(),
	}
}

// Errorf builds an error envelope of an explicit kind.
func Errorf(conversationID, kind string, code int, format string, args ...any) *Outbound {
	return &Outbound{
		Type:           OutboundError,
		ConversationID: conversationID,
		Error:          &ErrorBody{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)},
		Timestamp:      now(),
	}
}
