package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage("conv", "u1", "Ada", "hello", MessageTypeText)

	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, int64(0), msg.SequenceID)
	assert.Equal(t, StatusPending, msg.Status)
	assert.False(t, msg.Timestamp.IsZero())

	other := NewMessage("conv", "u1", "Ada", "hello", MessageTypeText)
	assert.NotEqual(t, msg.MessageID, other.MessageID)
}

func TestMessage_WithHelpersDoNotMutate(t *testing.T) {
	msg := NewMessage("conv", "u1", "Ada", "hello", MessageTypeText).WithMetadata("k", "v")

	seq := msg.WithSequence(7)
	status := msg.WithStatus(StatusDelivered)
	meta := msg.WithMetadata("k", "changed")

	assert.Equal(t, int64(0), msg.SequenceID)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, "v", msg.Metadata["k"])

	assert.Equal(t, int64(7), seq.SequenceID)
	assert.Equal(t, StatusDelivered, status.Status)
	assert.Equal(t, "changed", meta.Metadata["k"])
	assert.Equal(t, msg.MessageID, meta.MessageID)
}

func TestParticipantInfo_SameByID(t *testing.T) {
	a := ParticipantInfo{ParticipantID: "p1", DisplayName: "One"}
	b := ParticipantInfo{ParticipantID: "p1", DisplayName: "Renamed"}
	c := ParticipantInfo{ParticipantID: "p2", DisplayName: "One"}

	assert.True(t, a.Same(b))
	assert.False(t, a.Same(c))
}

func TestConversation_ParticipantsUniqueByID(t *testing.T) {
	conv := NewConversation("conv", 10)

	require.True(t, conv.AddParticipant(ParticipantInfo{ParticipantID: "p1", DisplayName: "One"}))
	assert.False(t, conv.AddParticipant(ParticipantInfo{ParticipantID: "p1", DisplayName: "Again"}))
	assert.Len(t, conv.ActiveParticipants, 1)

	assert.True(t, conv.RemoveParticipant("p1"))
	assert.False(t, conv.RemoveParticipant("p1"))
	assert.Empty(t, conv.ActiveParticipants)
}

func TestQueueFullError(t *testing.T) {
	err := &QueueFullError{ConversationID: "conv", CurrentQueueSize: 3, Limit: 3}

	assert.Equal(t, 429, err.Code())
	assert.Contains(t, err.Error(), "conv")
	assert.Contains(t, err.Error(), "3/3")
	assert.True(t, IsQueueFull(err))
	assert.False(t, IsQueueFull(ErrNotFound))
}
