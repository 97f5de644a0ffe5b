// ABOUTME: Tests for the bounded LRU conversation cache
// ABOUTME: Validates conversation eviction, message buffer bounds, coverage checks and stats

package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqMessage(convID string, seq int64) *Message {
	return NewMessage(convID, "u1", "u1", fmt.Sprintf("m%d", seq), MessageTypeText).WithSequence(seq)
}

func TestCache_EvictsLeastRecentlyTouchedConversation(t *testing.T) {
	c := NewCache(2, 10)

	c.PutConversation(NewConversation("a", 10))
	c.PutConversation(NewConversation("b", 10))

	// Touch a so b becomes the least recently used
	_, ok := c.GetConversation("a")
	require.True(t, ok)

	c.PutConversation(NewConversation("c", 10))

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.Equal(t, 2, c.Len())
}

func TestCache_EvictionDropsMessageBuffer(t *testing.T) {
	c := NewCache(1, 10)

	c.AddMessage(seqMessage("a", 1))
	c.AddMessage(seqMessage("b", 1))

	assert.Empty(t, c.Messages("a"))
	assert.Len(t, c.Messages("b"), 1)
}

func TestCache_MessageBufferKeepsMostRecent(t *testing.T) {
	c := NewCache(10, 3)

	for seq := int64(1); seq <= 5; seq++ {
		c.AddMessage(seqMessage("conv", seq))
	}

	msgs := c.Messages("conv")
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(3), msgs[0].SequenceID)
	assert.Equal(t, int64(4), msgs[1].SequenceID)
	assert.Equal(t, int64(5), msgs[2].SequenceID)
}

func TestCache_AddMessage_OrdersAndDedupes(t *testing.T) {
	c := NewCache(10, 10)

	m2 := seqMessage("conv", 2)
	c.AddMessage(m2)
	c.AddMessage(seqMessage("conv", 1))
	c.AddMessage(m2)

	msgs := c.Messages("conv")
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].SequenceID)
	assert.Equal(t, int64(2), msgs[1].SequenceID)
}

func TestCache_GetMessages_RequiresPrime(t *testing.T) {
	c := NewCache(10, 10)
	c.AddMessage(seqMessage("conv", 1))

	_, ok := c.GetMessages("conv", 10, 0)
	assert.False(t, ok)

	c.Prime("conv", []*Message{seqMessage("conv", 1), seqMessage("conv", 2)}, false)
	msgs, ok := c.GetMessages("conv", 10, 0)
	require.True(t, ok)
	assert.Len(t, msgs, 2)

	msgs, ok = c.GetMessages("conv", 10, 1)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), msgs[0].SequenceID)
}

func TestCache_GetMessages_TruncatedCoverage(t *testing.T) {
	c := NewCache(10, 3)
	c.Prime("conv", []*Message{seqMessage("conv", 8), seqMessage("conv", 9), seqMessage("conv", 10)}, true)

	// The two most recent are in the buffer
	msgs, ok := c.GetMessages("conv", 2, 0)
	require.True(t, ok)
	assert.Equal(t, int64(9), msgs[0].SequenceID)

	// Everything after 7 is in the buffer
	msgs, ok = c.GetMessages("conv", 0, 7)
	require.True(t, ok)
	assert.Len(t, msgs, 3)

	// Older history is not
	_, ok = c.GetMessages("conv", 0, 0)
	assert.False(t, ok)
	_, ok = c.GetMessages("conv", 5, 0)
	assert.False(t, ok)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := NewCache(10, 10)
	conv := NewConversation("conv", 10)
	c.PutConversation(conv)

	got, ok := c.GetConversation("conv")
	require.True(t, ok)
	got.AddParticipant(ParticipantInfo{ParticipantID: "x"})

	again, _ := c.GetConversation("conv")
	assert.False(t, again.HasParticipant("x"))
}

func TestCache_Stats(t *testing.T) {
	c := NewCache(10, 10)
	c.PutConversation(NewConversation("conv", 10))

	c.GetConversation("conv")
	c.GetConversation("conv")
	c.GetConversation("missing")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.0001)
	assert.Equal(t, 1, stats.Conversations)
}

func TestCache_Remove(t *testing.T) {
	c := NewCache(10, 10)
	c.PutConversation(NewConversation("conv", 10))
	c.Remove("conv")
	assert.False(t, c.Contains("conv"))
	c.Remove("conv")
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache(5, 20)

	var wg sync.WaitGroup
	for g := range 10 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			convID := fmt.Sprintf("conv-%d", g%7)
			for i := range 100 {
				c.AddMessage(seqMessage(convID, int64(i+1)))
				c.PutConversation(NewConversation(convID, 10))
				c.GetConversation(convID)
				c.GetMessages(convID, 5, 0)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 5)
}
