// ABOUTME: In-memory Backend implementation for tests and single-process deployments
// ABOUTME: Keeps conversations, ordered messages and sequence counters in maps

package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is an in-memory Backend. Nothing survives a restart.
type MemoryBackend struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation       // keyed by conversation ID
	messages      map[string][]*Message          // keyed by conversation ID, ordered by sequence
	messageIDs    map[string]map[string]struct{} // conversation ID -> stored message IDs
	sequences     map[string]int64               // conversation ID -> last allocated sequence
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageIDs:    make(map[string]map[string]struct{}),
		sequences:     make(map[string]int64),
	}
}

// StoreMessage appends a copy of msg, keeping the per-conversation slice sorted by sequence.
func (m *MemoryBackend) StoreMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}

	ids := m.messageIDs[msg.ConversationID]
	if _, dup := ids[msg.MessageID]; dup {
		return nil
	}

	if conv.QueueSizeLimit > 0 && conv.MessageCount >= conv.QueueSizeLimit {
		return &QueueFullError{
			ConversationID:   conv.ConversationID,
			CurrentQueueSize: conv.MessageCount,
			Limit:            conv.QueueSizeLimit,
		}
	}

	if ids == nil {
		ids = make(map[string]struct{})
		m.messageIDs[msg.ConversationID] = ids
	}
	ids[msg.MessageID] = struct{}{}

	list := append(m.messages[msg.ConversationID], msg.Clone())
	// Persistence is asynchronous, so stores can land slightly out of order
	sort.SliceStable(list, func(i, j int) bool { return list[i].SequenceID < list[j].SequenceID })
	m.messages[msg.ConversationID] = list
	conv.MessageCount++

	return nil
}

// GetConversationMessages returns copies of the matching messages in sequence order.
func (m *MemoryBackend) GetConversationMessages(ctx context.Context, conversationID string, limit int, afterSequenceID int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.SequenceID > afterSequenceID {
			result = append(result, msg.Clone())
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// NextSequenceID increments and returns the conversation's counter.
func (m *MemoryBackend) NextSequenceID(ctx context.Context, conversationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return 0, ErrNotFound
	}
	m.sequences[conversationID]++
	return m.sequences[conversationID], nil
}

// CreateConversation stores a new conversation record.
func (m *MemoryBackend) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ConversationID]; ok {
		return ErrConversationExists
	}
	c := conv.Clone()
	c.MessageCount = 0
	m.conversations[c.ConversationID] = c
	return nil
}

// GetConversation returns a copy of the conversation record.
func (m *MemoryBackend) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// UpdateConversation replaces the record's participants and limit.
// MessageCount is owned by StoreMessage and is not overwritten.
func (m *MemoryBackend) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ConversationID]
	if !ok {
		return ErrNotFound
	}
	c := conv.Clone()
	c.MessageCount = existing.MessageCount
	c.CreatedAt = existing.CreatedAt
	m.conversations[c.ConversationID] = c
	return nil
}

// DeleteConversation removes the record, its messages and its sequence counter.
func (m *MemoryBackend) DeleteConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, conversationID)
	delete(m.messages, conversationID)
	delete(m.messageIDs, conversationID)
	delete(m.sequences, conversationID)
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryBackend) Close() error {
	return nil
}

// Ensure MemoryBackend implements Backend
var _ Backend = (*MemoryBackend)(nil)
