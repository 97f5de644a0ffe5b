// ABOUTME: Storage Client facade over a Backend with the conversation cache in front
// ABOUTME: Owns sequence allocation, queue admission and the single queue-depth counter

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// convState is the per-conversation lock and queue accounting.
type convState struct {
	mu       sync.Mutex
	loaded   bool
	stored   int                 // messages durably stored
	limit    int                 // queue_size_limit
	reserved map[string]struct{} // admitted message ids not yet stored
}

// Client fronts a Backend with a Cache. Sequence allocation and admission are
// serialized per conversation; unrelated conversations never share a lock.
type Client struct {
	backend Backend
	cache   *Cache
	logger  *slog.Logger

	statesMu sync.Mutex
	states   map[string]*convState
}

// NewClient creates a Client. A nil cache gets a small default one.
func NewClient(backend Backend, cache *Cache, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NewCache(100, 100)
	}
	return &Client{
		backend: backend,
		cache:   cache,
		logger:  logger.With("component", "storage_client"),
		states:  make(map[string]*convState),
	}
}

func (c *Client) state(conversationID string) *convState {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()

	st, ok := c.states[conversationID]
	if !ok {
		st = &convState{reserved: make(map[string]struct{})}
		c.states[conversationID] = st
	}
	return st
}

// loadLocked fills st from the backend record on first use. Must be called with st.mu held.
func (c *Client) loadLocked(ctx context.Context, st *convState, conversationID string) error {
	if st.loaded {
		return nil
	}
	conv, err := c.backend.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	st.stored = conv.MessageCount
	st.limit = conv.QueueSizeLimit
	st.loaded = true
	return nil
}

// NextSequenceID allocates the next sequence id for a conversation.
func (c *Client) NextSequenceID(ctx context.Context, conversationID string) (int64, error) {
	st := c.state(conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return c.backend.NextSequenceID(ctx, conversationID)
}

// Admit checks queue capacity and, if there is room, reserves a slot for msg
// and returns a copy carrying its new sequence id. The reservation counts
// toward QueueDepth until StoreMessage succeeds or Release is called.
func (c *Client) Admit(ctx context.Context, msg *Message) (*Message, error) {
	st := c.state(msg.ConversationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := c.loadLocked(ctx, st, msg.ConversationID); err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	depth := st.stored + len(st.reserved)
	if st.limit > 0 && depth >= st.limit {
		return nil, &QueueFullError{
			ConversationID:   msg.ConversationID,
			CurrentQueueSize: depth,
			Limit:            st.limit,
		}
	}

	seq, err := c.backend.NextSequenceID(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("allocating sequence id: %w", err)
	}
	st.reserved[msg.MessageID] = struct{}{}
	return msg.WithSequence(seq), nil
}

// Release drops an admission reservation for a message that will never be stored.
func (c *Client) Release(conversationID, messageID string) {
	st := c.state(conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.reserved, messageID)
}

// StoreMessage persists msg through the backend and mirrors it into the cache.
// Storing an id twice is a no-op. Reservations survive failures so callers can retry.
func (c *Client) StoreMessage(ctx context.Context, msg *Message) error {
	if err := c.backend.StoreMessage(ctx, msg); err != nil {
		return err
	}

	st := c.state(msg.ConversationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.reserved[msg.MessageID]; ok {
		delete(st.reserved, msg.MessageID)
		st.stored++
	} else {
		// Not admitted through this client; resync from the backend
		st.loaded = false
		if err := c.loadLocked(ctx, st, msg.ConversationID); err != nil {
			c.logger.Warn("resyncing queue depth", "conversation_id", msg.ConversationID, "error", err)
		}
	}

	c.cache.AddMessage(msg)
	stored := st.stored
	c.cache.mutateConversation(msg.ConversationID, func(conv *Conversation) {
		conv.MessageCount = stored
	})
	return nil
}

// QueueDepth is the number of stored messages plus admitted messages still in flight.
// It is the only queue-depth figure in the system.
func (c *Client) QueueDepth(ctx context.Context, conversationID string) (int, error) {
	st := c.state(conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := c.loadLocked(ctx, st, conversationID); err != nil {
		return 0, err
	}
	return st.stored + len(st.reserved), nil
}

// QueueSizeLimit is the conversation's current queue_size_limit, including
// changes made through UpdateConversation.
func (c *Client) QueueSizeLimit(ctx context.Context, conversationID string) (int, error) {
	st := c.state(conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := c.loadLocked(ctx, st, conversationID); err != nil {
		return 0, err
	}
	return st.limit, nil
}

// GetMessages returns messages ascending by sequence id, served from the cache when it can.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit int, afterSequenceID int64) ([]*Message, error) {
	if msgs, ok := c.cache.GetMessages(conversationID, limit, afterSequenceID); ok {
		return msgs, nil
	}

	st := c.state(conversationID)
	st.mu.Lock()
	tail, err := c.backend.GetConversationMessages(ctx, conversationID, c.cache.maxMessages, 0)
	if err == nil {
		c.cache.Prime(conversationID, tail, len(tail) >= c.cache.maxMessages)
	}
	st.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	if msgs, ok := c.cache.GetMessages(conversationID, limit, afterSequenceID); ok {
		return msgs, nil
	}
	return c.backend.GetConversationMessages(ctx, conversationID, limit, afterSequenceID)
}

// GetConversation reads the conversation record, cache first.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if conv, ok := c.cache.GetConversation(conversationID); ok {
		return conv, nil
	}
	conv, err := c.backend.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c.cache.PutConversation(conv)
	return conv, nil
}

// EnsureConversation returns the conversation, creating it with queueSizeLimit if missing.
// created reports whether this call created it.
func (c *Client) EnsureConversation(ctx context.Context, conversationID string, queueSizeLimit int) (*Conversation, bool, error) {
	conv, err := c.GetConversation(ctx, conversationID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	conv = NewConversation(conversationID, queueSizeLimit)
	err = c.backend.CreateConversation(ctx, conv)
	if errors.Is(err, ErrConversationExists) {
		conv, err = c.GetConversation(ctx, conversationID)
		return conv, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	c.cache.PutConversation(conv)
	c.logger.Info("conversation created", "conversation_id", conversationID, "queue_size_limit", queueSizeLimit)
	return conv.Clone(), true, nil
}

// UpdateConversation replaces the conversation's metadata and refreshes the cache.
func (c *Client) UpdateConversation(ctx context.Context, conv *Conversation) error {
	if err := c.backend.UpdateConversation(ctx, conv); err != nil {
		return err
	}

	st := c.state(conv.ConversationID)
	st.mu.Lock()
	st.limit = conv.QueueSizeLimit
	st.mu.Unlock()

	fresh, err := c.backend.GetConversation(ctx, conv.ConversationID)
	if err != nil {
		c.cache.Remove(conv.ConversationID)
		return nil
	}
	c.cache.PutConversation(fresh)
	return nil
}

// DeleteConversation removes the conversation everywhere.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := c.backend.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	c.cache.Remove(conversationID)

	c.statesMu.Lock()
	delete(c.states, conversationID)
	c.statesMu.Unlock()

	c.logger.Info("conversation deleted", "conversation_id", conversationID)
	return nil
}

// CacheStats exposes the cache counters.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// Close closes the backend.
func (c *Client) Close() error {
	return c.backend.Close()
}
