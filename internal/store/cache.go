// ABOUTME: Bounded LRU cache of recent conversations and their most recent messages
// ABOUTME: One coarse mutex guards every operation; hit/miss counters are exposed read-only

package store

import (
	"container/list"
	"sort"
	"sync"
)

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Conversations int     `json:"conversations"`
}

// cacheEntry holds everything cached for one conversation.
type cacheEntry struct {
	id           string
	conversation *Conversation // nil until a record has been cached
	messages     []*Message    // ascending by SequenceID, at most maxMessages
	primed       bool          // buffer mirrors the backend's tail
	truncated    bool          // older messages exist that are not in the buffer
}

// Cache is an LRU map of conversation id to conversation record and message
// buffer. It never enforces queue limits; that is the backend's job.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*list.Element
	order       *list.List // most recently touched at front
	maxConvs    int
	maxMessages int
	hits        uint64
	misses      uint64
}

// NewCache creates a cache holding at most maxConversations conversations and
// maxMessagesPerConversation messages for each.
func NewCache(maxConversations, maxMessagesPerConversation int) *Cache {
	if maxConversations <= 0 {
		maxConversations = 1
	}
	if maxMessagesPerConversation <= 0 {
		maxMessagesPerConversation = 1
	}
	return &Cache{
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		maxConvs:    maxConversations,
		maxMessages: maxMessagesPerConversation,
	}
}

// entryLocked returns the entry for id, creating it (and evicting the least
// recently touched conversation if full) when create is set. Must be called with mu held.
func (c *Cache) entryLocked(id string, create bool) *cacheEntry {
	if elem, ok := c.entries[id]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry)
	}
	if !create {
		return nil
	}
	if c.order.Len() >= c.maxConvs {
		c.evictOldest()
	}
	e := &cacheEntry{id: id}
	c.entries[id] = c.order.PushFront(e)
	return e
}

// evictOldest removes the least recently touched conversation. Must be called with mu held.
func (c *Cache) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*cacheEntry)
	c.order.Remove(back)
	delete(c.entries, e.id)
}

// GetConversation returns a copy of the cached record.
func (c *Cache) GetConversation(id string) (*Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(id, false)
	if e == nil || e.conversation == nil {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.conversation.Clone(), true
}

// PutConversation caches a copy of conv and marks it most recently used.
func (c *Cache) PutConversation(conv *Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(conv.ConversationID, true)
	e.conversation = conv.Clone()
}

// mutateConversation applies fn to the cached record, if any, without touching counters.
func (c *Cache) mutateConversation(id string, fn func(*Conversation)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		if e := elem.Value.(*cacheEntry); e.conversation != nil {
			fn(e.conversation)
		}
	}
}

// AddMessage inserts msg into its conversation's buffer, evicting the oldest
// message when the buffer is full. Duplicate message ids are ignored.
func (c *Cache) AddMessage(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(msg.ConversationID, true)
	for _, m := range e.messages {
		if m.MessageID == msg.MessageID {
			return
		}
	}

	idx := sort.Search(len(e.messages), func(i int) bool {
		return e.messages[i].SequenceID > msg.SequenceID
	})
	e.messages = append(e.messages, nil)
	copy(e.messages[idx+1:], e.messages[idx:])
	e.messages[idx] = msg.Clone()

	if len(e.messages) > c.maxMessages {
		drop := len(e.messages) - c.maxMessages
		e.messages = append([]*Message(nil), e.messages[drop:]...)
		e.truncated = true
	}
}

// Prime replaces the buffer with the backend's most recent messages. truncated
// reports whether the backend holds older messages than those given.
func (c *Cache) Prime(conversationID string, msgs []*Message, truncated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(conversationID, true)
	if len(msgs) > c.maxMessages {
		msgs = msgs[len(msgs)-c.maxMessages:]
		truncated = true
	}
	e.messages = make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		e.messages = append(e.messages, m.Clone())
	}
	e.primed = true
	e.truncated = truncated
}

// GetMessages answers a message query from the buffer when the buffer is known
// to hold every message the query could return.
func (c *Cache) GetMessages(conversationID string, limit int, afterSequenceID int64) ([]*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(conversationID, false)
	if e == nil || !e.primed {
		c.misses++
		return nil, false
	}

	var out []*Message
	for _, m := range e.messages {
		if m.SequenceID > afterSequenceID {
			out = append(out, m.Clone())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	covered := !e.truncated ||
		(limit > 0 && len(out) == limit) ||
		(len(e.messages) > 0 && afterSequenceID >= e.messages[0].SequenceID-1)
	if !covered {
		c.misses++
		return nil, false
	}
	c.hits++
	return out, true
}

// Messages returns a copy of the raw buffer without touching counters.
func (c *Cache) Messages(conversationID string) []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[conversationID]
	if !ok {
		return nil
	}
	e := elem.Value.(*cacheEntry)
	out := make([]*Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = m.Clone()
	}
	return out
}

// Touch marks the conversation most recently used, if cached.
func (c *Cache) Touch(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(conversationID, false)
}

// Contains reports whether the conversation is cached, without touching it.
func (c *Cache) Contains(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[conversationID]
	return ok
}

// Remove drops the conversation and its buffer.
func (c *Cache) Remove(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[conversationID]; ok {
		c.order.Remove(elem)
		delete(c.entries, conversationID)
	}
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit/miss counters and the derived hit rate.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{Hits: c.hits, Misses: c.misses, Conversations: c.order.Len()}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
