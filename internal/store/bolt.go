// ABOUTME: BoltDB implementation of the Backend interface using go.etcd.io/bbolt
// ABOUTME: Keeps one nested bucket per conversation with big-endian sequence keys

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations") // conversation id -> boltConversation JSON
	bucketMessages      = []byte("messages")      // conversation id -> nested bucket of seq -> Message JSON
	bucketMessageIDs    = []byte("message_ids")   // conversation id -> nested bucket of message id -> seq
)

// boltConversation is the on-disk conversation record
type boltConversation struct {
	Conversation
	LastSequence int64 `json:"last_sequence"`
}

// BoltBackend implements Backend on a single bbolt file.
type BoltBackend struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltBackend opens (or creates) the bbolt file at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	logger := slog.Default().With("component", "store", "backend", "bolt")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketMessageIDs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("bolt backend initialized", "path", path)
	return &BoltBackend{db: db, logger: logger}, nil
}

// Close closes the bolt file
func (b *BoltBackend) Close() error {
	b.logger.Info("closing bolt backend")
	return b.db.Close()
}

func seqKey(seq int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}

func getConversation(tx *bolt.Tx, conversationID string) (*boltConversation, error) {
	raw := tx.Bucket(bucketConversations).Get([]byte(conversationID))
	if raw == nil {
		return nil, ErrNotFound
	}
	var rec boltConversation
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", conversationID, err)
	}
	if rec.ActiveParticipants == nil {
		rec.ActiveParticipants = []ParticipantInfo{}
	}
	return &rec, nil
}

func putConversation(tx *bolt.Tx, rec *boltConversation) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}
	return tx.Bucket(bucketConversations).Put([]byte(rec.ConversationID), raw)
}

// StoreMessage writes msg under its sequence key and indexes its id.
func (b *BoltBackend) StoreMessage(ctx context.Context, msg *Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		rec, err := getConversation(tx, msg.ConversationID)
		if err != nil {
			return err
		}

		ids, err := tx.Bucket(bucketMessageIDs).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("creating id index: %w", err)
		}
		if ids.Get([]byte(msg.MessageID)) != nil {
			return nil
		}

		if rec.QueueSizeLimit > 0 && rec.MessageCount >= rec.QueueSizeLimit {
			return &QueueFullError{
				ConversationID:   rec.ConversationID,
				CurrentQueueSize: rec.MessageCount,
				Limit:            rec.QueueSizeLimit,
			}
		}

		msgs, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("creating message bucket: %w", err)
		}
		key := seqKey(msg.SequenceID)
		if msgs.Get(key) != nil {
			return fmt.Errorf("sequence %d already used in conversation %s", msg.SequenceID, msg.ConversationID)
		}

		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		if err := msgs.Put(key, raw); err != nil {
			return err
		}
		if err := ids.Put([]byte(msg.MessageID), key); err != nil {
			return err
		}

		rec.MessageCount++
		return putConversation(tx, rec)
	})
}

// GetConversationMessages walks the conversation's bucket in key order.
func (b *BoltBackend) GetConversationMessages(ctx context.Context, conversationID string, limit int, afterSequenceID int64) ([]*Message, error) {
	var out []*Message
	err := b.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if msgs == nil {
			return nil
		}
		c := msgs.Cursor()
		for k, v := c.Seek(seqKey(afterSequenceID + 1)); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("decoding message: %w", err)
			}
			out = append(out, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// NextSequenceID bumps the counter kept on the conversation record.
func (b *BoltBackend) NextSequenceID(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		rec, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		rec.LastSequence++
		seq = rec.LastSequence
		return putConversation(tx, rec)
	})
	return seq, err
}

// CreateConversation stores a new conversation record.
func (b *BoltBackend) CreateConversation(ctx context.Context, conv *Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(conv.ConversationID)) != nil {
			return ErrConversationExists
		}
		rec := &boltConversation{Conversation: *conv.Clone()}
		rec.MessageCount = 0
		return putConversation(tx, rec)
	})
}

// GetConversation loads a conversation record.
func (b *BoltBackend) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv *Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		rec, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		conv = rec.Conversation.Clone()
		return nil
	})
	return conv, err
}

// UpdateConversation replaces participants and limit, preserving counters.
func (b *BoltBackend) UpdateConversation(ctx context.Context, conv *Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		rec, err := getConversation(tx, conv.ConversationID)
		if err != nil {
			return err
		}
		rec.ActiveParticipants = append([]ParticipantInfo(nil), conv.ActiveParticipants...)
		rec.QueueSizeLimit = conv.QueueSizeLimit
		return putConversation(tx, rec)
	})
}

// DeleteConversation drops the record and both nested buckets.
func (b *BoltBackend) DeleteConversation(ctx context.Context, conversationID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		key := []byte(conversationID)
		if tx.Bucket(bucketConversations).Get(key) == nil {
			return ErrNotFound
		}
		if err := tx.Bucket(bucketConversations).Delete(key); err != nil {
			return err
		}
		for _, name := range [][]byte{bucketMessages, bucketMessageIDs} {
			parent := tx.Bucket(name)
			if parent.Bucket(key) != nil {
				if err := parent.DeleteBucket(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Ensure BoltBackend implements Backend
var _ Backend = (*BoltBackend)(nil)
