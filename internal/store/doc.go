// Package store provides the conversation data model and its persistence.
//
// # Architecture
//
// Three layers, leaf first:
//
//   - Backend: the durable engine contract (StoreMessage, GetConversationMessages,
//     NextSequenceID, conversation CRUD). Implementations: MemoryBackend,
//     SQLiteBackend (modernc.org/sqlite) and BoltBackend (go.etcd.io/bbolt).
//   - Cache: an LRU of conversations, each with a bounded buffer of its most
//     recent messages. A single mutex guards every operation.
//   - Client: the facade the orchestrator talks to. It serializes sequence
//     allocation per conversation, admits messages against the queue limit
//     and keeps the cache in step with the backend.
//
// # Queue depth
//
// A conversation's depth is its stored message count plus messages that were
// admitted but are still being persisted. Client.Admit and Client.QueueDepth
// read the same counter, so the admission check and the reported metric
// cannot drift apart.
//
// # SQLite Configuration
//
// The SQLite backend runs in WAL mode on a single connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
//   - ErrNotFound: requested conversation does not exist
//   - ErrConversationExists: conversation id already taken
//   - *QueueFullError: conversation is at its queue_size_limit (Code 429)
//
// # Testing
//
// Use NewMemoryBackend() behind a Client for unit tests; the conformance suite
// in backend_test.go runs against every Backend.
package store
