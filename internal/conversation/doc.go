// Package conversation orchestrates message flow inside a conversation.
//
// # Manager
//
// The Manager is the only path a message takes into a conversation:
//
//	mgr := conversation.NewManager(cfg, storageClient, connections, logger)
//	msg, err := mgr.ProcessMessage(ctx, msg, requireAck)
//
// ProcessMessage:
//
//  1. Admits the message through the Storage Client, which rejects it with a
//     *store.QueueFullError when the conversation's queue is at its limit
//  2. Assigns the next sequence id
//  3. Delivers to every other participant concurrently: humans through the
//     Broadcaster, assistants through a registered job
//  4. Optionally attaches the ids of assistants that acknowledged
//  5. Persists asynchronously, retrying transient backend errors
//
// A participant that fails, panics or times out is recorded in the
// conversation's failure list and never affects delivery to the others.
//
// # Modes
//
// A conversation with exactly one human and one assistant is in single mode
// and assistants answer after a short batching delay. Any other mix is multi
// mode with a longer delay, so several humans typing at once get one
// assistant turn rather than one per message. Mode transitions are broadcast
// to humans as mode_change envelopes.
//
// # Assistant jobs
//
// Each assistant's work on a message is a Job. When a conversation's
// outstanding jobs reach its queue limit the oldest job is cancelled to make
// room. Replies from assistants are submitted back through ProcessMessage.
package conversation
