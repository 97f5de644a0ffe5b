// Package connection manages the long-lived duplex connections of human
// participants.
//
// Each Connection moves through a small lifecycle:
//
//	connecting -> connected -> disconnecting -> disconnected
//	                   |  ^
//	                   v  |
//	              reconnecting
//
// Any non-terminal state may also move to failed. The Manager enforces the
// per-conversation participant limit on Join, pings every connection on its
// own heartbeat goroutine, and runs a periodic sweep that removes connections
// whose transport closed, whose heartbeat lapsed, or whose reconnect grace
// expired.
//
// Broadcast fans a payload out to every connected participant of a
// conversation concurrently. A failed send marks only that connection failed.
//
// Membership changes are forwarded to a ConversationRegistry (the
// conversation orchestrator) and announced to the remaining participants as
// participant_update envelopes.
package connection
