// Package gateway wires the huddle-gateway server together.
//
// A Gateway owns the storage client, the Connection Manager, the conversation
// orchestrator and the HTTP server. Participants connect over a websocket at
// /ws and exchange JSON envelopes:
//
//	→ {"type":"join","conversation_id":"c1"}
//	← {"type":"connected",...} then {"type":"conversation_history",...}
//	→ {"type":"message","conversation_id":"c1","content":"hi","message_id":"m-1"}
//	← {"type":"message_ack","sequence_id":1,...}
//
// A socket is joined to at most one conversation at a time. Closing the socket
// with a normal or going-away status is a leave; any other end holds the seat
// for the reconnect grace period, and a later join resumes it with the
// messages the participant missed.
//
// Read-only inspection lives under /api and is protected by JWT auth when
// auth.jwt_secret is set. /health and /health/ready are always open.
package gateway
