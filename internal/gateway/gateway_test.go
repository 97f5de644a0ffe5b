// ABOUTME: End-to-end tests for websocket sessions against an in-memory gateway
// ABOUTME: Covers join, fan-out, acks, capacity errors, replays, assistants and reconnection

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle-gateway/internal/auth"
	"github.com/2389/huddle-gateway/internal/config"
	"github.com/2389/huddle-gateway/internal/connection"
	"github.com/2389/huddle-gateway/internal/protocol"
	"github.com/2389/huddle-gateway/internal/store"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Conversation.SingleModeDelay = config.Duration(time.Millisecond)
	cfg.Conversation.MultiModeDelay = config.Duration(5 * time.Millisecond)
	cfg.Conversation.AckTimeout = config.Duration(time.Second)
	return cfg
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	gw, err := New(cfg, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return gw, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server, participantID, name string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set(auth.HeaderParticipantID, participantID)
	header.Set(auth.HeaderParticipantName, name)
	c, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func send(t *testing.T, c *websocket.Conn, in protocol.Inbound) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, in))
}

// readUntil reads envelopes until one of type want arrives.
func readUntil(t *testing.T, c *websocket.Conn, want protocol.OutboundType) *protocol.Outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var out protocol.Outbound
		require.NoError(t, wsjson.Read(ctx, c, &out), "waiting for %s", want)
		if out.Type == want {
			return &out
		}
	}
}

// readMessageFrom reads until a message envelope sent by senderID arrives.
func readMessageFrom(t *testing.T, c *websocket.Conn, senderID string) *store.Message {
	t.Helper()
	for {
		out := readUntil(t, c, protocol.OutboundMessage)
		require.NotNil(t, out.Message)
		if out.Message.SenderID == senderID {
			return out.Message
		}
	}
}

func join(t *testing.T, c *websocket.Conn, conversationID string) *protocol.Outbound {
	t.Helper()
	send(t, c, protocol.Inbound{Type: protocol.InboundJoin, ConversationID: conversationID})
	connected := readUntil(t, c, protocol.OutboundConnected)
	readUntil(t, c, protocol.OutboundHistory)
	return connected
}

func TestWebSocket_JoinReturnsConnectedAndHistory(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")

	send(t, alice, protocol.Inbound{Type: protocol.InboundJoin, ConversationID: "c1"})

	connected := readUntil(t, alice, protocol.OutboundConnected)
	assert.Equal(t, "c1", connected.ConversationID)
	assert.Equal(t, "alice", connected.ParticipantID)
	assert.Equal(t, "multi", connected.Mode)

	history := readUntil(t, alice, protocol.OutboundHistory)
	assert.Empty(t, history.Messages)
}

func TestWebSocket_MessageFanOutAndAck(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")
	bob := dial(t, srv, "bob", "Bob")
	join(t, alice, "c1")
	join(t, bob, "c1")

	update := readUntil(t, alice, protocol.OutboundParticipantUpdate)
	assert.Equal(t, protocol.EventJoined, update.Event)
	assert.Equal(t, "bob", update.ParticipantID)

	send(t, alice, protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: "hi bob"})

	ack := readUntil(t, alice, protocol.OutboundMessageAck)
	assert.Equal(t, int64(1), ack.SequenceID)
	assert.NotEmpty(t, ack.MessageID)

	got := readMessageFrom(t, bob, "alice")
	assert.Equal(t, "hi bob", got.Content)
	assert.Equal(t, int64(1), got.SequenceID)
	assert.Equal(t, ack.MessageID, got.MessageID)
	assert.Equal(t, "Alice", got.SenderName)
}

func TestWebSocket_QueueFull(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Conversation.QueueSizeLimit = 2
	})
	alice := dial(t, srv, "alice", "Alice")
	join(t, alice, "c1")

	for i := 1; i <= 2; i++ {
		send(t, alice, protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: "msg"})
		ack := readUntil(t, alice, protocol.OutboundMessageAck)
		assert.Equal(t, int64(i), ack.SequenceID)
	}

	send(t, alice, protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: "one too many"})
	out := readUntil(t, alice, protocol.OutboundError)
	require.NotNil(t, out.Error)
	assert.Equal(t, protocol.KindQueueFull, out.Error.Kind)
	assert.Equal(t, http.StatusTooManyRequests, out.Error.Code)
	assert.Equal(t, 2, out.Error.CurrentQueueSize)
	assert.Equal(t, 2, out.Error.Limit)
}

func TestWebSocket_ParticipantLimit(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Connection.MaxParticipants = 1
	})
	alice := dial(t, srv, "alice", "Alice")
	bob := dial(t, srv, "bob", "Bob")
	join(t, alice, "c1")

	send(t, bob, protocol.Inbound{Type: protocol.InboundJoin, ConversationID: "c1"})
	out := readUntil(t, bob, protocol.OutboundError)
	require.NotNil(t, out.Error)
	assert.Equal(t, protocol.KindParticipantLimit, out.Error.Kind)
	assert.Equal(t, http.StatusForbidden, out.Error.Code)
	assert.Equal(t, 1, out.Error.CurrentCount)
	assert.Equal(t, 1, out.Error.Limit)
}

func TestWebSocket_MessageBeforeJoin(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")

	send(t, alice, protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: "hello?"})
	out := readUntil(t, alice, protocol.OutboundError)
	assert.Equal(t, protocol.KindNotJoined, out.Error.Kind)
}

func TestWebSocket_InvalidEnvelope(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.Write(ctx, websocket.MessageText, []byte(`{"type":"dance"}`)))

	out := readUntil(t, alice, protocol.OutboundError)
	assert.Equal(t, protocol.KindBadRequest, out.Error.Kind)
	assert.Equal(t, http.StatusBadRequest, out.Error.Code)

	// The session survives a bad frame.
	send(t, alice, protocol.Inbound{Type: protocol.InboundPing})
	readUntil(t, alice, protocol.OutboundPong)
}

func TestWebSocket_JoinSecondConversationRejected(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")
	join(t, alice, "c1")

	send(t, alice, protocol.Inbound{Type: protocol.InboundJoin, ConversationID: "c2"})
	out := readUntil(t, alice, protocol.OutboundError)
	assert.Equal(t, protocol.KindBadRequest, out.Error.Kind)
	assert.Contains(t, out.Error.Message, "c1")
}

func TestWebSocket_ReplayedMessageIDReturnsOriginalAck(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")
	join(t, alice, "c1")

	in := protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: "once", MessageID: "client-1"}
	send(t, alice, in)
	first := readUntil(t, alice, protocol.OutboundMessageAck)

	send(t, alice, in)
	second := readUntil(t, alice, protocol.OutboundMessageAck)

	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.SequenceID, second.SequenceID)

	depth, err := gw.Conversations().QueueDepth(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestWebSocket_RateLimited(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Connection.RateLimit = 0.001
		cfg.Connection.RateBurst = 1
	})
	alice := dial(t, srv, "alice", "Alice")
	join(t, alice, "c1")

	send(t, alice, protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: "first"})
	readUntil(t, alice, protocol.OutboundMessageAck)

	send(t, alice, protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: "second"})
	out := readUntil(t, alice, protocol.OutboundError)
	assert.Equal(t, protocol.KindRateLimited, out.Error.Kind)
	assert.Equal(t, http.StatusTooManyRequests, out.Error.Code)
}

func TestWebSocket_AssistantReplies(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Assistants = []config.AssistantConfig{{
			ID:          "parrot",
			DisplayName: "Parrot",
			Responder:   config.ResponderConfig{Type: "echo"},
		}}
	})
	alice := dial(t, srv, "alice", "Alice")
	connected := join(t, alice, "c1")
	assert.Equal(t, "single", connected.Mode)

	send(t, alice, protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: "hello", RequireAck: true})

	// The reply can overtake the ack, so collect both in any order.
	var ack *protocol.Outbound
	var reply *store.Message
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for ack == nil || reply == nil {
		var out protocol.Outbound
		require.NoError(t, wsjson.Read(ctx, alice, &out))
		switch {
		case out.Type == protocol.OutboundMessageAck:
			ack = &out
		case out.Type == protocol.OutboundMessage && out.Message != nil && out.Message.SenderID == "parrot":
			reply = out.Message
		}
	}

	assert.Equal(t, []string{"parrot"}, ack.AckedBy)
	assert.Equal(t, "echo: hello", reply.Content)
	assert.Equal(t, "Parrot", reply.SenderName)
	assert.Equal(t, store.MessageTypeAssistantResponse, reply.Type)
	assert.Equal(t, int64(2), reply.SequenceID)
}

func TestWebSocket_HumanCannotJoinAsAssistant(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Assistants = []config.AssistantConfig{{ID: "parrot", Responder: config.ResponderConfig{Type: "echo"}}}
	})
	impostor := dial(t, srv, "parrot", "Not A Bird")

	send(t, impostor, protocol.Inbound{Type: protocol.InboundJoin, ConversationID: "c1"})
	out := readUntil(t, impostor, protocol.OutboundError)
	require.NotNil(t, out.Error)
	assert.Equal(t, protocol.KindBadRequest, out.Error.Kind)
	assert.Equal(t, http.StatusBadRequest, out.Error.Code)

	// The assistant is still in place for everyone else.
	alice := dial(t, srv, "alice", "Alice")
	join(t, alice, "c1")
	send(t, alice, protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: "still here?"})
	reply := readMessageFrom(t, alice, "parrot")
	assert.Equal(t, "echo: still here?", reply.Content)
}

func TestWebSocket_ModeChangeBroadcast(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Assistants = []config.AssistantConfig{{ID: "parrot", Responder: config.ResponderConfig{Type: "echo"}}}
	})
	alice := dial(t, srv, "alice", "Alice")
	bob := dial(t, srv, "bob", "Bob")
	join(t, alice, "c1")
	join(t, bob, "c1")

	change := readUntil(t, alice, protocol.OutboundModeChange)
	assert.Equal(t, "multi", change.Mode)
	assert.Equal(t, int64(5), change.InputTimeoutMS)
}

func TestWebSocket_LeaveNotifiesOthers(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")
	bob := dial(t, srv, "bob", "Bob")
	join(t, alice, "c1")
	join(t, bob, "c1")
	readUntil(t, alice, protocol.OutboundParticipantUpdate)

	send(t, bob, protocol.Inbound{Type: protocol.InboundLeave, ConversationID: "c1"})

	update := readUntil(t, alice, protocol.OutboundParticipantUpdate)
	assert.Equal(t, protocol.EventLeft, update.Event)
	assert.Equal(t, "bob", update.ParticipantID)
	assert.Equal(t, 1, update.ParticipantCount)

	// Bob's socket stays usable after leaving.
	send(t, bob, protocol.Inbound{Type: protocol.InboundPing})
	readUntil(t, bob, protocol.OutboundPong)

	_, ok := gw.Connections().Lookup("c1", "bob")
	assert.False(t, ok)
}

func TestWebSocket_CleanCloseIsLeave(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")
	bob := dial(t, srv, "bob", "Bob")
	join(t, alice, "c1")
	join(t, bob, "c1")
	readUntil(t, alice, protocol.OutboundParticipantUpdate)

	_ = bob.Close(websocket.StatusNormalClosure, "bye")

	update := readUntil(t, alice, protocol.OutboundParticipantUpdate)
	assert.Equal(t, protocol.EventLeft, update.Event)
	assert.Equal(t, "bob", update.ParticipantID)
}

func TestWebSocket_ResumeWithinGrace(t *testing.T) {
	gw, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Connection.ReconnectGrace = config.Duration(time.Minute)
	})
	alice := dial(t, srv, "alice", "Alice")
	bob := dial(t, srv, "bob", "Bob")
	join(t, alice, "c1")
	join(t, bob, "c1")
	readUntil(t, alice, protocol.OutboundParticipantUpdate)

	// Abrupt drop: no close handshake.
	require.NoError(t, bob.CloseNow())

	require.Eventually(t, func() bool {
		conn, ok := gw.Connections().Lookup("c1", "bob")
		return ok && conn.State() == connection.StateReconnecting
	}, 5*time.Second, 10*time.Millisecond)

	send(t, alice, protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: "while you were out"})
	readUntil(t, alice, protocol.OutboundMessageAck)
	require.Eventually(t, func() bool {
		msgs, err := gw.Conversations().Messages(t.Context(), "c1", 0, 0)
		return err == nil && len(msgs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	bob2 := dial(t, srv, "bob", "Bob")
	send(t, bob2, protocol.Inbound{Type: protocol.InboundJoin, ConversationID: "c1"})
	readUntil(t, bob2, protocol.OutboundConnected)
	history := readUntil(t, bob2, protocol.OutboundHistory)

	require.NotEmpty(t, history.Messages)
	assert.Equal(t, "while you were out", history.Messages[len(history.Messages)-1].Content)

	conn, ok := gw.Connections().Lookup("c1", "bob")
	require.True(t, ok)
	assert.Equal(t, connection.StateConnected, conn.State())
}

func TestWebSocket_RequiresIdentity(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_QueryToken(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = secret
	})
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	token, err := verifier.Generate(auth.Identity{ParticipantID: "carol", DisplayName: "Carol"}, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv)+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })

	connected := join(t, c, "c1")
	assert.Equal(t, "carol", connected.ParticipantID)
}
