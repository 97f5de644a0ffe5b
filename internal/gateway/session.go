// ABOUTME: Websocket sessions: one per client socket, joined to at most one conversation
// ABOUTME: Decodes inbound envelopes, applies rate limiting and replay dedupe, and hands messages to the orchestrator

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/huddle-gateway/internal/auth"
	"github.com/2389/huddle-gateway/internal/connection"
	"github.com/2389/huddle-gateway/internal/protocol"
	"github.com/2389/huddle-gateway/internal/store"
)

// MetadataClientMessageID carries the id a client attached to its message.
const MetadataClientMessageID = "client_message_id"

// maxFrameBytes bounds a single inbound websocket message.
const maxFrameBytes = 1 << 16

var errSeatClosed = errors.New("seat closed")

// seat is the Transport a session hands the Connection Manager for one join.
// Closing a seat that is still the session's current one ends the socket:
// the server removed the participant. A seat the client already left is closed quietly.
type seat struct {
	session *session
	closed  atomic.Bool
}

func (t *seat) Send(ctx context.Context, payload []byte) error {
	if t.closed.Load() {
		return errSeatClosed
	}
	return t.session.write(ctx, payload)
}

func (t *seat) Ping(ctx context.Context) error {
	return t.session.ws.Ping(ctx)
}

func (t *seat) Close(reason string) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.session.detach(t) {
		return t.session.ws.Close(websocket.StatusNormalClosure, reason)
	}
	return nil
}

func (t *seat) Closed() bool {
	return t.closed.Load() || t.session.closed.Load()
}

// session is one accepted websocket.
type session struct {
	gw       *Gateway
	ws       *websocket.Conn
	identity auth.Identity
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu   sync.Mutex
	seat *seat
	conn *connection.Connection

	closed atomic.Bool
}

func (s *session) current() (*seat, *connection.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seat, s.conn
}

func (s *session) attach(t *seat, conn *connection.Connection) {
	s.mu.Lock()
	s.seat, s.conn = t, conn
	s.mu.Unlock()
}

// detach clears t if it is the current seat.
func (s *session) detach(t *seat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seat == nil || s.seat != t {
		return false
	}
	s.seat, s.conn = nil, nil
	return true
}

func (s *session) write(ctx context.Context, payload []byte) error {
	return s.ws.Write(ctx, websocket.MessageText, payload)
}

// reply writes an envelope straight to the socket, bounded by the send timeout.
func (s *session) reply(ctx context.Context, out *protocol.Outbound) {
	payload, err := protocol.Encode(out)
	if err != nil {
		s.logger.Error("failed to encode envelope", "type", out.Type, "error", err)
		return
	}
	s.replyRaw(ctx, payload)
}

func (s *session) replyRaw(ctx context.Context, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, s.gw.config.Connection.SendTimeout.Std())
	defer cancel()
	if err := s.write(ctx, payload); err != nil {
		s.logger.Debug("reply failed", "error", err)
	}
}

// handleWebSocket upgrades the request and runs the session until the socket closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "participant_id", id.ParticipantID, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	s := &session{
		gw:       g,
		ws:       ws,
		identity: id,
		limiter:  rate.NewLimiter(rate.Limit(g.config.Connection.RateLimit), g.config.Connection.RateBurst),
		logger:   g.logger.With("participant_id", id.ParticipantID),
	}
	g.trackSession(s)
	defer g.untrackSession(s)
	defer ws.CloseNow()

	// The request context ends with the handler; work that outlives a read must not inherit it.
	ctx := context.WithoutCancel(r.Context())
	s.serve(ctx)
}

func (s *session) serve(ctx context.Context) {
	s.logger.Debug("session opened")
	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			s.finish(ctx, err)
			return
		}
		if _, conn := s.current(); conn != nil {
			conn.Touch()
		}

		in, err := protocol.Decode(data)
		if err != nil {
			s.reply(ctx, protocol.ErrorEnvelope("", err))
			continue
		}

		switch in.Type {
		case protocol.InboundJoin:
			s.handleJoin(ctx, in)
		case protocol.InboundLeave:
			s.handleLeave(ctx, in)
		case protocol.InboundMessage:
			s.handleMessage(ctx, in)
		case protocol.InboundPing:
			s.reply(ctx, protocol.Pong())
		}
	}
}

// finish reports the socket's end to the Connection Manager. A clean close is
// a leave; anything else is a drop that may be resumed within the grace period.
func (s *session) finish(ctx context.Context, readErr error) {
	s.closed.Store(true)

	t, conn := s.current()
	if conn == nil || !s.detach(t) {
		s.logger.Debug("session closed", "error", readErr)
		return
	}

	if closeStatusIsLeave(readErr) {
		s.logger.Debug("session closed by client", "conversation_id", conn.ConversationID)
		s.gw.connections.Leave(ctx, conn)
		return
	}
	s.logger.Info("session dropped", "conversation_id", conn.ConversationID, "error", readErr)
	s.gw.connections.Disconnected(ctx, conn, t)
}

func (s *session) handleJoin(ctx context.Context, in *protocol.Inbound) {
	conversationID := in.ConversationID

	t, cur := s.current()
	if cur != nil && cur.ConversationID != conversationID {
		s.reply(ctx, protocol.Errorf(conversationID, protocol.KindBadRequest, http.StatusBadRequest,
			"already joined conversation %s; leave it first", cur.ConversationID))
		return
	}
	if t == nil {
		t = &seat{session: s}
	}

	if _, err := s.gw.conversations.EnsureConversation(ctx, conversationID); err != nil {
		s.reply(ctx, protocol.ErrorEnvelope(conversationID, err))
		return
	}

	info := store.ParticipantInfo{
		ParticipantID: s.identity.ParticipantID,
		DisplayName:   s.identity.DisplayName,
	}
	conn, resumed, err := s.gw.connections.Join(ctx, conversationID, info, t)
	if err != nil {
		s.logger.Info("join rejected", "conversation_id", conversationID, "error", err)
		if errors.Is(err, connection.ErrJoinInProgress) {
			s.reply(ctx, protocol.Errorf(conversationID, protocol.KindBadRequest, http.StatusConflict,
				"another join for %s is still in progress", info.ParticipantID))
			return
		}
		s.reply(ctx, protocol.ErrorEnvelope(conversationID, err))
		return
	}
	s.attach(t, conn)
	if t.closed.Load() {
		// Removed between Join and attach.
		s.detach(t)
		return
	}

	if len(in.Sites) > 0 {
		s.gw.conversations.SetSites(conversationID, in.Sites)
	}

	mode := s.gw.conversations.GetConversationMode(conversationID)
	s.reply(ctx, protocol.Connected(conversationID, info.ParticipantID, string(mode),
		s.gw.conversations.GetInputTimeout(conversationID)))

	after := in.AfterSequenceID
	if after == 0 && resumed {
		after = conn.LastSequence()
	}
	limit := s.gw.config.Conversation.HistoryLimit
	if after > 0 {
		limit = 0
	}
	msgs, err := s.gw.conversations.Messages(ctx, conversationID, limit, after)
	if err != nil {
		s.logger.Warn("failed to load history", "conversation_id", conversationID, "error", err)
		msgs = nil
	}
	if n := len(msgs); n > 0 {
		conn.ObserveSequence(msgs[n-1].SequenceID)
	}
	s.reply(ctx, protocol.History(conversationID, msgs))
}

func (s *session) handleLeave(ctx context.Context, in *protocol.Inbound) {
	t, conn := s.current()
	if conn == nil || conn.ConversationID != in.ConversationID {
		s.reply(ctx, protocol.Errorf(in.ConversationID, protocol.KindNotJoined, http.StatusConflict,
			"not joined to conversation %s", in.ConversationID))
		return
	}
	if s.detach(t) {
		s.gw.connections.Leave(ctx, conn)
	}
}

func (s *session) handleMessage(ctx context.Context, in *protocol.Inbound) {
	conversationID := in.ConversationID

	_, conn := s.current()
	if conn == nil || conn.ConversationID != conversationID {
		s.reply(ctx, protocol.Errorf(conversationID, protocol.KindNotJoined, http.StatusConflict,
			"not joined to conversation %s", conversationID))
		return
	}
	if !s.limiter.Allow() {
		s.reply(ctx, protocol.Errorf(conversationID, protocol.KindRateLimited, http.StatusTooManyRequests,
			"too many messages, slow down"))
		return
	}

	var key string
	if in.MessageID != "" {
		key = conversationID + "/" + s.identity.ParticipantID + "/" + in.MessageID
		if ack, ready, dup := s.gw.dedupe.Claim(key); dup {
			if ready {
				s.replyRaw(ctx, ack)
			}
			return
		}
	}

	msg := store.NewMessage(conversationID, s.identity.ParticipantID, s.identity.DisplayName, in.Content, store.MessageTypeText)
	if in.MessageID != "" {
		msg = msg.WithMetadata(MetadataClientMessageID, in.MessageID)
	}

	delivered, err := s.gw.conversations.ProcessMessage(ctx, msg, in.RequireAck)
	if err != nil {
		if key != "" {
			s.gw.dedupe.Forget(key)
		}
		s.reply(ctx, protocol.ErrorEnvelope(conversationID, err))
		return
	}

	ack := protocol.MustEncode(protocol.MessageAck(delivered))
	if key != "" {
		s.gw.dedupe.Complete(key, ack)
	}
	conn.ObserveSequence(delivered.SequenceID)
	s.replyRaw(ctx, ack)
}

// deliveryTracker broadcasts through the Connection Manager and advances each
// recipient's last delivered sequence id, which drives history on resume.
type deliveryTracker struct {
	conns *connection.Manager
}

func (d *deliveryTracker) Broadcast(ctx context.Context, conversationID string, payload []byte, exclude string) map[string]error {
	failures := d.conns.Broadcast(ctx, conversationID, payload, exclude)

	var env struct {
		Message *struct {
			SequenceID int64 `json:"sequence_id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || env.Message == nil {
		return failures
	}
	for _, c := range d.conns.Connections(conversationID) {
		pid := c.Info.ParticipantID
		if _, failed := failures[pid]; failed || pid == exclude {
			continue
		}
		if c.State() == connection.StateConnected {
			c.ObserveSequence(env.Message.SequenceID)
		}
	}
	return failures
}
