// ABOUTME: Connection Manager: one live connection per participant per conversation
// ABOUTME: Enforces participant limits, runs heartbeats and the dead-connection sweep, broadcasts payloads

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/huddle-gateway/internal/participant"
	"github.com/2389/huddle-gateway/internal/protocol"
	"github.com/2389/huddle-gateway/internal/store"
)

var tracer = otel.Tracer("github.com/2389/huddle-gateway/internal/connection")

// Defaults applied to zero Config fields.
const (
	DefaultMaxParticipants = 10
	DefaultPingInterval    = 30 * time.Second
	DefaultPongTimeout     = 10 * time.Second
	DefaultSweepInterval   = 60 * time.Second
	DefaultSendTimeout     = 5 * time.Second
)

// Config controls limits and liveness timing.
type Config struct {
	MaxParticipants int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	SweepInterval   time.Duration
	// ReconnectGrace keeps a dropped participant registered while it reconnects.
	// Zero disables reconnection; drops are removed immediately.
	ReconnectGrace time.Duration
	SendTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = DefaultMaxParticipants
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// ConversationRegistry is the orchestrator side of participant membership.
type ConversationRegistry interface {
	AddParticipant(ctx context.Context, conversationID string, p participant.Participant) error
	RemoveParticipant(ctx context.Context, conversationID, participantID string) error
	Participants(conversationID string) []store.ParticipantInfo
	QueueDepth(ctx context.Context, conversationID string) (int, error)
}

// ConversationMetrics is the per-conversation slice of Metrics.
type ConversationMetrics struct {
	Connections int `json:"connections"`
	QueueDepth  int `json:"queue_depth"`
}

// Metrics is a point-in-time view of the connection layer.
type Metrics struct {
	ActiveConnections   int                            `json:"active_connections"`
	ActiveConversations int                            `json:"active_conversations"`
	Conversations       map[string]ConversationMetrics `json:"conversations"`
}

// Manager owns every participant connection.
type Manager struct {
	cfg      Config
	registry ConversationRegistry
	logger   *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]*Connection // conversation_id -> participant_id -> conn

	heartbeats sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
}

// NewManager creates a Manager. Pass nil logger for default.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "connections"),
		rooms:  make(map[string]map[string]*Connection),
		done:   make(chan struct{}),
	}
}

// SetRegistry wires the orchestrator. Must be called before the first Join.
func (m *Manager) SetRegistry(r ConversationRegistry) {
	m.registry = r
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Join registers a participant's connection. A participant that is already
// registered (typically reconnecting within the grace period) takes over its
// existing seat on the new transport and resumed is true; no join is broadcast.
// A second join racing one that has not opened yet fails with ErrJoinInProgress.
func (m *Manager) Join(ctx context.Context, conversationID string, info store.ParticipantInfo, t Transport) (conn *Connection, resumed bool, err error) {
	if info.JoinedAt.IsZero() {
		info.JoinedAt = time.Now().UTC()
	}
	info.Type = store.ParticipantHuman

	m.mu.Lock()
	room := m.rooms[conversationID]
	if existing, ok := room[info.ParticipantID]; ok {
		err := existing.resume(t)
		switch {
		case err == nil:
			m.mu.Unlock()
			m.logger.Info("participant resumed",
				"conversation_id", conversationID,
				"participant_id", info.ParticipantID,
				"connection_id", existing.ID)
			return existing, true, nil
		case errors.Is(err, ErrJoinInProgress):
			// The earlier join still owns the seat and will open it.
			m.mu.Unlock()
			return nil, false, err
		}
		// Terminal connection the sweep has not collected yet.
		delete(room, info.ParticipantID)
	}

	live := 0
	for _, c := range room {
		if c.occupiesSlot() {
			live++
		}
	}
	if live >= m.cfg.MaxParticipants {
		m.mu.Unlock()
		return nil, false, &ParticipantLimitError{
			ConversationID: conversationID,
			Current:        live,
			Limit:          m.cfg.MaxParticipants,
		}
	}

	conn = newConnection(conversationID, info, t)
	if room == nil {
		room = make(map[string]*Connection)
		m.rooms[conversationID] = room
	}
	room[info.ParticipantID] = conn
	m.mu.Unlock()

	// The connection is registered but not yet open, so anything the registry
	// broadcasts here (a mode change caused by this join) reaches only the
	// others. The joiner learns the mode from its connected envelope.
	if m.registry != nil {
		if err := m.registry.AddParticipant(ctx, conversationID, participant.NewHuman(info)); err != nil {
			m.unregister(conn)
			conn.close("join failed")
			return nil, false, fmt.Errorf("add participant: %w", err)
		}
	}

	if err := conn.open(); err != nil {
		m.unregister(conn)
		conn.close("join failed")
		return nil, false, err
	}

	m.heartbeats.Add(1)
	go m.heartbeat(conn)

	m.logger.Info("participant joined",
		"conversation_id", conversationID,
		"participant_id", info.ParticipantID,
		"connection_id", conn.ID,
		"connections", live+1)

	m.broadcastParticipantUpdate(ctx, conversationID, protocol.EventJoined, info.ParticipantID)
	return conn, false, nil
}

// Leave removes a connection at the participant's request and tells the others.
func (m *Manager) Leave(ctx context.Context, conn *Connection) {
	m.RemoveConnection(ctx, conn, true)
}

// RemoveConnection closes conn, unregisters it and, when notify is set,
// broadcasts a participant update to the remaining connections.
func (m *Manager) RemoveConnection(ctx context.Context, conn *Connection, notify bool) {
	removed := m.unregister(conn)
	conn.close("connection removed")
	if !removed {
		return
	}

	if m.registry != nil {
		if err := m.registry.RemoveParticipant(ctx, conn.ConversationID, conn.Info.ParticipantID); err != nil {
			m.logger.Warn("failed to remove participant",
				"conversation_id", conn.ConversationID,
				"participant_id", conn.Info.ParticipantID,
				"error", err)
		}
	}

	m.logger.Info("participant left",
		"conversation_id", conn.ConversationID,
		"participant_id", conn.Info.ParticipantID,
		"connection_id", conn.ID,
		"state", conn.State())

	if notify {
		m.broadcastParticipantUpdate(ctx, conn.ConversationID, protocol.EventLeft, conn.Info.ParticipantID)
	}
}

// unregister drops conn from its room if it still holds the seat.
func (m *Manager) unregister(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.rooms[conn.ConversationID]
	if current, ok := room[conn.Info.ParticipantID]; !ok || current != conn {
		return false
	}
	delete(room, conn.Info.ParticipantID)
	if len(room) == 0 {
		delete(m.rooms, conn.ConversationID)
	}
	return true
}

// Disconnected reports that transport t under conn went away without a leave.
// Within the reconnect grace the seat is held; otherwise the connection is removed.
func (m *Manager) Disconnected(ctx context.Context, conn *Connection, t Transport) {
	if conn.currentTransport() != t {
		// Superseded by a resumed transport.
		return
	}
	if m.cfg.ReconnectGrace > 0 && conn.drop() {
		m.logger.Info("participant dropped, holding seat",
			"conversation_id", conn.ConversationID,
			"participant_id", conn.Info.ParticipantID,
			"grace", m.cfg.ReconnectGrace)
		return
	}
	m.RemoveConnection(ctx, conn, true)
}

// Lookup returns the participant's connection in a conversation.
func (m *Manager) Lookup(conversationID, participantID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.rooms[conversationID][participantID]
	return conn, ok
}

// Connections returns a snapshot of a conversation's connections.
func (m *Manager) Connections(conversationID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.rooms[conversationID]))
	for _, c := range m.rooms[conversationID] {
		out = append(out, c)
	}
	return out
}

// Broadcast sends payload concurrently to every connected participant of the
// conversation except exclude. A failing send marks only that connection
// failed and schedules its removal. The returned map holds per-participant
// send errors.
func (m *Manager) Broadcast(ctx context.Context, conversationID string, payload []byte, exclude string) map[string]error {
	ctx, span := tracer.Start(ctx, "connection.Broadcast", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.Int("payload.bytes", len(payload)),
	))
	defer span.End()

	targets := m.targets(conversationID, exclude)
	span.SetAttributes(attribute.Int("broadcast.targets", len(targets)))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, c := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.send(ctx, c, payload); err != nil {
				mu.Lock()
				failures[c.Info.ParticipantID] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d sends failed", len(failures), len(targets)))
	}
	return failures
}

// SendTo sends payload to one participant.
func (m *Manager) SendTo(ctx context.Context, conversationID, participantID string, payload []byte) error {
	conn, ok := m.Lookup(conversationID, participantID)
	if !ok {
		return fmt.Errorf("%w: %s not in %s", ErrConnectionClosed, participantID, conversationID)
	}
	return m.send(ctx, conn, payload)
}

func (m *Manager) send(ctx context.Context, conn *Connection, payload []byte) error {
	// One session ending must not cut short delivery to everyone else.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SendTimeout)
	defer cancel()

	err := conn.Send(sendCtx, payload)
	if err == nil || errors.Is(err, ErrConnectionClosed) {
		return err
	}

	m.logger.Warn("send failed",
		"conversation_id", conn.ConversationID,
		"participant_id", conn.Info.ParticipantID,
		"error", err)
	if conn.fail("send failed: " + err.Error()) {
		go m.RemoveConnection(context.WithoutCancel(ctx), conn, true)
	}
	return err
}

func (m *Manager) targets(conversationID, exclude string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room := m.rooms[conversationID]
	out := make([]*Connection, 0, len(room))
	for pid, c := range room {
		if exclude != "" && pid == exclude {
			continue
		}
		if c.State() != StateConnected {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (m *Manager) broadcastParticipantUpdate(ctx context.Context, conversationID, event, participantID string) {
	var participants []store.ParticipantInfo
	if m.registry != nil {
		participants = m.registry.Participants(conversationID)
	} else {
		for _, c := range m.Connections(conversationID) {
			participants = append(participants, c.Info)
		}
	}

	payload, err := protocol.Encode(protocol.ParticipantUpdate(conversationID, event, participantID, participants))
	if err != nil {
		m.logger.Error("encode participant update", "error", err)
		return
	}
	exclude := ""
	if event == protocol.EventJoined {
		exclude = participantID
	}
	m.Broadcast(ctx, conversationID, payload, exclude)
}

// heartbeat pings the peer every PingInterval until the connection ends.
func (m *Manager) heartbeat(conn *Connection) {
	defer m.heartbeats.Done()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-conn.stop:
			return
		case <-ticker.C:
		}

		if conn.State() != StateConnected {
			continue
		}

		t := conn.currentTransport()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PongTimeout)
		err := t.Ping(ctx)
		cancel()
		if err == nil {
			conn.Touch()
			continue
		}
		if conn.currentTransport() != t {
			continue
		}

		m.logger.Warn("heartbeat failed",
			"conversation_id", conn.ConversationID,
			"participant_id", conn.Info.ParticipantID,
			"error", err)
		if conn.fail("heartbeat timeout") {
			m.RemoveConnection(context.Background(), conn, true)
		}
		return
	}
}

// Run sweeps dead connections every SweepInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.logger.Info("swept dead connections", "count", n)
			}
		}
	}
}

// Sweep removes connections whose transport is closed, whose heartbeat has
// lapsed, or whose reconnect grace has expired. Returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := time.Now()

	type victim struct {
		conn   *Connection
		reason string
	}
	var victims []victim

	m.mu.RLock()
	for _, room := range m.rooms {
		for _, c := range room {
			if reason := m.deadReason(c, now); reason != "" {
				victims = append(victims, victim{conn: c, reason: reason})
			}
		}
	}
	m.mu.RUnlock()

	for _, v := range victims {
		v.conn.fail(v.reason)
		m.logger.Debug("sweeping connection",
			"conversation_id", v.conn.ConversationID,
			"participant_id", v.conn.Info.ParticipantID,
			"reason", v.reason)
		m.RemoveConnection(ctx, v.conn, true)
	}
	return len(victims)
}

func (m *Manager) deadReason(c *Connection, now time.Time) string {
	switch c.State() {
	case StateFailed, StateDisconnected, StateDisconnecting:
		return "connection closed"
	case StateReconnecting:
		if since, ok := c.droppedSince(); ok && now.Sub(since) > m.cfg.ReconnectGrace {
			return "reconnect grace expired"
		}
		return ""
	case StateConnecting:
		return ""
	}

	if c.currentTransport().Closed() {
		return "transport closed"
	}
	if now.Sub(c.LastSeen()) > m.cfg.PingInterval+m.cfg.PongTimeout {
		return "heartbeat timeout"
	}
	return ""
}

// CloseConversation closes every connection of a conversation without
// broadcasting leaves. Used when the conversation is deleted.
func (m *Manager) CloseConversation(conversationID, reason string) int {
	m.mu.Lock()
	room := m.rooms[conversationID]
	delete(m.rooms, conversationID)
	m.mu.Unlock()

	for _, c := range room {
		c.close(reason)
	}
	return len(room)
}

// Metrics returns connection counts and per-conversation queue depth.
func (m *Manager) Metrics(ctx context.Context) Metrics {
	counts := make(map[string]int)
	m.mu.RLock()
	for id, room := range m.rooms {
		for _, c := range room {
			if c.occupiesSlot() {
				counts[id]++
			}
		}
	}
	m.mu.RUnlock()

	out := Metrics{Conversations: make(map[string]ConversationMetrics, len(counts))}
	for id, n := range counts {
		cm := ConversationMetrics{Connections: n}
		if m.registry != nil {
			depth, err := m.registry.QueueDepth(ctx, id)
			if err != nil {
				m.logger.Debug("queue depth unavailable", "conversation_id", id, "error", err)
			}
			cm.QueueDepth = depth
		}
		out.Conversations[id] = cm
		out.ActiveConnections += n
		if n > 0 {
			out.ActiveConversations++
		}
	}
	return out
}

// Shutdown stops heartbeats and closes every connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]map[string]*Connection)
	m.mu.Unlock()

	for _, room := range rooms {
		for _, c := range room {
			c.close("server shutting down")
		}
	}

	waited := make(chan struct{})
	go func() {
		m.heartbeats.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
