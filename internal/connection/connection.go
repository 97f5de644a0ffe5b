// ABOUTME: A single participant's long-lived duplex connection and its lifecycle state machine
// ABOUTME: Liveness is tracked as a timestamp read under the connection's own lock

package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/2389/huddle-gateway/internal/store"
)

// State is a connection lifecycle state.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateReconnecting  State = "reconnecting"
	StateFailed        State = "failed"
)

// Lifecycle triggers
const (
	triggerOpen   = "open"
	triggerClose  = "close"
	triggerFinish = "finish"
	triggerDrop   = "drop"
	triggerResume = "resume"
	triggerFail   = "fail"
)

// ErrConnectionClosed is returned when sending on a connection that is not connected.
var ErrConnectionClosed = errors.New("connection closed")

// ErrJoinInProgress is returned when a participant joins again before its
// previous join has finished opening.
var ErrJoinInProgress = errors.New("join already in progress")

// Transport is the duplex channel under a Connection. Implementations must
// allow Send and Ping to be called from different goroutines.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
	Closed() bool
}

// Connection is one participant's channel into one conversation.
type Connection struct {
	ID             string
	ConversationID string
	Info           store.ParticipantInfo

	mu           sync.Mutex
	fsm          *stateless.StateMachine
	transport    Transport
	lastSeen     time.Time
	droppedAt    time.Time
	lastSequence int64
	failReason   string

	sendMu sync.Mutex // keeps frames on one transport in order
	stop   chan struct{}
}

func newConnection(conversationID string, info store.ParticipantInfo, transport Transport) *Connection {
	c := &Connection{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Info:           info,
		transport:      transport,
		lastSeen:       time.Now(),
		stop:           make(chan struct{}),
	}
	c.fsm = newLifecycle()
	return c
}

func newLifecycle() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateConnecting)

	fsm.Configure(StateConnecting).
		Permit(triggerOpen, StateConnected).
		Permit(triggerClose, StateDisconnecting).
		Permit(triggerFail, StateFailed)

	fsm.Configure(StateConnected).
		Permit(triggerClose, StateDisconnecting).
		Permit(triggerDrop, StateReconnecting).
		Permit(triggerFail, StateFailed)

	fsm.Configure(StateReconnecting).
		Permit(triggerResume, StateConnected).
		Permit(triggerClose, StateDisconnecting).
		Permit(triggerFail, StateFailed)

	fsm.Configure(StateDisconnecting).
		Permit(triggerFinish, StateDisconnected)

	fsm.Configure(StateDisconnected)
	fsm.Configure(StateFailed)

	return fsm
}

// fireLocked applies a trigger. Must be called with mu held.
func (c *Connection) fireLocked(trigger string) error {
	if err := c.fsm.Fire(trigger); err != nil {
		return fmt.Errorf("connection %s: %w", c.ID, err)
	}
	return nil
}

func (c *Connection) canFireLocked(trigger string) bool {
	ok, err := c.fsm.CanFire(trigger)
	return err == nil && ok
}

func (c *Connection) stateLocked() State {
	return c.fsm.MustState().(State)
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// occupiesSlot reports whether the connection counts toward the participant limit.
// A reconnecting participant keeps its seat for the grace period.
func (c *Connection) occupiesSlot() bool {
	switch c.State() {
	case StateConnecting, StateConnected, StateReconnecting:
		return true
	}
	return false
}

// Touch records a liveness signal from the peer.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns when the peer last showed signs of life.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// LastSequence is the highest sequence id delivered on this connection.
func (c *Connection) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSequence
}

// ObserveSequence advances LastSequence.
func (c *Connection) ObserveSequence(seq int64) {
	c.mu.Lock()
	if seq > c.lastSequence {
		c.lastSequence = seq
	}
	c.mu.Unlock()
}

// FailReason explains why the connection entered the failed state.
func (c *Connection) FailReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failReason
}

func (c *Connection) currentTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Send writes payload if the connection is connected.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	state := c.stateLocked()
	t := c.transport
	c.mu.Unlock()

	if state != StateConnected {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, state)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return t.Send(ctx, payload)
}

func (c *Connection) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fireLocked(triggerOpen)
}

// fail moves the connection to failed and closes its transport. Returns false
// if it was already terminal.
func (c *Connection) fail(reason string) bool {
	c.mu.Lock()
	if !c.canFireLocked(triggerFail) {
		c.mu.Unlock()
		return false
	}
	_ = c.fireLocked(triggerFail)
	c.failReason = reason
	t := c.transport
	c.mu.Unlock()

	c.stopOnce()
	_ = t.Close(reason)
	return true
}

// drop moves a connected connection to reconnecting after an unexpected transport loss.
func (c *Connection) drop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canFireLocked(triggerDrop) {
		return false
	}
	_ = c.fireLocked(triggerDrop)
	c.droppedAt = time.Now()
	return true
}

// resume swaps in a fresh transport and returns to connected. The previous
// transport is closed. A connection still opening yields ErrJoinInProgress.
func (c *Connection) resume(t Transport) error {
	c.mu.Lock()
	old := c.transport
	switch c.stateLocked() {
	case StateConnecting:
		c.mu.Unlock()
		return ErrJoinInProgress
	case StateReconnecting:
		if err := c.fireLocked(triggerResume); err != nil {
			c.mu.Unlock()
			return err
		}
	case StateConnected:
	default:
		state := c.stateLocked()
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot resume from %s", ErrConnectionClosed, state)
	}
	c.transport = t
	c.lastSeen = time.Now()
	c.droppedAt = time.Time{}
	c.mu.Unlock()

	if old != t {
		_ = old.Close("replaced by new connection")
	}
	return nil
}

// close runs disconnecting then disconnected and closes the transport.
func (c *Connection) close(reason string) {
	c.mu.Lock()
	t := c.transport
	if c.canFireLocked(triggerClose) {
		_ = c.fireLocked(triggerClose)
		_ = c.fireLocked(triggerFinish)
	}
	c.mu.Unlock()

	c.stopOnce()
	_ = t.Close(reason)
}

func (c *Connection) droppedSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateLocked() != StateReconnecting {
		return time.Time{}, false
	}
	return c.droppedAt, true
}

// stopOnce closes the stop channel that ends the heartbeat loop.
func (c *Connection) stopOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}
