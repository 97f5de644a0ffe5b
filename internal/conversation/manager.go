// ABOUTME: Conversation Manager: orders, fans out, acknowledges and persists every message
// ABOUTME: Per-participant failures are isolated and recorded; assistant replies re-enter the same pipeline

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/huddle-gateway/internal/participant"
	"github.com/2389/huddle-gateway/internal/protocol"
	"github.com/2389/huddle-gateway/internal/store"
	"github.com/2389/huddle-gateway/internal/tracing"
)

var tracer = otel.Tracer("github.com/2389/huddle-gateway/internal/conversation")

// ErrClosed is returned once the manager has been closed.
var ErrClosed = errors.New("conversation manager closed")

// Broadcaster delivers payloads to the human connections of a conversation.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID string, payload []byte, exclude string) map[string]error
}

// Config tunes the orchestrator.
type Config struct {
	QueueSizeLimit   int
	SingleModeDelay  time.Duration
	MultiModeDelay   time.Duration
	AssistantTimeout time.Duration
	AckTimeout       time.Duration
	ContextMessages  int // recent messages handed to assistants
	FailureHistory   int // failures retained per conversation
	PersistAttempts  int
	PersistBackoff   time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		QueueSizeLimit:   1000,
		SingleModeDelay:  100 * time.Millisecond,
		MultiModeDelay:   2000 * time.Millisecond,
		AssistantTimeout: 20 * time.Second,
		AckTimeout:       5 * time.Second,
		ContextMessages:  20,
		FailureHistory:   100,
		PersistAttempts:  4,
		PersistBackoff:   100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSizeLimit <= 0 {
		c.QueueSizeLimit = d.QueueSizeLimit
	}
	if c.SingleModeDelay < 0 {
		c.SingleModeDelay = 0
	}
	if c.MultiModeDelay < 0 {
		c.MultiModeDelay = 0
	}
	if c.AssistantTimeout <= 0 {
		c.AssistantTimeout = d.AssistantTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.ContextMessages <= 0 {
		c.ContextMessages = d.ContextMessages
	}
	if c.FailureHistory <= 0 {
		c.FailureHistory = d.FailureHistory
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = d.PersistAttempts
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = d.PersistBackoff
	}
	return c
}

// Failure records one participant that did not receive or handle a message.
type Failure struct {
	ParticipantID string    `json:"participant_id"`
	MessageID     string    `json:"message_id"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// state is everything the manager tracks for one conversation.
type state struct {
	mu           sync.Mutex
	id           string
	participants map[string]participant.Participant
	mode         Mode
	jobs         *jobQueue
	failures     []Failure
	latestHuman  int64 // sequence id of the newest human text message
	sites        []string
}

// Manager orchestrates every conversation in the process. Conversations are
// independent: no lock is shared between two of them.
type Manager struct {
	cfg      Config
	storage  *store.Client
	humans   Broadcaster
	defaults []participant.Participant
	logger   *slog.Logger

	mu     sync.Mutex
	convs  map[string]*state
	closed bool

	background sync.WaitGroup // assistant jobs and persistence
	done       chan struct{}
}

// NewManager creates a Manager. Pass nil logger for default.
func NewManager(cfg Config, storage *store.Client, humans Broadcaster, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		storage: storage,
		humans:  humans,
		logger:  logger.With("component", "conversation"),
		convs:   make(map[string]*state),
		done:    make(chan struct{}),
	}
}

// SetDefaultAssistants sets the assistants added to every conversation when
// the manager first sees it.
func (m *Manager) SetDefaultAssistants(assistants ...participant.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = append([]participant.Participant(nil), assistants...)
}

// EnsureConversation loads or creates the conversation record and its
// orchestration state.
func (m *Manager) EnsureConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, _, err := m.ensure(ctx, conversationID)
	return conv, err
}

func (m *Manager) ensure(ctx context.Context, conversationID string) (*store.Conversation, *state, error) {
	if conversationID == "" {
		return nil, nil, errors.New("conversation id is required")
	}

	conv, created, err := m.storage.EnsureConversation(ctx, conversationID, m.cfg.QueueSizeLimit)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}

	st, ok := m.convs[conversationID]
	if !ok {
		st = &state{
			id:           conversationID,
			participants: make(map[string]participant.Participant),
			jobs:         newJobQueue(),
		}
		for _, p := range m.defaults {
			st.participants[p.Info().ParticipantID] = p
		}
		st.mode = detectMode(st.participants)
		m.convs[conversationID] = st

		m.logger.Debug("conversation state loaded",
			"conversation_id", conversationID,
			"created", created,
			"assistants", len(m.defaults))
	}
	return conv, st, nil
}

func (m *Manager) lookup(conversationID string) (*state, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.convs[conversationID]
	return st, ok
}

// AddParticipant registers p, replacing a participant of the same type and id.
// An id held by a participant of the other type is rejected with
// *ParticipantConflictError. A mode transition is broadcast to humans.
func (m *Manager) AddParticipant(ctx context.Context, conversationID string, p participant.Participant) error {
	_, st, err := m.ensure(ctx, conversationID)
	if err != nil {
		return err
	}

	id := p.Info().ParticipantID
	st.mu.Lock()
	if existing, ok := st.participants[id]; ok && participant.IsAssistant(existing) != participant.IsAssistant(p) {
		st.mu.Unlock()
		return &ParticipantConflictError{
			ConversationID: conversationID,
			ParticipantID:  id,
			Existing:       existing.Info().Type,
		}
	}
	st.participants[id] = p
	from, to := m.refreshModeLocked(st)
	st.mu.Unlock()

	m.logger.Info("participant added",
		"conversation_id", conversationID,
		"participant_id", p.Info().ParticipantID,
		"participant_type", p.Info().Type,
		"mode", to)

	m.announceMode(ctx, conversationID, from, to)
	m.syncParticipants(ctx, st)
	return nil
}

// RemoveParticipant unregisters a participant and cancels its outstanding jobs.
func (m *Manager) RemoveParticipant(ctx context.Context, conversationID, participantID string) error {
	st, ok := m.lookup(conversationID)
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}

	st.mu.Lock()
	if _, ok := st.participants[participantID]; !ok {
		st.mu.Unlock()
		return nil
	}
	delete(st.participants, participantID)
	cancelled := st.jobs.cancelParticipant(participantID)
	from, to := m.refreshModeLocked(st)
	st.mu.Unlock()

	m.logger.Info("participant removed",
		"conversation_id", conversationID,
		"participant_id", participantID,
		"cancelled_jobs", cancelled,
		"mode", to)

	m.announceMode(ctx, conversationID, from, to)
	m.syncParticipants(ctx, st)
	return nil
}

// refreshModeLocked recomputes the mode. Must be called with st.mu held.
func (m *Manager) refreshModeLocked(st *state) (from, to Mode) {
	from = st.mode
	st.mode = detectMode(st.participants)
	return from, st.mode
}

func (m *Manager) announceMode(ctx context.Context, conversationID string, from, to Mode) {
	if from == to || m.humans == nil {
		return
	}
	delay := m.cfg.delayFor(to)
	m.logger.Info("conversation mode changed",
		"conversation_id", conversationID,
		"from", from,
		"to", to,
		"input_timeout", delay)

	payload, err := protocol.Encode(protocol.ModeChange(conversationID, string(to), delay))
	if err != nil {
		m.logger.Error("encode mode change", "error", err)
		return
	}
	m.humans.Broadcast(ctx, conversationID, payload, "")
}

// syncParticipants writes the participant set onto the conversation record.
func (m *Manager) syncParticipants(ctx context.Context, st *state) {
	infos := m.Participants(st.id)

	conv, err := m.storage.GetConversation(ctx, st.id)
	if err != nil {
		m.logger.Warn("loading conversation for participant sync", "conversation_id", st.id, "error", err)
		return
	}
	conv = conv.Clone()
	conv.ActiveParticipants = infos
	if err := m.storage.UpdateConversation(ctx, conv); err != nil {
		m.logger.Warn("saving participants", "conversation_id", st.id, "error", err)
	}
}

// Participants lists the registered participants ordered by join time.
func (m *Manager) Participants(conversationID string) []store.ParticipantInfo {
	st, ok := m.lookup(conversationID)
	if !ok {
		return []store.ParticipantInfo{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]store.ParticipantInfo, 0, len(st.participants))
	for _, p := range st.participants {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// GetConversationMode returns the current mode, multi for unknown conversations.
func (m *Manager) GetConversationMode(conversationID string) Mode {
	st, ok := m.lookup(conversationID)
	if !ok {
		return ModeMulti
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mode
}

// GetInputTimeout returns the batching delay of the conversation's current mode.
func (m *Manager) GetInputTimeout(conversationID string) time.Duration {
	return m.cfg.delayFor(m.GetConversationMode(conversationID))
}

// GetParticipantFailures returns recorded delivery failures, oldest first.
func (m *Manager) GetParticipantFailures(conversationID string) []Failure {
	st, ok := m.lookup(conversationID)
	if !ok {
		return []Failure{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return slices.Clone(st.failures)
}

// GetActiveAssistantJobs returns outstanding assistant jobs, oldest first.
func (m *Manager) GetActiveAssistantJobs(conversationID string) []Job {
	st, ok := m.lookup(conversationID)
	if !ok {
		return []Job{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.jobs.snapshot()
}

// SetSites scopes assistant retrieval for a conversation.
func (m *Manager) SetSites(conversationID string, sites []string) {
	st, ok := m.lookup(conversationID)
	if !ok {
		return
	}
	st.mu.Lock()
	st.sites = slices.Clone(sites)
	st.mu.Unlock()
}

// QueueDepth is delegated to the Storage Client, the single source of truth.
func (m *Manager) QueueDepth(ctx context.Context, conversationID string) (int, error) {
	return m.storage.QueueDepth(ctx, conversationID)
}

// Messages returns stored history ascending by sequence id.
func (m *Manager) Messages(ctx context.Context, conversationID string, limit int, afterSequenceID int64) ([]*store.Message, error) {
	return m.storage.GetMessages(ctx, conversationID, limit, afterSequenceID)
}

// DeleteConversation cancels outstanding work and removes the conversation and its messages.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	st, ok := m.convs[conversationID]
	delete(m.convs, conversationID)
	m.mu.Unlock()

	if ok {
		st.mu.Lock()
		st.jobs.cancelAll()
		st.mu.Unlock()
	}
	return m.storage.DeleteConversation(ctx, conversationID)
}

// ProcessMessage admits msg, assigns its sequence id, delivers it to every
// other participant and schedules its persistence.
//
// Humans receive the message through the Broadcaster; each assistant gets a
// job that acknowledges on acceptance, waits out the batching delay and then
// asks the participant for a reply. The call returns once delivery is done:
// the human broadcast has completed and every assistant has acknowledged or
// AckTimeout has passed. With requireAck the acknowledging ids are attached
// under store.MetadataAcknowledgedBy. The returned message is delivered.
//
// A full queue is reported as *store.QueueFullError before any sequence id is used.
func (m *Manager) ProcessMessage(ctx context.Context, msg *store.Message, requireAck bool) (*store.Message, error) {
	ctx, span := tracer.Start(ctx, "conversation.ProcessMessage", trace.WithAttributes(
		attribute.String("conversation.id", msg.ConversationID),
		attribute.String("message.id", msg.MessageID),
		attribute.String("message.type", string(msg.Type)),
		attribute.Bool("require_ack", requireAck),
	))
	defer span.End()

	_, st, err := m.ensure(ctx, msg.ConversationID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	queueLimit, err := m.storage.QueueSizeLimit(ctx, msg.ConversationID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	admitted, err := m.storage.Admit(ctx, msg)
	if err != nil {
		if store.IsQueueFull(err) {
			m.logger.Warn("queue full, message rejected",
				"conversation_id", msg.ConversationID,
				"sender_id", msg.SenderID,
				"error", err)
		}
		tracing.RecordError(ctx, err)
		return nil, err
	}
	msg = admitted.WithStatus(store.StatusProcessing)
	span.SetAttributes(attribute.Int64("message.sequence_id", msg.SequenceID))

	// Snapshot targets under the conversation lock; deliver outside it.
	st.mu.Lock()
	sender, fromParticipant := st.participants[msg.SenderID]
	humanText := msg.Type == store.MessageTypeText && (!fromParticipant || !participant.IsAssistant(sender))
	if humanText && msg.SequenceID > st.latestHuman {
		st.latestHuman = msg.SequenceID
	}
	delay := m.cfg.delayFor(st.mode)
	sites := slices.Clone(st.sites)

	type assignment struct {
		p   participant.Participant
		job *Job
	}
	var assistants []assignment
	for id, p := range st.participants {
		if id == msg.SenderID || !participant.IsAssistant(p) {
			continue
		}
		job, evicted := st.jobs.push(msg.ConversationID, id, msg.MessageID, msg.SequenceID, queueLimit)
		for _, old := range evicted {
			m.logger.Warn("dropping oldest assistant job",
				"conversation_id", msg.ConversationID,
				"participant_id", old.ParticipantID,
				"job_id", old.ID,
				"message_id", old.MessageID)
		}
		assistants = append(assistants, assignment{p: p, job: job})
	}
	st.mu.Unlock()

	acks := make(chan string, len(assistants))
	var delivery sync.WaitGroup

	delivery.Add(1)
	go func() {
		defer delivery.Done()
		m.deliverToHumans(ctx, st, msg)
	}()

	started := 0
	for _, a := range assistants {
		if !m.track() {
			m.finishJob(st, a.job)
			continue
		}
		started++
		go m.runAssistant(st, a.p, a.job, msg, humanText, delay, sites, acks)
	}

	acked := m.collectAcks(acks, started)
	delivery.Wait()

	if requireAck {
		msg = msg.WithMetadata(store.MetadataAcknowledgedBy, acked)
	}
	msg = msg.WithStatus(store.StatusDelivered)

	if m.track() {
		go func() {
			defer m.background.Done()
			m.persist(msg)
		}()
	} else {
		// Close is already waiting; a delivered message is still stored.
		m.persist(msg)
	}

	span.SetAttributes(
		attribute.Int("delivery.assistants", len(assistants)),
		attribute.Int("delivery.acks", len(acked)),
	)
	return msg, nil
}

// track registers one unit of background work. It reports false once Close
// has begun, after which no more work may join the wait group.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.background.Add(1)
	return true
}

func (m *Manager) deliverToHumans(ctx context.Context, st *state, msg *store.Message) {
	if m.humans == nil {
		return
	}
	payload, err := protocol.Encode(protocol.MessageEnvelope(msg))
	if err != nil {
		m.recordFailure(st, "*", msg, fmt.Sprintf("encode: %v", err))
		return
	}
	for pid, err := range m.humans.Broadcast(ctx, msg.ConversationID, payload, msg.SenderID) {
		m.recordFailure(st, pid, msg, err.Error())
	}
}

// collectAcks waits for want acknowledgments or AckTimeout, whichever is first.
func (m *Manager) collectAcks(acks <-chan string, want int) []string {
	acked := make([]string, 0, want)
	if want == 0 {
		return acked
	}
	timer := time.NewTimer(m.cfg.AckTimeout)
	defer timer.Stop()
wait:
	for len(acked) < want {
		select {
		case id := <-acks:
			acked = append(acked, id)
		case <-timer.C:
			break wait
		}
	}
	sort.Strings(acked)
	return acked
}

type outcome struct {
	reply *store.Message
	err   error
}

// runAssistant acknowledges msg, waits out the batching delay and asks p for
// a reply. Any reply re-enters ProcessMessage as a new message.
func (m *Manager) runAssistant(st *state, p participant.Participant, job *Job, msg *store.Message, humanText bool, delay time.Duration, sites []string, acks chan<- string) {
	defer m.background.Done()
	defer m.finishJob(st, job)

	pid := p.Info().ParticipantID
	acks <- pid

	if humanText && delay > 0 {
		select {
		case <-job.ctx.Done():
			m.jobCancelled(st, job, msg)
			return
		case <-m.done:
			return
		case <-time.After(delay):
		}
		if m.superseded(st, msg.SequenceID) {
			m.logger.Debug("batched into a newer turn",
				"conversation_id", msg.ConversationID,
				"participant_id", pid,
				"message_id", msg.MessageID)
			return
		}
	}

	recent := participant.RecentContext{Messages: m.recentMessages(job.ctx, msg), Sites: sites}

	callCtx, cancel := context.WithTimeout(job.ctx, m.cfg.AssistantTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		reply, err := p.ProcessMessage(callCtx, msg, recent)
		done <- outcome{reply: reply, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			m.recordFailure(st, pid, msg, fmt.Sprintf("timed out after %s", m.cfg.AssistantTimeout))
		} else {
			m.jobCancelled(st, job, msg)
		}
		return
	}

	if job.ctx.Err() != nil {
		m.jobCancelled(st, job, msg)
		return
	}
	if res.err != nil {
		m.recordFailure(st, pid, msg, res.err.Error())
		return
	}
	if res.reply == nil {
		return
	}

	if _, err := m.ProcessMessage(context.Background(), res.reply, false); err != nil {
		m.logger.Warn("assistant reply rejected",
			"conversation_id", msg.ConversationID,
			"participant_id", pid,
			"error", err)
	}
}

func (m *Manager) finishJob(st *state, job *Job) {
	st.mu.Lock()
	st.jobs.remove(job)
	st.mu.Unlock()
	job.cancel()
}

func (m *Manager) jobCancelled(st *state, job *Job, msg *store.Message) {
	st.mu.Lock()
	dropped := job.dropped
	st.mu.Unlock()
	m.logger.Debug("assistant job cancelled",
		"conversation_id", msg.ConversationID,
		"participant_id", job.ParticipantID,
		"job_id", job.ID,
		"dropped", dropped)
}

// superseded reports whether a newer human text message has arrived.
func (m *Manager) superseded(st *state, seq int64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.latestHuman > seq
}

// recentMessages loads the history window preceding msg. The routed message
// itself may not be stored yet, so it is appended when missing.
func (m *Manager) recentMessages(ctx context.Context, msg *store.Message) []*store.Message {
	msgs, err := m.storage.GetMessages(ctx, msg.ConversationID, m.cfg.ContextMessages, 0)
	if err != nil {
		m.logger.Warn("loading recent context", "conversation_id", msg.ConversationID, "error", err)
		return []*store.Message{msg}
	}
	out := make([]*store.Message, 0, len(msgs)+1)
	for _, existing := range msgs {
		if existing.SequenceID < msg.SequenceID {
			out = append(out, existing)
		}
	}
	return append(out, msg)
}

func (m *Manager) recordFailure(st *state, participantID string, msg *store.Message, reason string) {
	m.logger.Warn("participant delivery failed",
		"conversation_id", msg.ConversationID,
		"participant_id", participantID,
		"message_id", msg.MessageID,
		"error", reason)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.failures = append(st.failures, Failure{
		ParticipantID: participantID,
		MessageID:     msg.MessageID,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	})
	if over := len(st.failures) - m.cfg.FailureHistory; over > 0 {
		st.failures = slices.Delete(st.failures, 0, over)
	}
}

// persist stores msg, retrying transient errors with exponential backoff.
// A message that cannot be stored releases its queue reservation.
func (m *Manager) persist(msg *store.Message) {
	backoff := m.cfg.PersistBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.storage.StoreMessage(ctx, msg)
		cancel()
		if err == nil {
			m.logger.Debug("message persisted",
				"conversation_id", msg.ConversationID,
				"message_id", msg.MessageID,
				"sequence_id", msg.SequenceID)
			return
		}

		if store.IsQueueFull(err) || errors.Is(err, store.ErrNotFound) || attempt >= m.cfg.PersistAttempts {
			m.storage.Release(msg.ConversationID, msg.MessageID)
			m.logger.Error("failed to persist message",
				"conversation_id", msg.ConversationID,
				"message_id", msg.MessageID,
				"sequence_id", msg.SequenceID,
				"attempts", attempt,
				"error", err)
			return
		}

		m.logger.Warn("persist failed, retrying",
			"conversation_id", msg.ConversationID,
			"message_id", msg.MessageID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
		select {
		case <-time.After(backoff):
		case <-m.done:
			m.storage.Release(msg.ConversationID, msg.MessageID)
			return
		}
		backoff *= 2
	}
}

// Close cancels outstanding assistant jobs and waits for in-flight
// persistence to finish or ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		for _, st := range m.convs {
			st.mu.Lock()
			st.jobs.cancelAll()
			st.mu.Unlock()
		}
	}
	m.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		m.background.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		select {
		case <-m.done:
		default:
			close(m.done)
		}
		return ctx.Err()
	}
}

// Wait blocks until background work started so far has finished. Intended for tests
// and orderly shutdown.
func (m *Manager) Wait() {
	m.background.Wait()
}
