// ABOUTME: Registry of outstanding assistant jobs per conversation
// ABOUTME: When full, the oldest job is cancelled to admit the newest

package conversation

import (
	"container/list"
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is an assistant working on one routed message.
type Job struct {
	ID             string    `json:"job_id"`
	ConversationID string    `json:"conversation_id"`
	ParticipantID  string    `json:"participant_id"`
	MessageID      string    `json:"message_id"`
	SequenceID     int64     `json:"sequence_id"`
	StartedAt      time.Time `json:"started_at"`

	ctx     context.Context
	cancel  context.CancelFunc
	elem    *list.Element
	dropped bool
}

// jobQueue keeps jobs oldest first. Callers hold the conversation lock.
type jobQueue struct {
	jobs *list.List
}

func newJobQueue() *jobQueue {
	return &jobQueue{jobs: list.New()}
}

// push registers a job for an assistant. If limit is positive and already
// reached, the oldest jobs are cancelled and returned.
func (q *jobQueue) push(conversationID, participantID, messageID string, seq int64, limit int) (*Job, []*Job) {
	var evicted []*Job
	for limit > 0 && q.jobs.Len() >= limit {
		oldest := q.jobs.Front().Value.(*Job)
		q.remove(oldest)
		oldest.dropped = true
		oldest.cancel()
		evicted = append(evicted, oldest)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		ParticipantID:  participantID,
		MessageID:      messageID,
		SequenceID:     seq,
		StartedAt:      time.Now().UTC(),
		ctx:            ctx,
		cancel:         cancel,
	}
	job.elem = q.jobs.PushBack(job)
	return job, evicted
}

func (q *jobQueue) remove(job *Job) {
	if job.elem == nil {
		return
	}
	q.jobs.Remove(job.elem)
	job.elem = nil
}

// cancelParticipant cancels every job belonging to participantID.
func (q *jobQueue) cancelParticipant(participantID string) int {
	n := 0
	for e := q.jobs.Front(); e != nil; {
		next := e.Next()
		if job := e.Value.(*Job); job.ParticipantID == participantID {
			q.remove(job)
			job.cancel()
			n++
		}
		e = next
	}
	return n
}

func (q *jobQueue) cancelAll() {
	for e := q.jobs.Front(); e != nil; e = q.jobs.Front() {
		job := e.Value.(*Job)
		q.remove(job)
		job.cancel()
	}
}

func (q *jobQueue) snapshot() []Job {
	out := make([]Job, 0, q.jobs.Len())
	for e := q.jobs.Front(); e != nil; e = e.Next() {
		job := e.Value.(*Job)
		out = append(out, Job{
			ID:             job.ID,
			ConversationID: job.ConversationID,
			ParticipantID:  job.ParticipantID,
			MessageID:      job.MessageID,
			SequenceID:     job.SequenceID,
			StartedAt:      job.StartedAt,
		})
	}
	return out
}

func (q *jobQueue) len() int {
	return q.jobs.Len()
}
