// ABOUTME: Error types returned by the connection manager
// ABOUTME: ParticipantLimitError carries the counts clients need to render a rejection

package connection

import (
	"fmt"
	"net/http"
)

// ParticipantLimitError is returned when a join would exceed max participants.
type ParticipantLimitError struct {
	ConversationID string
	Current        int
	Limit          int
}

func (e *ParticipantLimitError) Error() string {
	return fmt.Sprintf("conversation %s has reached its participant limit (%d/%d)", e.ConversationID, e.Current, e.Limit)
}

// Code is the HTTP-style status used on the wire.
func (e *ParticipantLimitError) Code() int { return http.StatusForbidden }

// Kind is the machine-readable error kind.
func (e *ParticipantLimitError) Kind() string { return "participant_limit" }

// Counts returns the current participant count and the limit.
func (e *ParticipantLimitError) Counts() (int, int) { return e.Current, e.Limit }
