// ABOUTME: Error types returned by the conversation manager
// ABOUTME: ParticipantConflictError maps onto a bad_request envelope on the wire

package conversation

import (
	"fmt"
	"net/http"

	"github.com/2389/huddle-gateway/internal/protocol"
	"github.com/2389/huddle-gateway/internal/store"
)

// ParticipantConflictError is returned when a participant id is already held
// by a participant of a different type, such as a human claiming an
// assistant's id.
type ParticipantConflictError struct {
	ConversationID string
	ParticipantID  string
	Existing       store.ParticipantType
}

func (e *ParticipantConflictError) Error() string {
	return fmt.Sprintf("participant id %s is already taken by a participant of type %s in conversation %s",
		e.ParticipantID, e.Existing, e.ConversationID)
}

// Code is the HTTP-style status used on the wire.
func (e *ParticipantConflictError) Code() int { return http.StatusBadRequest }

// Kind is the machine-readable error kind.
func (e *ParticipantConflictError) Kind() string { return protocol.KindBadRequest }
