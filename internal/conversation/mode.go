// ABOUTME: Conversation mode detection and the batching delay each mode implies
// ABOUTME: Single mode is exactly one human with one assistant; anything else is multi

package conversation

import (
	"time"

	"github.com/2389/huddle-gateway/internal/participant"
)

// Mode governs how long assistants wait before answering a human message.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// detectMode classifies a participant set.
func detectMode(participants map[string]participant.Participant) Mode {
	humans, assistants := 0, 0
	for _, p := range participants {
		if participant.IsAssistant(p) {
			assistants++
		} else {
			humans++
		}
	}
	if humans == 1 && assistants == 1 {
		return ModeSingle
	}
	return ModeMulti
}

// delayFor returns the batching delay for mode.
func (c Config) delayFor(mode Mode) time.Duration {
	if mode == ModeSingle {
		return c.SingleModeDelay
	}
	return c.MultiModeDelay
}
