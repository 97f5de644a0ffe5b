// ABOUTME: REST handlers for health, metrics and conversation inspection
// ABOUTME: Conversation deletion closes every connection before removing the stored record

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/huddle-gateway/internal/connection"
	"github.com/2389/huddle-gateway/internal/conversation"
	"github.com/2389/huddle-gateway/internal/store"
)

// MetricsResponse is the JSON response for GET /api/metrics.
type MetricsResponse struct {
	connection.Metrics
	Cache         store.CacheStats `json:"cache"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// ConversationResponse is the JSON response for GET /api/conversations/{id}.
type ConversationResponse struct {
	ConversationID string                  `json:"conversation_id"`
	CreatedAt      time.Time               `json:"created_at"`
	Participants   []store.ParticipantInfo `json:"participants"`
	Connections    int                     `json:"connections"`
	Mode           string                  `json:"mode"`
	InputTimeoutMS int64                   `json:"input_timeout_ms"`
	QueueSizeLimit int                     `json:"queue_size_limit"`
	MessageCount   int                     `json:"message_count"`
	QueueDepth     int                     `json:"queue_depth"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []*store.Message `json:"messages"`
}

// FailuresResponse is the JSON response for GET /api/conversations/{id}/failures.
type FailuresResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Failures       []conversation.Failure `json:"failures"`
}

// JobsResponse is the JSON response for GET /api/conversations/{id}/jobs.
type JobsResponse struct {
	ConversationID string             `json:"conversation_id"`
	Jobs           []conversation.Job `json:"jobs"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK until shutdown begins.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	m := g.connections.Metrics(r.Context())
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", m.ActiveConnections)
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MetricsResponse{
		Metrics:       g.connections.Metrics(r.Context()),
		Cache:         g.storage.CacheStats(),
		UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
	})
}

// loadConversation writes the error response itself and returns nil when the
// conversation cannot be read.
func (g *Gateway) loadConversation(w http.ResponseWriter, r *http.Request) *store.Conversation {
	id := mux.Vars(r)["id"]
	conv, err := g.storage.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	if err != nil {
		g.logger.Error("failed to get conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	return conv
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv := g.loadConversation(w, r)
	if conv == nil {
		return
	}
	id := conv.ConversationID

	participants := g.conversations.Participants(id)
	if len(participants) == 0 {
		participants = conv.ActiveParticipants
	}
	depth, err := g.storage.QueueDepth(r.Context(), id)
	if err != nil {
		g.logger.Warn("queue depth unavailable", "conversation_id", id, "error", err)
	}

	writeJSON(w, http.StatusOK, ConversationResponse{
		ConversationID: id,
		CreatedAt:      conv.CreatedAt,
		Participants:   participants,
		Connections:    len(g.connections.Connections(id)),
		Mode:           string(g.conversations.GetConversationMode(id)),
		InputTimeoutMS: g.conversations.GetInputTimeout(id).Milliseconds(),
		QueueSizeLimit: conv.QueueSizeLimit,
		MessageCount:   conv.MessageCount,
		QueueDepth:     depth,
	})
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv := g.loadConversation(w, r)
	if conv == nil {
		return
	}
	id := conv.ConversationID

	closed := g.connections.CloseConversation(id, "conversation deleted")
	if err := g.conversations.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("failed to delete conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.logger.Info("conversation deleted via API", "conversation_id", id, "connections_closed", closed)
	w.WriteHeader(http.StatusNoContent)
}

// handleConversationMessages returns stored messages ascending by sequence id.
// Optional ?limit= (default 50, max 1000) and ?after= (sequence id) narrow the result.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, 1000)
	}
	var after int64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || parsed < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "after must be a non-negative sequence id")
			return
		}
		after = parsed
	}

	conv := g.loadConversation(w, r)
	if conv == nil {
		return
	}

	msgs, err := g.storage.GetMessages(r.Context(), conv.ConversationID, limit, after)
	if err != nil {
		g.logger.Error("failed to get messages", "conversation_id", conv.ConversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{ConversationID: conv.ConversationID, Messages: msgs})
}

func (g *Gateway) handleConversationFailures(w http.ResponseWriter, r *http.Request) {
	conv := g.loadConversation(w, r)
	if conv == nil {
		return
	}
	writeJSON(w, http.StatusOK, FailuresResponse{
		ConversationID: conv.ConversationID,
		Failures:       g.conversations.GetParticipantFailures(conv.ConversationID),
	})
}

func (g *Gateway) handleConversationJobs(w http.ResponseWriter, r *http.Request) {
	conv := g.loadConversation(w, r)
	if conv == nil {
		return
	}
	writeJSON(w, http.StatusOK, JobsResponse{
		ConversationID: conv.ConversationID,
		Jobs:           g.conversations.GetActiveAssistantJobs(conv.ConversationID),
	})
}
