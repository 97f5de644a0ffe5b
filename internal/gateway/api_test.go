// ABOUTME: Tests for the health probes and the conversation inspection API
// ABOUTME: Exercises routing, JSON shapes, validation and JWT protection

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle-gateway/internal/auth"
	"github.com/2389/huddle-gateway/internal/config"
	"github.com/2389/huddle-gateway/internal/protocol"
)

func get(t *testing.T, url string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	resp := get(t, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))
}

func TestReady(t *testing.T) {
	gw, srv := newTestGateway(t, nil)

	resp := get(t, srv.URL+"/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ready")

	gw.shuttingDown.Store(true)
	resp = get(t, srv.URL+"/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")
	join(t, alice, "c1")

	resp := get(t, srv.URL+"/api/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var m MetricsResponse
	decode(t, resp, &m)
	assert.Equal(t, 1, m.ActiveConnections)
	assert.GreaterOrEqual(t, m.UptimeSeconds, int64(0))
}

func TestGetConversation(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")
	join(t, alice, "c1")

	resp := get(t, srv.URL+"/api/conversations/c1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var conv ConversationResponse
	decode(t, resp, &conv)
	assert.Equal(t, "c1", conv.ConversationID)
	assert.Equal(t, 1, conv.Connections)
	assert.Equal(t, "multi", conv.Mode)
	assert.Equal(t, 1000, conv.QueueSizeLimit)
	require.Len(t, conv.Participants, 1)
	assert.Equal(t, "alice", conv.Participants[0].ParticipantID)
}

func TestGetConversation_NotFound(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	resp := get(t, srv.URL+"/api/conversations/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "conversation not found", body["error"])
}

func TestConversationMessages(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")
	join(t, alice, "c1")

	for _, content := range []string{"one", "two", "three"} {
		send(t, alice, protocol.Inbound{Type: protocol.InboundMessage, ConversationID: "c1", Content: content})
		readUntil(t, alice, protocol.OutboundMessageAck)
	}

	var got MessagesResponse
	require.Eventually(t, func() bool {
		resp := get(t, srv.URL+"/api/conversations/c1/messages", "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		got = MessagesResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			return false
		}
		return len(got.Messages) == 3
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "one", got.Messages[0].Content)
	assert.Equal(t, "three", got.Messages[2].Content)

	resp := get(t, srv.URL+"/api/conversations/c1/messages?after=1&limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page MessagesResponse
	decode(t, resp, &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "three", page.Messages[0].Content)
}

func TestConversationMessages_BadParams(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	tests := []string{"limit=0", "limit=abc", "after=-1", "after=x"}
	for _, q := range tests {
		t.Run(q, func(t *testing.T) {
			resp := get(t, srv.URL+"/api/conversations/c1/messages?"+q, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestConversationFailuresAndJobs(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")
	join(t, alice, "c1")

	resp := get(t, srv.URL+"/api/conversations/c1/failures", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var failures FailuresResponse
	decode(t, resp, &failures)
	assert.Equal(t, "c1", failures.ConversationID)
	assert.Empty(t, failures.Failures)

	resp = get(t, srv.URL+"/api/conversations/c1/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs JobsResponse
	decode(t, resp, &jobs)
	assert.Empty(t, jobs.Jobs)
}

func TestDeleteConversation(t *testing.T) {
	_, srv := newTestGateway(t, nil)
	alice := dial(t, srv, "alice", "Alice")
	join(t, alice, "c1")

	// Keep reading so the client answers the server's close handshake.
	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			if _, _, err := alice.Read(ctx); err != nil {
				closed <- err
				return
			}
		}
	}()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/conversations/c1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case err := <-closed:
		assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	case <-time.After(5 * time.Second):
		t.Fatal("socket was not closed after conversation deletion")
	}

	resp = get(t, srv.URL+"/api/conversations/c1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_RequiresTokenWhenJWTEnabled(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = secret
	})

	resp := get(t, srv.URL+"/api/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, srv.URL+"/api/metrics", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	token, err := verifier.Generate(auth.Identity{ParticipantID: "ops"}, time.Hour)
	require.NoError(t, err)

	resp = get(t, srv.URL+"/api/metrics", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health probes stay open.
	resp = get(t, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_WebSocketIgnoresHeadersWhenJWTEnabled(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set(auth.HeaderParticipantID, "mallory")
	_, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: header})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownRoute(t *testing.T) {
	gw, err := New(testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
