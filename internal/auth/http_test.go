// ABOUTME: Tests for the HTTP identity resolver and middleware
// ABOUTME: Covers bearer tokens, query tokens, trusted headers, and rejection paths

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWith(t *testing.T, res *Resolver, req *http.Request) (*httptest.ResponseRecorder, Identity, bool) {
	t.Helper()
	var (
		got Identity
		ok  bool
	)
	handler := res.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, got, ok
}

func TestMiddleware_BearerToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, err := verifier.Generate(Identity{ParticipantID: "alice", DisplayName: "Alice"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec, got, ok := serveWith(t, NewResolver(verifier), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ok)
	assert.Equal(t, "alice", got.ParticipantID)
	assert.Equal(t, "Alice", got.DisplayName)
}

func TestMiddleware_QueryToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, err := verifier.Generate(Identity{ParticipantID: "carol"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)

	rec, got, ok := serveWith(t, NewResolver(verifier), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ok)
	assert.Equal(t, "carol", got.ParticipantID)
}

func TestMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, err := verifier.Generate(Identity{ParticipantID: "alice"}, -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "no identity", header: "", wantMsg: "missing identity"},
		{name: "garbage token", header: "Bearer nonsense", wantMsg: "invalid token"},
		{name: "expired token", header: "Bearer " + expired, wantMsg: "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec, _, ok := serveWith(t, NewResolver(verifier), req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantMsg)
			assert.False(t, ok)
		})
	}
}

func TestMiddleware_TrustedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set(HeaderParticipantID, "dave")
	req.Header.Set(HeaderParticipantName, "Dave")

	rec, got, ok := serveWith(t, NewResolver(nil), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ok)
	assert.Equal(t, Identity{ParticipantID: "dave", DisplayName: "Dave"}, got)
}

func TestMiddleware_TrustedQueryFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?participant_id=erin", nil)

	_, got, ok := serveWith(t, NewResolver(nil), req)
	require.True(t, ok)
	assert.Equal(t, "erin", got.ParticipantID)
	assert.Equal(t, "erin", got.DisplayName)
}

func TestMiddleware_TrustedModeIgnoresTokensWithoutID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer whatever")

	rec, _, ok := serveWith(t, NewResolver(nil), req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, ok)
}
