// ABOUTME: HTTP middleware that resolves the caller's participant identity
// ABOUTME: Reads a bearer JWT (header or query) or, without a verifier, trusted identity headers

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Trusted identity headers and query parameters, honoured only when no verifier is configured.
const (
	HeaderParticipantID   = "X-Participant-Id"
	HeaderParticipantName = "X-Participant-Name"
	QueryToken            = "token"
	QueryParticipantID    = "participant_id"
	QueryDisplayName      = "display_name"
)

// ErrNoIdentity is returned when a request carries no usable identity.
var ErrNoIdentity = errors.New("no identity presented")

// Resolver extracts identities from HTTP requests.
type Resolver struct {
	verifier TokenVerifier
}

// NewResolver creates a resolver. A nil verifier trusts identity headers, for
// deployments behind a proxy that has already authenticated the caller.
func NewResolver(verifier TokenVerifier) *Resolver {
	return &Resolver{verifier: verifier}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Resolve returns the identity presented by r.
// Browsers cannot set headers on websocket upgrades, so the token may also arrive as ?token=.
func (res *Resolver) Resolve(r *http.Request) (Identity, error) {
	if res.verifier == nil {
		return trustedIdentity(r)
	}

	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		token = r.URL.Query().Get(QueryToken)
	}
	if token == "" {
		return Identity{}, ErrNoIdentity
	}
	return res.verifier.Verify(token)
}

func trustedIdentity(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	id := firstNonEmpty(r.Header.Get(HeaderParticipantID), q.Get(QueryParticipantID))
	if id == "" {
		return Identity{}, ErrNoIdentity
	}
	name := firstNonEmpty(r.Header.Get(HeaderParticipantName), q.Get(QueryDisplayName), id)
	return Identity{ParticipantID: id, DisplayName: name}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Middleware rejects requests without a valid identity and attaches it to the request context.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := res.Resolve(r)
		if err != nil {
			msg := "invalid token"
			switch {
			case errors.Is(err, ErrNoIdentity):
				msg = "missing identity"
			case errors.Is(err, ErrExpiredToken):
				msg = "token expired"
			}
			http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
