// ABOUTME: HTTP routing for huddle-gateway using gorilla/mux
// ABOUTME: Health probes are open; the websocket always needs an identity, the API only when JWT auth is on

package gateway

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)

	r.Handle("/ws", g.resolver.Middleware(http.HandlerFunc(g.handleWebSocket))).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	if g.verifier != nil {
		api.Use(g.resolver.Middleware)
	}
	api.HandleFunc("/metrics", g.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", g.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", g.handleDeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/messages", g.handleConversationMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/failures", g.handleConversationFailures).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/jobs", g.handleConversationJobs).Methods(http.MethodGet)

	return r
}
