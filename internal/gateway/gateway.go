// ABOUTME: Gateway composition root that wires storage, connections and conversations
// ABOUTME: Owns the HTTP server (REST + websocket), the optional tailnet listener and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/2389/huddle-gateway/internal/auth"
	"github.com/2389/huddle-gateway/internal/config"
	"github.com/2389/huddle-gateway/internal/connection"
	"github.com/2389/huddle-gateway/internal/conversation"
	"github.com/2389/huddle-gateway/internal/dedupe"
	"github.com/2389/huddle-gateway/internal/participant"
	"github.com/2389/huddle-gateway/internal/responder"
	"github.com/2389/huddle-gateway/internal/store"
	"github.com/2389/huddle-gateway/internal/tracing"
)

// Gateway serves participants over websockets and exposes the REST surface.
type Gateway struct {
	config        *config.Config
	storage       *store.Client
	connections   *connection.Manager
	conversations *conversation.Manager
	resolver      *auth.Resolver
	verifier      *auth.JWTVerifier // nil in trusted-header mode
	dedupe        *dedupe.Cache[[]byte]
	tracing       *tracing.Manager
	httpServer    *http.Server
	tsnetServer   *tsnet.Server
	logger        *slog.Logger
	startedAt     time.Time

	sessionsMu sync.Mutex
	sessions   map[*session]struct{}

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// newBackend opens the durable backend named by cfg.
func newBackend(cfg config.StorageConfig) (store.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		b, err := store.NewSQLiteBackend(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite backend: %w", err)
		}
		return b, nil
	case "bolt":
		b, err := store.NewBoltBackend(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening bolt backend: %w", err)
		}
		return b, nil
	case "memory", "":
		return store.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func connectionConfig(cfg *config.Config) connection.Config {
	c := cfg.Connection
	return connection.Config{
		MaxParticipants: c.MaxParticipants,
		PingInterval:    c.PingInterval.Std(),
		PongTimeout:     c.PongTimeout.Std(),
		SweepInterval:   c.SweepInterval.Std(),
		ReconnectGrace:  c.ReconnectGrace.Std(),
		SendTimeout:     c.SendTimeout.Std(),
	}
}

func conversationConfig(cfg *config.Config) conversation.Config {
	c := cfg.Conversation
	return conversation.Config{
		QueueSizeLimit:   c.QueueSizeLimit,
		SingleModeDelay:  c.SingleModeDelay.Std(),
		MultiModeDelay:   c.MultiModeDelay.Std(),
		AssistantTimeout: c.AssistantTimeout.Std(),
		AckTimeout:       c.AckTimeout.Std(),
		ContextMessages:  c.HistoryLimit,
		FailureHistory:   c.FailureHistory,
	}
}

// buildAssistants turns the configured assistants into participants.
func buildAssistants(cfg *config.Config, logger *slog.Logger) ([]participant.Participant, error) {
	out := make([]participant.Participant, 0, len(cfg.Assistants))
	for _, a := range cfg.Assistants {
		r, err := responder.New(responder.Config{
			Type:         a.Responder.Type,
			BaseURL:      a.Responder.BaseURL,
			APIKey:       a.Responder.APIKey,
			Model:        a.Responder.Model,
			SystemPrompt: a.Responder.SystemPrompt,
			MaxTokens:    a.Responder.MaxTokens,
			Timeout:      a.Responder.Timeout.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("assistant %s: %w", a.ID, err)
		}
		out = append(out, participant.NewAssistant(
			store.ParticipantInfo{ParticipantID: a.ID, DisplayName: a.DisplayName, JoinedAt: time.Now().UTC()},
			r,
			participant.AssistantOptions{
				HumanContext:     cfg.Conversation.HumanContext,
				AssistantContext: cfg.Conversation.AssistantContext,
				Timeout:          a.Responder.Timeout.Std(),
				Logger:           logger,
			},
		))
	}
	return out, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := newBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}
	storage := store.NewClient(backend,
		store.NewCache(cfg.Cache.MaxConversations, cfg.Cache.MaxMessagesPerConversation),
		logger)

	connMgr := connection.NewManager(connectionConfig(cfg), logger)
	convMgr := conversation.NewManager(conversationConfig(cfg), storage, &deliveryTracker{conns: connMgr}, logger)
	connMgr.SetRegistry(convMgr)

	assistants, err := buildAssistants(cfg, logger)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	convMgr.SetDefaultAssistants(assistants...)

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = storage.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	gw := &Gateway{
		config:        cfg,
		storage:       storage,
		connections:   connMgr,
		conversations: convMgr,
		verifier:      verifier,
		dedupe:        dedupe.New[[]byte](cfg.Connection.DedupeTTL.Std(), 100_000, time.Minute),
		tracing: tracing.NewManager(tracing.Config{
			Enabled:     cfg.Tracing.Enabled,
			ServiceName: cfg.Tracing.ServiceName,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
		}, logger),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		sessions:  make(map[*session]struct{}),
	}
	// A nil *JWTVerifier must not become a non-nil interface.
	if verifier != nil {
		gw.resolver = auth.NewResolver(verifier)
	} else {
		gw.resolver = auth.NewResolver(nil)
		gw.logger.Warn("auth disabled - no jwt_secret configured, trusting identity headers")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway configured",
		"storage", cfg.Storage.Backend,
		"assistants", len(assistants),
		"max_participants", cfg.Connection.MaxParticipants,
		"queue_size_limit", cfg.Conversation.QueueSizeLimit)
	return gw, nil
}

// Conversations exposes the orchestrator, mainly for tests and embedding.
func (g *Gateway) Conversations() *conversation.Manager { return g.conversations }

// Connections exposes the connection layer.
func (g *Gateway) Connections() *connection.Manager { return g.connections }

// Run starts the servers and background loops and blocks until ctx is
// canceled or a server fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.tracing.Init(ctx); err != nil {
		return err
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		return g.connections.Run(gctx)
	})
	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})
	return grp.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout.Std())
	defer cancel()
	return g.Shutdown(ctx)
}

// setupListener listens on the tailnet when enabled, otherwise on server.http_addr.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "huddle-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on :80 of the tailnet.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	var dnsName string
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "dns_name", dnsName)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) trackSession(s *session) {
	g.sessionsMu.Lock()
	g.sessions[s] = struct{}{}
	g.sessionsMu.Unlock()
}

func (g *Gateway) untrackSession(s *session) {
	g.sessionsMu.Lock()
	delete(g.sessions, s)
	g.sessionsMu.Unlock()
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes every participant connection,
// drains assistant work and persistence, and releases storage. It is safe to
// call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.shuttingDown.Store(true)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "connections shutdown", g.connections.Shutdown(ctx))

	// Hijacked websockets are not tracked by http.Server.
	g.sessionsMu.Lock()
	for s := range g.sessions {
		_ = s.ws.CloseNow()
	}
	g.sessionsMu.Unlock()

	errs = appendCloseError(errs, "conversation shutdown", g.conversations.Close(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.storage.Close())
	g.dedupe.Close()
	errs = appendCloseError(errs, "tracing shutdown", g.tracing.Shutdown(ctx))

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// closeStatusIsLeave reports whether a websocket close means the participant left on purpose.
func closeStatusIsLeave(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
