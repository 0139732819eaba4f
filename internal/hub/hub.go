// ABOUTME: Hub daemon wiring: store, connection table, HTTP server, sweep loop
// ABOUTME: Run blocks until the context is canceled, then shuts down gracefully

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/protocol"
	"github.com/2389/parley/internal/store"
)

// hubSender is the fromAgent the hub stamps on frames it originates:
// handshake responses, presence notifications, and relay error frames.
const hubSender = "hub"

// auditBufferSize bounds the relay audit queue. The log is best-effort;
// entries past the buffer are dropped rather than stalling the relay.
const auditBufferSize = 256

// Hub is the coordination daemon: registry directory, agent streams, and
// the frame relay between them.
type Hub struct {
	cfg       *config.Config
	store     store.Store
	conns     *connTable
	feed      *Feed
	dedupe    *dedupe.Cache
	metrics   *metrics.Metrics
	tokens    *auth.Tokens // nil when auth is disabled
	validator *protocol.SchemaValidator
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	serverID  string

	mux        *http.ServeMux
	httpServer *http.Server

	auditCh   chan *store.RelayEntry
	auditDone chan struct{}
	stopAudit sync.Once
}

// New creates a Hub from configuration. The store is opened (and its schema
// created) here; Run starts the listeners.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	validator, err := protocol.NewSchemaValidator()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("compiling payload schemas: %w", err)
	}

	h := &Hub{
		cfg:       cfg,
		store:     s,
		conns:     newConnTable(),
		feed:      NewFeed(logger),
		dedupe:    dedupe.New(5*time.Minute, 100_000),
		metrics:   metrics.New(),
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:    logger.With("component", "hub"),
		serverID:  generateServerID(cfg.Server.Name),
		auditCh:   make(chan *store.RelayEntry, auditBufferSize),
		auditDone: make(chan struct{}),
	}

	if cfg.Auth.Enabled {
		h.tokens = auth.NewTokens([]byte(cfg.Auth.TokenSecret))
		h.logger.Info("bearer token auth enabled")
	} else {
		h.logger.Warn("auth disabled - no token required")
	}

	mux := http.NewServeMux()

	// Health endpoints, no auth required
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)

	// Agent stream; auth is checked before the upgrade
	mux.HandleFunc("/ws", h.handleStream)

	h.registerAPIRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, h.metrics.Handler())
		h.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	h.mux = mux
	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go h.auditLoop()

	return h, nil
}

// Handler exposes the hub's HTTP mux. Tests serve it via httptest.
func (h *Hub) Handler() http.Handler {
	return h.mux
}

// ServerID identifies this hub instance in handshake responses.
func (h *Hub) ServerID() string {
	return h.serverID
}

// Run starts the HTTP server and the expiry sweep, then blocks until the
// context is canceled or the server fails. Returns nil on graceful
// shutdown.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.cfg.Server.HTTPAddr, err)
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go h.sweepLoop(sweepCtx)

	errCh := h.startServer(ln)
	serverErr := h.waitForShutdownSignal(ctx, errCh)

	shutdownErr := h.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (h *Hub) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		h.logger.Info("hub listening", "addr", ln.Addr().String())
		if err := h.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (h *Hub) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		h.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled.
func (h *Hub) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Shutdown(ctx)
}

// Shutdown stops the HTTP server, closes every agent stream, drains the
// audit queue, and releases resources.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down hub")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(ctx))

	// Server.Shutdown does not touch hijacked connections; the streams are
	// closed here.
	h.conns.closeAll()

	h.stopAudit.Do(func() { close(h.auditCh) })
	select {
	case <-h.auditDone:
	case <-ctx.Done():
	}

	h.feed.Close()
	h.dedupe.Close()
	errs = appendCloseError(errs, "store close", h.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// sweepLoop periodically refreshes connected agents, marks stale directory
// records offline, and prunes long-dead ones.
func (h *Hub) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Agents.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

// sweep runs one liveness pass. A live stream counts as liveness: connected
// agents get their last seen refreshed first so the offline mark below
// never touches them, whatever their heartbeat cadence.
func (h *Hub) sweep(ctx context.Context) {
	now := time.Now().UTC()

	for _, c := range h.conns.list() {
		agent, err := h.store.GetAgent(ctx, c.agentID)
		if err != nil {
			continue
		}
		if err := h.store.TouchAgent(ctx, c.agentID, agent.Status, now); err != nil {
			h.logger.Warn("refreshing connected agent failed", "agent_id", c.agentID, "error", err)
		}
	}

	marked, err := h.store.MarkOfflineBefore(ctx, now.Add(-h.cfg.Agents.OfflineAfter))
	if err != nil {
		h.logger.Warn("offline sweep failed", "error", err)
	} else if marked > 0 {
		h.logger.Info("marked stale agents offline", "count", marked)
	}

	pruned, err := h.store.PruneAgentsBefore(ctx, now.Add(-h.cfg.Agents.PruneAfter))
	if err != nil {
		h.logger.Warn("prune sweep failed", "error", err)
	} else if pruned > 0 {
		h.logger.Info("pruned dead agent records", "count", pruned)
	}
}

// audit queues a relay log entry without blocking the relay path.
func (h *Hub) audit(entry *store.RelayEntry) {
	select {
	case h.auditCh <- entry:
	default:
		h.logger.Debug("audit queue full, dropping entry", "message_id", entry.MessageID)
	}
}

// auditLoop writes queued relay entries to the store until the queue is
// closed at shutdown.
func (h *Hub) auditLoop() {
	defer close(h.auditDone)

	for entry := range h.auditCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.store.AppendRelayLog(ctx, entry); err != nil {
			h.logger.Warn("relay audit write failed", "message_id", entry.MessageID, "error", err)
		}
		cancel()
	}
}

// handleHealth returns 200 OK if the server is alive.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one agent stream is live.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	n := h.conns.count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// generateServerID creates a unique identifier for this hub instance.
func generateServerID(name string) string {
	if name == "" {
		name = "parley-hub"
	}
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%1000000)
}
