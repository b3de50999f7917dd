// ABOUTME: Gateway orchestrator that wires the relay core to its HTTP surface
// ABOUTME: Manages listeners, websocket endpoints, health, stats, and shutdown

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/handoff-gateway/internal/booking"
	"github.com/2389/handoff-gateway/internal/bot"
	"github.com/2389/handoff-gateway/internal/bus"
	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/relay"
	"github.com/2389/handoff-gateway/internal/sla"
	"github.com/2389/handoff-gateway/internal/store"
)

// Gateway orchestrates the handoff-gateway server components.
// It owns the relay core, the event bus, and the HTTP server that carries
// the user and agent websocket endpoints.
type Gateway struct {
	config      *config.Config
	store       store.Store
	booking     *booking.Service
	presence    *presence.Registry
	bus         bus.Bus
	sla         *sla.Tracker
	coordinator *relay.Coordinator
	metrics     *metrics
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HANDOFF_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initBus creates the configured event bus backend.
func initBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Backend {
	case "redis":
		return bus.NewRedisBus(ctx, cfg.Bus.Redis.Addr, cfg.Bus.Redis.Password, cfg.Bus.Redis.DB, logger)
	case "amqp":
		return bus.NewAMQPBus(cfg.Bus.AMQP.URL, cfg.Bus.AMQP.Exchange, logger)
	default:
		return bus.NewMemoryBus(logger), nil
	}
}

// initDecider picks the bot collaborator: the external HTTP endpoint when
// configured, the built-in booking responder otherwise.
func initDecider(cfg *config.Config, bookingSvc *booking.Service, logger *slog.Logger) bot.Decider {
	if cfg.Bot.Endpoint != "" {
		logger.Info("using external bot endpoint", "endpoint", cfg.Bot.Endpoint)
		return bot.NewHTTPDecider(cfg.Bot.Endpoint, cfg.Bot.Timeout, cfg.Bot.MaxRetries, logger)
	}
	logger.Info("using built-in booking responder")
	return booking.NewResponder(bookingSvc, logger)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	bookingPath := cfg.Booking.Path
	if bookingPath == "" {
		bookingPath = ":memory:"
	}
	bookingSvc, err := booking.NewService(bookingPath, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initializing booking service: %w", err)
	}
	if cfg.Booking.Seed {
		if err := bookingSvc.Seed(context.Background()); err != nil {
			_ = bookingSvc.Close()
			_ = s.Close()
			return nil, fmt.Errorf("seeding booking data: %w", err)
		}
	}

	eventBus, err := initBus(context.Background(), cfg, logger)
	if err != nil {
		_ = bookingSvc.Close()
		_ = s.Close()
		return nil, fmt.Errorf("initializing event bus: %w", err)
	}

	registry := presence.NewRegistry(logger)
	tracker := sla.NewTracker(s, logger)
	decider := initDecider(cfg, bookingSvc, logger)
	coordinator := relay.NewCoordinator(s, registry, eventBus, tracker, decider, logger)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		booking:     bookingSvc,
		presence:    registry,
		bus:         eventBus,
		sla:         tracker,
		coordinator: coordinator,
		metrics:     newMetrics(registry, tracker),
		logger:      logger.With("component", "gateway"),
		serverID:    generateServerID(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", gw.handleUserSocket)
	mux.HandleFunc("/ws/agent", gw.handleAgentSocket)
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc("/api/stats", gw.handleStats)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(gw.metrics.registry, promhttp.HandlerOpts{}))
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.metrics.instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// setupTCPListener creates a standard TCP listener for the HTTP server.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListeners creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(listener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "handoff-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
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
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	errs = appendCloseError(errs, "bus close", g.bus.Close())
	errs = appendCloseError(errs, "booking close", g.booking.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns a JSON snapshot of relay state.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := g.coordinator.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status   string `json:"status"`
		ServerID string `json:"server_id"`
		*relay.Snapshot
	}{
		Status:   "ok",
		ServerID: g.serverID,
		Snapshot: snap,
	})
}

// handleReady returns 200 OK if at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.presence.Count(presence.KindAgent)
	if agents == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", agents)
}

// statsResponse is the /api/stats payload.
type statsResponse struct {
	SLA struct {
		Completed   int     `json:"completed"`
		AvgWaitMS   int64   `json:"avg_wait_ms"`
		ActiveWaits int     `json:"active_waits"`
		MaxWaitMS   int64   `json:"max_wait_ms"`
		AvgWaitSec  float64 `json:"avg_wait_seconds"`
	} `json:"sla"`
	Bookings *booking.Stats `json:"bookings,omitempty"`
}

// handleStats reports SLA aggregates and booking database counts.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	records, err := g.store.ListSLARecords(r.Context(), 500)
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	var resp statsResponse
	resp.SLA.ActiveWaits = g.sla.ActiveCount()

	var total int64
	for _, rec := range records {
		if rec.StoppedAt == nil {
			continue
		}
		resp.SLA.Completed++
		total += rec.ElapsedMS
		if rec.ElapsedMS > resp.SLA.MaxWaitMS {
			resp.SLA.MaxWaitMS = rec.ElapsedMS
		}
	}
	if resp.SLA.Completed > 0 {
		resp.SLA.AvgWaitMS = total / int64(resp.SLA.Completed)
		resp.SLA.AvgWaitSec = float64(resp.SLA.AvgWaitMS) / 1000
	}

	if stats, err := g.booking.GetStats(r.Context()); err == nil {
		resp.Bookings = stats
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("handoff-gateway-%d", time.Now().UnixNano()%1000000)
}
