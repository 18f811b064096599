// ABOUTME: Gateway orchestrator that wires the conversation engine to its servers
// ABOUTME: Owns store, event bus, sweeper, realtime dispatcher, HTTP and gRPC health lifecycle

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
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/desk-gateway/internal/capacity"
	"github.com/2389/desk-gateway/internal/config"
	"github.com/2389/desk-gateway/internal/conversation"
	"github.com/2389/desk-gateway/internal/dispatch"
	"github.com/2389/desk-gateway/internal/eventbus"
	"github.com/2389/desk-gateway/internal/lifecycle"
	"github.com/2389/desk-gateway/internal/metrics"
	"github.com/2389/desk-gateway/internal/realtime"
	"github.com/2389/desk-gateway/internal/store"
	"github.com/2389/desk-gateway/internal/sweeper"
)

// Gateway orchestrates the desk-gateway server components.
type Gateway struct {
	config     *config.Config
	configPath string
	logger     *slog.Logger

	store    store.Store // raw backend; Close goes here
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	realtime *realtime.Dispatcher
	sweeper  *sweeper.Sweeper
	service  *conversation.Service

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	// streamCtx parents every request so push streams end before the HTTP
	// server drains.
	streamCtx   context.Context
	stopStreams context.CancelFunc

	closeOnce sync.Once
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithConfigPath enables hot reload of sweeper thresholds from path.
func WithConfigPath(path string) Option {
	return func(g *Gateway) { g.configPath = path }
}

// New opens the configured backends and wires the engine. It does not
// listen; call Run for that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	bus, err := openBus(ctx, cfg.EventBus, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	g, err := assemble(cfg, st, bus, logger)
	if err != nil {
		_ = bus.Close()
		_ = st.Close()
		return nil, err
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// assemble builds the engine over an already opened store and bus.
func assemble(cfg *config.Config, st store.Store, bus eventbus.Bus, logger *slog.Logger) (*Gateway, error) {
	m := metrics.New()
	feed := store.NewChangeFeed(st, bus, logger)

	gate := capacity.New(feed, logger)
	machine := lifecycle.New(feed, gate, m, logger)
	engine := dispatch.New(feed, machine, gate, m, logger)

	rt := realtime.New(bus, realtime.Options{
		DedupeTTL:  cfg.Realtime.DedupeTTL,
		DedupeSize: cfg.Realtime.DedupeSize,
	}, m, logger)
	if err := rt.Start(); err != nil {
		return nil, fmt.Errorf("starting realtime dispatcher: %w", err)
	}

	g := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		store:    st,
		bus:      bus,
		metrics:  m,
		realtime: rt,
		sweeper:  sweeper.New(feed, machine, sweeperPolicy(cfg.Sweeper), m, logger),
		service: conversation.New(conversation.Deps{
			Store:    feed,
			Machine:  machine,
			Engine:   engine,
			Gate:     gate,
			Realtime: rt,
		}, logger),
		health: health.NewServer(),
	}

	g.streamCtx, g.stopStreams = context.WithCancel(context.Background())
	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return g.streamCtx },
	}
	g.grpcServer = newHealthGRPCServer(g.health)
	return g, nil
}

// sweeperPolicy maps config onto the sweeper's policy; zero values take
// the sweeper defaults.
func sweeperPolicy(c config.SweeperConfig) sweeper.Policy {
	return sweeper.Policy{
		Interval:     c.Interval,
		WaitingAfter: c.WaitingAfter,
		ActiveAfter:  c.ActiveAfter,
		WarnAfter:    c.WarnAfter,
		MaxWarnings:  c.MaxWarnings,
		BatchSize:    c.BatchSize,
	}
}

// Service exposes the conversation API for in-process callers.
func (g *Gateway) Service() *conversation.Service {
	return g.service
}

// Sweeper exposes the sweeper for one-off passes.
func (g *Gateway) Sweeper() *sweeper.Sweeper {
	return g.sweeper
}

// Handler returns the HTTP handler without starting a listener.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers and background loops, returning an error channel.
func (g *Gateway) startServers(ctx context.Context, grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 4)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		if err := g.sweeper.Run(ctx); err != nil {
			errCh <- fmt.Errorf("sweeper: %w", err)
		}
	}()

	go g.monitorHealth(ctx)

	if g.configPath != "" {
		go func() {
			if err := config.Watch(ctx, g.configPath, g.logger, g.applyConfig); err != nil {
				g.logger.Warn("config hot reload disabled", "path", g.configPath, "error", err)
			}
		}()
	}

	return errCh
}

// applyConfig takes the hot-reloadable parts of a new config.
func (g *Gateway) applyConfig(cfg *config.Config) {
	p := sweeperPolicy(cfg.Sweeper)
	g.sweeper.SetPolicy(p)
	g.logger.Info("sweeper thresholds updated",
		"interval", g.sweeper.Policy().Interval,
		"waiting_after", g.sweeper.Policy().WaitingAfter,
		"active_after", g.sweeper.Policy().ActiveAfter,
	)
}

// Run starts the servers and blocks until ctx is cancelled or a server
// fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := g.startServers(runCtx, grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}
	cancel()

	// The caller's context is already done; shut down on a fresh one.
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
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
	return filepath.Join(homeDir, ".local", "share", "desk-gateway", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and listens on :80 and :50051.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops servers and releases backends. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		g.health.Shutdown()
		g.stopStreams()

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "realtime close", g.realtime.Close())
		errs = appendCloseError(errs, "event bus close", g.bus.Close())
		errs = appendCloseError(errs, "store close", g.store.Close())
		err = errors.Join(errs...)
	})
	return err
}
