// ABOUTME: Daemon wires the Machine Agent's registry, inbox, injector, and duplex/direct notification paths
// ABOUTME: Mirrors the Edge Router's single-process Server in shape: New builds it, Run blocks, Shutdown drains it

package machineagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykeep/relaykeep/internal/agentinbox"
	"github.com/relaykeep/relaykeep/internal/chatprovider/telegram"
	"github.com/relaykeep/relaykeep/internal/injector"
	"github.com/relaykeep/relaykeep/internal/injector/editorrpc"
	"github.com/relaykeep/relaykeep/internal/injector/multiplexer"
	"github.com/relaykeep/relaykeep/internal/injector/pty"
	"github.com/relaykeep/relaykeep/internal/machineagent/config"
	"github.com/relaykeep/relaykeep/internal/machineagent/hubclient"
	"github.com/relaykeep/relaykeep/internal/machineagent/localapi"
	"github.com/relaykeep/relaykeep/internal/metrics"
	"github.com/relaykeep/relaykeep/internal/registry"
	"github.com/relaykeep/relaykeep/internal/registry/deadcheck"
	"github.com/relaykeep/relaykeep/internal/registry/tokens"
)

const (
	deadcheckInterval  = 30 * time.Second
	cleanupInterval    = 5 * time.Minute
	replyTokenTTL      = time.Hour
	multiplexerBinary  = "tmux"
	activeSessionsPoll = 15 * time.Second
)

// Daemon owns every long-lived Machine Agent component for one process.
type Daemon struct {
	cfg      *config.Config
	registry *registry.SQLiteRegistry
	tokens   *tokens.Store
	inbox    *agentinbox.Inbox
	injector *injector.Injector

	hub      *hubclient.Client // nil in direct mode: no Router means no inbound command channel
	localSrv *localapi.Server

	httpServer *http.Server
	logger     *slog.Logger
}

// New wires a Daemon from a loaded config.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	reg, err := registry.NewSQLiteRegistry(filepath.Join(cfg.Local.DataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("opening session registry: %w", err)
	}

	tokenStore, err := tokens.Open(filepath.Join(cfg.Local.DataDir, "tokens.db"))
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("opening token store: %w", err)
	}
	reg.SetTokenDeleter(tokenStore)

	inbox, err := agentinbox.Open(filepath.Join(cfg.Local.DataDir, "inbox.db"))
	if err != nil {
		_ = reg.Close()
		_ = tokenStore.Close()
		return nil, fmt.Errorf("opening command inbox: %w", err)
	}

	inj := injector.New(editorrpc.New(), multiplexer.New(multiplexerBinary), pty.New())

	var notifier localapi.Notifier
	var hub *hubclient.Client
	if cfg.RouterMediated() {
		notifier = localapi.NewRouterNotifier(cfg.Router.URL, cfg.Router.SharedAPIKey)

		handler := &commandHandler{registry: reg, injector: inj, inbox: inbox, logger: logger}
		hub = hubclient.New(hubclient.Config{
			RouterURL:        cfg.Router.URL,
			MachineID:        cfg.MachineID,
			SharedAPIKey:     cfg.Router.SharedAPIKey,
			ReconnectInitial: cfg.Router.ReconnectInitial,
			ReconnectMax:     cfg.Router.ReconnectMax,
			PongTimeout:      cfg.Router.PongTimeout,
		}, inbox, handler, logger)
		handler.hub = hub
	} else {
		provider, err := telegram.New(cfg.Direct.BotToken)
		if err != nil {
			_ = reg.Close()
			_ = tokenStore.Close()
			_ = inbox.Close()
			return nil, fmt.Errorf("constructing direct chat provider: %w", err)
		}
		notifier = localapi.NewDirectNotifier(provider)
	}

	localSrv := localapi.New(reg, tokenStore, notifier, cfg.ChatID, replyTokenTTL, logger)

	mux := http.NewServeMux()
	mux.Handle("/", localSrv.Routes())
	mux.Handle("/metrics", promhttp.Handler())

	return &Daemon{
		cfg:      cfg,
		registry: reg,
		tokens:   tokenStore,
		inbox:    inbox,
		injector: inj,
		hub:      hub,
		localSrv: localSrv,
		httpServer: &http.Server{
			Addr:              cfg.Local.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}, nil
}

// Run starts the loopback HTTP server, the duplex client (if configured),
// and the background maintenance loops, blocking until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", d.httpServer.Addr, err)
	}

	if d.hub != nil {
		go d.hub.Run(ctx)
	}
	go d.runDeadcheck(ctx)
	go d.runCleanup(ctx)
	go d.reportActiveSessions(ctx)
	go d.reportInboxSize(ctx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("agent listening", "addr", ln.Addr().String(), "router_mediated", d.cfg.RouterMediated())
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		d.logger.Info("context canceled, shutting down agent")
	case err := <-errCh:
		d.logger.Error("agent server error", "error", err)
		_ = d.gracefulShutdown()
		return err
	}

	return d.gracefulShutdown()
}

func (d *Daemon) runDeadcheck(ctx context.Context) {
	checker := deadcheck.New(d.registry, deadcheck.OSProber{})
	ticker := time.NewTicker(deadcheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := checker.Sweep(ctx)
			if err != nil {
				d.logger.Error("deadcheck sweep failed", "error", err)
				continue
			}
			if len(ids) > 0 {
				d.logger.Info("deadcheck removed sessions with dead parents", "count", len(ids))
			}
		}
	}
}

func (d *Daemon) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids, err := d.registry.CleanupExpired(ctx); err != nil {
				d.logger.Error("registry cleanup failed", "error", err)
			} else if len(ids) > 0 {
				d.logger.Info("registry cleanup removed expired sessions", "count", len(ids))
			}
			if n, err := d.tokens.CleanupExpired(ctx); err != nil {
				d.logger.Error("token cleanup failed", "error", err)
			} else if n > 0 {
				d.logger.Info("token cleanup removed expired tokens", "count", n)
			}
		}
	}
}

func (d *Daemon) reportActiveSessions(ctx context.Context) {
	ticker := time.NewTicker(activeSessionsPoll)
	defer ticker.Stop()
	for {
		sessions, err := d.registry.List(ctx, true, false)
		if err != nil {
			d.logger.Error("listing active sessions for metrics failed", "error", err)
		} else {
			metrics.ActiveSessions.Set(float64(len(sessions)))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) reportInboxSize(ctx context.Context) {
	ticker := time.NewTicker(activeSessionsPoll)
	defer ticker.Stop()
	for {
		undone, err := d.inbox.ListUndone(ctx)
		if err != nil {
			d.logger.Error("listing undone inbox entries for metrics failed", "error", err)
		} else {
			metrics.InboxSize.Set(float64(len(undone)))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Shutdown(ctx)
}

// Shutdown drains the HTTP server and closes every local database.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if err := d.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	d.localSrv.Close()
	if err := d.inbox.Close(); err != nil {
		errs = append(errs, fmt.Errorf("inbox close: %w", err))
	}
	if err := d.tokens.Close(); err != nil {
		errs = append(errs, fmt.Errorf("token store close: %w", err))
	}
	if err := d.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("registry close: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
