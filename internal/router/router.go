// ABOUTME: Router orchestrates the Edge Router's HTTP server, duplex hub, webhook, and sweeps
// ABOUTME: Mirrors the teacher gateway's single-process Run/Shutdown lifecycle, minus gRPC and Tailscale

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykeep/relaykeep/internal/auth"
	"github.com/relaykeep/relaykeep/internal/chatprovider"
	"github.com/relaykeep/relaykeep/internal/chatprovider/telegram"
	"github.com/relaykeep/relaykeep/internal/metrics"
	"github.com/relaykeep/relaykeep/internal/router/config"
	"github.com/relaykeep/relaykeep/internal/router/hub"
	"github.com/relaykeep/relaykeep/internal/router/httpapi"
	"github.com/relaykeep/relaykeep/internal/router/sweep"
	"github.com/relaykeep/relaykeep/internal/router/webhook"
	"github.com/relaykeep/relaykeep/internal/routerstore"
)

// Server owns every long-lived Edge Router component for one process.
type Server struct {
	config *config.Config
	store  routerstore.Store
	hub    *hub.Manager
	sweep  *sweep.Sweeper

	httpServer *http.Server
	logger     *slog.Logger
}

// New wires a Server from a loaded config. The caller owns the store's
// lifetime indirectly through Shutdown.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	store, err := routerstore.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening router store: %w", err)
	}

	provider, err := telegram.New(cfg.Chat.BotToken)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("constructing chat provider: %w", err)
	}

	hubMgr := hub.New(store, logger)
	issuer := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	api := httpapi.New(store, hubMgr, provider, issuer, cfg.Auth.SharedAPIKey, cfg.Limits.MaxTotalSessions, cfg.Limits.ReplyTokenTTL, logger)

	webhookCfg := webhook.Config{
		WebhookSecret:         cfg.Chat.WebhookSecret,
		AllowedChatIDs:        toSet(cfg.Chat.AllowedChatIDs),
		AllowedUserIDs:        toSet(cfg.Chat.AllowedUserIDs),
		MaxCommandLengthBytes: cfg.Limits.MaxCommandLengthBytes,
		MaxQueuePerMachine:    cfg.Limits.MaxQueuePerMachine,
	}
	webhookHandler := webhook.New(store, hubMgr, provider, webhookCfg, logger)

	sweeper := sweep.New(store, sweep.Config{
		SessionTTL:          cfg.Limits.SessionTTL,
		SeenUpdateRetention: cfg.Limits.SeenUpdateRetention,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/", api.Routes())
	mux.Handle(webhookPath(cfg.Chat.WebhookPathToken), webhookHandler)
	mux.Handle("/duplex", hub.UpgradeHandler(hubMgr, issuer, store, provider, logger))
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/ready", handleReady(hubMgr))
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		config: cfg,
		store:  store,
		hub:    hubMgr,
		sweep:  sweeper,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}, nil
}

func webhookPath(pathSecret string) string {
	if pathSecret == "" {
		return "/webhook"
	}
	return "/webhook/" + pathSecret
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func handleReady(hubMgr *hub.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := hubMgr.CountOnline()
		if n == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("no machines connected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ready (%d machines)", n)
	}
}

// Run starts the HTTP listener and sweep loop, blocking until ctx is
// canceled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go s.sweep.Start(sweepCtx)
	go s.reportConnectedMachines(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("router listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down router")
	case err := <-errCh:
		s.logger.Error("router server error", "error", err)
		_ = s.gracefulShutdown()
		return err
	}

	return s.gracefulShutdown()
}

// reportConnectedMachines keeps the connected-machines gauge fresh. The hub
// itself has no natural "count changed" hook to push from, so this polls on
// a short interval instead.
func (s *Server) reportConnectedMachines(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		metrics.ConnectedMachines.Set(float64(s.hub.CountOnline()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown drains the HTTP server and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
