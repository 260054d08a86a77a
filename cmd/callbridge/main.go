package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callbridge/callbridge/internal/api"
	"github.com/callbridge/callbridge/internal/bridge"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/control"
	"github.com/callbridge/callbridge/internal/database"
	"github.com/callbridge/callbridge/internal/events"
	"github.com/callbridge/callbridge/internal/invite"
	"github.com/callbridge/callbridge/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callbridge",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Repositories.
	sessions := database.NewSessionRepository(db)
	invites := database.NewInviteRepository(db)
	servers := database.NewServerRepository(db)
	registrations := database.NewRegistrationRepository(db)
	identities := database.NewIdentityRepository(db)

	// Control-plane adapter and the two write paths over the session store.
	ctrl := control.NewAdapter(registrations, servers)
	ctrl.StartCleanupLoop(appCtx, 10*time.Minute)
	mirror := bridge.NewMirror()
	orchestrator := bridge.NewOrchestrator(ctrl, sessions, servers, mirror)
	reconciler := events.NewReconciler(sessions, mirror)

	// Invite pairing with optional push notification of readiness.
	var notifier invite.Notifier
	if gw := invite.NewGatewayNotifier(cfg.NotifyGatewayURL, cfg.NotifyAPIKey); gw.Configured() {
		notifier = gw
		slog.Info("readiness notifications enabled", "gateway", cfg.NotifyGatewayURL)
	} else {
		slog.Info("no notification gateway configured, readiness is poll-only")
	}
	inviteSvc := invite.NewService(invites, identities, notifier, cfg.InviteTTL())
	inviteSvc.StartExpiryLoop(appCtx, 5*time.Minute)

	// Prometheus metrics.
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(
		&sessionCountAdapter{sessions: sessions},
		invites,
		mirror,
		time.Now(),
	)
	registry.MustRegister(collector)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	// HTTP server using the api package.
	handler := api.NewServer(cfg, orchestrator, reconciler, inviteSvc, sessions, identities, servers, registrations, jwtSecret, metricsHandler)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("callbridge stopped")
}

// sessionCountAdapter bridges the session repository with the metrics
// collector's string-keyed interface.
type sessionCountAdapter struct {
	sessions database.SessionRepository
}

func (a *sessionCountAdapter) CountByStatus(ctx context.Context) (map[string]int64, error) {
	counts, err := a.sessions.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out, nil
}
