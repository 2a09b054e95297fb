// Voxgate - real-time call-orchestration gateway
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxgate/voxgate/internal/api"
	"github.com/voxgate/voxgate/internal/backend"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/middleware"
	"github.com/voxgate/voxgate/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting gateway", "port", cfg.Port, "session_ttl", cfg.SessionTTL)

	// Initialize dependencies.
	st, err := store.NewRedis(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB, cfg.SessionTTL)
	if err != nil {
		slog.Error("Failed to connect to session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()
	slog.Info("Session store connected", "addr", cfg.RedisURL)

	bc := backend.NewClient(cfg.ServiceURLs(), cfg.ServiceAPIKey, cfg.ServiceTimeout, backend.DefaultBackoff)

	// Initialize services and handlers.
	mgr := gateway.NewManager(bc, st, config.DefaultVoiceID)
	wsHandler := gateway.NewWSHandler(mgr, bc, st, cfg)
	opsHandler := api.NewHandler(mgr, bc, st)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.AllowedOrigin}))

	opsHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	// Caller connection endpoint.
	r.Get("/ws/{org_id}", wsHandler.ServeHTTP)

	// Create server. WriteTimeout stays zero: call connections are
	// long-lived and writes are paced by the session, not the server.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Gateway stopped successfully")
}
