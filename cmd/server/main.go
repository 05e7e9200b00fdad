package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/liamcoop/claims/internal/config"
	"github.com/liamcoop/claims/internal/logger"
)

func main() {
	cfg, err := config.Load(os.Getenv("CLAIMS_CONFIG"))
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to start claims service", "error", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      otelhttp.NewHandler(a.server, "claims-api"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := a.Close(); err != nil {
		logger.Error("failed to release resources", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to flush logs", "error", err)
	}
	logger.Info("server stopped")
}
