// Package main is the entry point for the ACP bridge. It spawns one coding
// agent, keeps a single active session on it and exposes the runtime to UI
// clients over a WebSocket gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/bridge"
	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/constants"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "acpbridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	fs := pflag.NewFlagSet("acpbridge", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	configDir, _ := fs.GetString("config")
	cfg, err := config.LoadWithPath(configDir, fs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting ACP bridge...", zap.String("addr", cfg.Server.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Event bus
	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		return err
	}
	defer runCleanup(log, "event bus", busCleanup)

	// 4. Session history
	repo, storageCleanups, err := provideHistory(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		for i := len(storageCleanups) - 1; i >= 0; i-- {
			runCleanup(log, "storage", storageCleanups[i])
		}
	}()

	// 5. Runtime
	rt, err := bridge.New(cfg, eventBus, repo, log)
	if err != nil {
		return err
	}

	// 6. Gateway and HTTP server
	gatewayCtx, cancelGateway := context.WithCancel(ctx)
	defer cancelGateway()
	router, err := provideRouter(gatewayCtx, cfg, rt, log)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	// 7. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancelGateway()
	if err := rt.Close(shutdownCtx); err != nil {
		log.Error("Runtime shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("ACP bridge stopped")
	return nil
}

func runCleanup(log *logger.Logger, name string, cleanup func() error) {
	if cleanup == nil {
		return
	}
	if err := cleanup(); err != nil {
		log.Warn("cleanup failed", zap.String("component", name), zap.Error(err))
	}
}
