package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/config"
)

const shutdownTimeout = 30 * time.Second

func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, nil); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "credentiald stopped")
	return 0
}

// serve runs the server until ctx is cancelled. ready, when set, receives
// the listener address once requests are accepted.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready chan<- string) error {
	profile, err := config.LoadChainProfile(cfg.ChainProfile)
	if err != nil {
		return err
	}
	if cfg.LiteMode() {
		logger.Info("DATABASE_URL not set; running in lite mode", "data_dir", cfg.DataDir)
	}

	svc, err := NewServices(ctx, cfg, profile, logger)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("release resources", "error", err)
		}
	}()

	if _, err := svc.Batches.Recover(ctx); err != nil {
		return err
	}
	svc.Batches.Start()

	sched, err := newScheduler(svc, cfg, logger)
	if err != nil {
		return err
	}
	sched.Start()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("listen on %s: %w", cfg.Port, err)
	}
	srv := &http.Server{
		Handler:           svc.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("credentiald listening", "addr", ln.Addr().String(), "version", version)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := sched.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
	}
	if err := svc.Batches.Stop(shutdownCtx); err != nil {
		logger.Warn("batch workers did not drain", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
