package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Michael-24-wall/gridsync/internal/relayserver"
)

func main() {
	logger := buildLogger()
	defer func() {
		_ = logger.Sync()
	}()

	addr := os.Getenv("GRIDSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend, err := relayserver.BuildStateBackendFromDSN(backendDSNFromEnv())
	if err != nil {
		logger.Fatal("failed to initialize state backend", zap.Error(err))
	}
	store, err := relayserver.NewStore(backend)
	if err != nil {
		logger.Fatal("failed to load relay state", zap.Error(err))
	}
	defer func() {
		_ = store.Close()
	}()

	if title := strings.TrimSpace(os.Getenv("GRIDSYNC_SEED_SPREADSHEET")); title != "" {
		view, err := store.CreateSpreadsheet(title, nil)
		if err != nil {
			logger.Warn("seed spreadsheet failed", zap.Error(err))
		} else {
			logger.Info("seeded spreadsheet",
				zap.String("id", view.ID),
				zap.String("sheet", view.Sheets[0].ID))
		}
	}

	server := relayserver.NewServer(store, relayserver.ServerConfig{
		AuthToken: os.Getenv("GRIDSYNC_AUTH_TOKEN"),
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: durationEnv("GRIDSYNC_READ_HEADER_TIMEOUT", 10*time.Second),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("gridsync relay listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("GRIDSYNC_SHUTDOWN_TIMEOUT", 5*time.Second))
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	if boolEnv("GRIDSYNC_DEBUG", false) {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		os.Exit(1)
	}
	return logger
}

func backendDSNFromEnv() string {
	if dsn := strings.TrimSpace(os.Getenv("GRIDSYNC_STATE_BACKEND_DSN")); dsn != "" {
		return dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("GRIDSYNC_POSTGRES_DSN")); dsn != "" {
		return dsn
	}
	if file := strings.TrimSpace(os.Getenv("GRIDSYNC_STATE_FILE")); file != "" {
		return "file://" + file
	}
	return "memory://"
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
