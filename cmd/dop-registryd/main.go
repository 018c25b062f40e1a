// Command dop-registryd serves the dop package registry's HTTP API: OAuth
// login, refresh-token rotation, CLI tokens, content-addressed recipe
// archive upload/download, and package search.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dopamine-pm/dop/internal/config"
	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/registryserver"
)

const provisionalArchiveSweepInterval = time.Minute

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := log.New(handler)
	log.SetDefault(logger)

	if err := run(logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	cfg, err := config.ServerConfigFromEnv()
	if err != nil {
		return fmt.Errorf("dop-registryd: %w", err)
	}

	store, err := registryserver.Open(cfg.DBConnString, cfg.DBPoolMaxSize)
	if err != nil {
		return fmt.Errorf("dop-registryd: %w", err)
	}
	defer store.Close()

	storage, err := buildStorage(cfg, store)
	if err != nil {
		return fmt.Errorf("dop-registryd: %w", err)
	}

	testMode := os.Getenv("DOP_REGISTRY_TESTMODE") == "1"
	if testMode {
		logger.Warn("running with DOP_REGISTRY_TESTMODE=1: the \"test\" auth provider is enabled")
	}
	srv := registryserver.NewServer(store, storage, cfg, logger, testMode)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go sweepProvisionalArchives(ctx, store, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dop-registryd listening", "addr", httpServer.Addr)
		if cfg.HTTPSCert != "" && cfg.HTTPSKey != "" {
			errCh <- httpServer.ListenAndServeTLS(cfg.HTTPSCert, cfg.HTTPSKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// buildStorage picks the archive blob backend: a filesystem tree when
// DOP_REGISTRY_STORAGEDIR is set, otherwise the same sqlite database as the
// relational store, for single-file deployments that would rather not
// manage a separate volume.
func buildStorage(cfg *config.ServerConfig, store *registryserver.Store) (registryserver.Storage, error) {
	if cfg.StorageDir != "" {
		return registryserver.NewFilesystemStorage(cfg.StorageDir), nil
	}
	return store.DatabaseStorage()
}

// sweepProvisionalArchives periodically deletes abandoned uploads whose
// 3-minute upload bearer has expired, per spec §5's concurrency model.
func sweepProvisionalArchives(ctx context.Context, store *registryserver.Store, logger log.Logger) {
	ticker := time.NewTicker(provisionalArchiveSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteExpiredProvisionalArchives(ctx, time.Now().Add(-3*time.Minute))
			if err != nil {
				logger.Warn("provisional archive sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("swept expired provisional archives", "count", n)
			}
		}
	}
}
