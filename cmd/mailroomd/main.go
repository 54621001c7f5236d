// Command mailroomd runs the mailroom package-tracking server.
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

	"github.com/oakmount-io/mailroom/pkg/audit"
	"github.com/oakmount-io/mailroom/pkg/config"
	"github.com/oakmount-io/mailroom/pkg/identity"
	"github.com/oakmount-io/mailroom/pkg/packages"
	"github.com/oakmount-io/mailroom/pkg/recipients"
	"github.com/oakmount-io/mailroom/pkg/settings"
	"github.com/oakmount-io/mailroom/pkg/store"
	"github.com/oakmount-io/mailroom/pkg/web"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := cfg.NewLogger(); err != nil {
		return err
	}
	slog.Info("starting mailroomd", "version", version, "env", cfg.AppEnv, "addr", cfg.Addr())

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	queue := store.NewQueue(st, cfg.CheckpointInterval)

	ctx := context.Background()
	recorder, err := audit.NewRecorder(ctx, st, queue)
	if err != nil {
		return err
	}

	id := identity.NewService(st, queue, recorder, identity.ParamsFromConfig(cfg))
	if err := id.EnsureInitialAdmin(ctx); err != nil {
		return err
	}

	recs := recipients.NewService(st, queue, recorder)
	files := packages.NewFileStore(cfg.UploadDir, cfg.MaxUploadSize, cfg.AllowedImageTypes)
	pkgs := packages.NewService(st, queue, recorder, recs, files)
	set := settings.NewService(st, queue, recorder)

	srv := web.NewServer(cfg, st, id, recs, pkgs, set, recorder, version).HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	// Stop taking requests, then drain pending writes and checkpoint.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	drainCtx, cancelDrain := context.WithTimeout(ctx, shutdownGrace)
	defer cancelDrain()
	if err := queue.Shutdown(drainCtx); err != nil {
		slog.Warn("write queue drain incomplete", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}
