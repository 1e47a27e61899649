// ABOUTME: serve command running the context manager as a long-lived daemon
// ABOUTME: Restores from storage, schedules snapshots and exposes health and metrics endpoints

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-context/internal/config"
	"github.com/2389/coven-context/internal/manager"
	"github.com/2389/coven-context/internal/metrics"
	"github.com/2389/coven-context/internal/rpcstatus"
	"github.com/2389/coven-context/internal/state"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the context manager until interrupted",
		Long: `Run the context manager until SIGINT or SIGTERM.

On start the persisted snapshots are loaded and every stored context is
recovered from its latest snapshot. While running, changed contexts are
snapshotted every snapshots.interval. On shutdown changed contexts are
snapshotted once more and pending writes are flushed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := root.load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, path)
		},
	}
}

func printStartup(cfg *config.Config, configPath string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	storage := cfg.Storage.Backend
	switch cfg.Storage.Backend {
	case "sqlite", "badger":
		storage += " " + cfg.Storage.Path
	}
	line("Storage", storage)
	if cfg.Snapshots.Interval > 0 {
		line("Snapshots", "every "+cfg.Snapshots.Interval.String())
	} else {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Snapshots:")
		yellow.Println("on demand only")
	}
	if cfg.Metrics.Enabled {
		line("Metrics", "http://"+cfg.Metrics.Addr+cfg.Metrics.Path)
	}
	fmt.Println()
}

func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	printStartup(cfg, configPath)
	logger := setupLogger(os.Stdout, cfg.Logging)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	m, err := manager.NewFromConfig(ctx, cfg, collector, logger)
	if err != nil {
		return fmt.Errorf("creating context manager: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			logger.Error("closing context manager", "error", err)
		}
	}()

	if cfg.Contexts.RestoreOnStart {
		if _, err := m.RestoreFromStorage(ctx); err != nil {
			logger.Error("restoring contexts from storage", "error", err)
		}
	}
	if id := cfg.Contexts.Active; id != "" {
		if _, err := m.EnsureContext(id); err != nil {
			return fmt.Errorf("creating active context: %w", err)
		}
		if err := m.SetActiveContext(id); err != nil {
			return err
		}
	}

	logger.Info("starting coven-context",
		"config", configPath,
		"backend", cfg.Storage.Backend,
		"contexts", len(m.List()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		drainSyncErrors(gctx, m.Errors(), collector, logger)
		return nil
	})

	if cfg.Snapshots.Interval > 0 {
		g.Go(func() error {
			return m.RunSnapshots(gctx, cfg.Snapshots.Interval)
		})
	}

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newMux(cfg.Metrics.Path, reg),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	finalCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if n, serr := m.SnapshotChanged(finalCtx); serr != nil {
		logger.Warn("final snapshot pass failed", "error", serr)
	} else if n > 0 {
		logger.Info("captured contexts on shutdown", "count", n)
	}

	logger.Info("coven-context stopped")
	return err
}

func newMux(metricsPath string, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("GET "+metricsPath, metrics.Handler(reg))
	return mux
}

// drainSyncErrors logs subscriber failures and counts them until ctx is done.
func drainSyncErrors(ctx context.Context, errs <-chan *state.SyncError, collector *metrics.Collector, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case serr, ok := <-errs:
			if !ok {
				return
			}
			collector.ObserveSyncError(serr)
			logger.Warn("subscriber failed",
				"context_id", serr.ContextID,
				"version", serr.Version,
				"subscriber", serr.Subscriber,
				"code", rpcstatus.Status(serr).Code().String(),
				"error", serr.Err)
		}
	}
}
