package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/config"
	"github.com/rcliao/memory-substrate/internal/substrate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run maintenance jobs, notifications and metrics",
		Long:  "Run the sweeper, decay, compounding and backfill jobs on their intervals, deliver change notifications, and expose /metrics. Policies reload when the config file changes.",
		Args:  cobra.NoArgs,
		Run:   runServe,
	}

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		cfg *config.Config
		mgr *config.Manager
	)
	if path := getConfigPath(); path != "" {
		m, err := config.NewManager(path, nil)
		if err != nil {
			exitErr("load config", err)
		}
		mgr = m
		cfg = m.Get()
		applyOverrides(cfg)
	} else {
		cfg = config.DefaultConfig()
		applyOverrides(cfg)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	e, err := substrate.New(ctx, cfg, substrate.WithLogger(logger))
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()
	e.Start(ctx)

	if mgr != nil {
		mgr.OnChange(func(c *config.Config) {
			applyOverrides(c)
			e.Reconfigure(c)
		})
		if err := mgr.Watch(ctx); err != nil {
			logger.Warn("config hot-reload disabled", "error", err)
		}
		defer mgr.Close()
	}

	var server *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
				cancel()
			}
		}()
	}

	logger.Info("memory substrate running", "db", cfg.Store.Path)
	<-ctx.Done()
	logger.Info("shutting down")

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", "error", err)
		}
	}
	if err := e.Close(); err != nil {
		logger.Error("close engine", "error", err)
		os.Exit(1)
	}
}
