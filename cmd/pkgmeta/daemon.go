// ABOUTME: Daemon command for running pkgmeta as a service
// ABOUTME: Runs provider workers, maintenance, the HTTP API and the NATS surface under one errgroup

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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/api"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/config"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/queue"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/service"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

func newDaemonCmd() *cobra.Command {
	var (
		dataDir  string
		natsURL  string
		httpAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the metadata and scan workers",
		Long: `Start the pkgmeta daemon. Every enabled provider gets a background
worker; the HTTP API exposes health, metrics and control endpoints, and
NATS (when a URL is configured) answers request/reply control messages
on pkgmeta.<provider>.<op> and pkgmeta.scan.<provider>.<op>.

Flags override the matching config file values.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if cmd.Flags().Changed("nats-url") {
				cfg.NATS.URL = natsURL
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTP.Addr = httpAddr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runDaemon(ctx, cfg, newLogger(cfg, os.Stdout))
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", config.DefaultDataDir(), "data directory for the cache database and digests")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (empty disables NATS)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP address for the API")

	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting pkgmeta daemon",
		slog.String("version", version),
		slog.String("data_dir", cfg.DataDir),
		slog.String("nats_url", cfg.NATS.URL),
		slog.String("http_addr", cfg.HTTP.Addr),
	)

	tp, err := observability.NewTracerProvider(ctx, cfg.TracingSettings(serviceName, version))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", slog.Any("error", err))
		}
	}()

	svc, err := service.New(ctx, cfg, service.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("service close error", slog.Any("error", err))
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}
	logger.Info("workers started",
		slog.Any("fetchers", svc.FetcherNames()),
		slog.Any("scanners", svc.ScannerNames()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.RunMaintenance(gctx)
	})

	if cfg.HTTP.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.NewHandler(svc, logger).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting HTTP server", slog.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
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

	if cfg.NATS.URL != "" {
		nc := natsConfig(cfg)
		client := queue.NewClient(nc, queue.NewHandler(svc, nc.Prefix), logger)
		g.Go(func() error {
			return client.Serve(gctx)
		})
	}

	logger.Info("daemon ready, waiting for requests")
	err = g.Wait()

	logger.Info("shutting down daemon")
	svc.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

// natsConfig maps the config file section onto the client settings.
func natsConfig(cfg *config.Config) queue.NATSConfig {
	nc := queue.DefaultNATSConfig()
	nc.URL = cfg.NATS.URL
	if cfg.NATS.SubjectPrefix != "" {
		nc.Prefix = cfg.NATS.SubjectPrefix
	}
	if cfg.NATS.Queue != "" {
		nc.QueueGroup = cfg.NATS.Queue
	}
	nc.Name = serviceName + "-" + version
	return nc
}
