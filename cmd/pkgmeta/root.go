// ABOUTME: Root command for the pkgmeta CLI
// ABOUTME: Sets up global flags, config loading, logging and subcommands

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/config"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/service"
)

const serviceName = "pkgmeta"

// Global flags.
var (
	cfgFile   string
	logLevel  string
	logFormat string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkgmeta",
		Short: "pkgmeta - Android package metadata and malware-scan cache",
		Long: `pkgmeta fetches metadata for Android package ids from Google Play,
F-Droid and APKMirror, and looks up (or uploads) package files with
VirusTotal and Hybrid Analysis. Every answer is cached in a local SQLite
database so repeated lookups stay off the network.

Run it as a daemon with HTTP and NATS control surfaces, or use the
fetch and scan commands for one-off lookups.`,
		SilenceUsage: true,
	}

	// Global flags.
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: "+config.DefaultConfigPath()+")")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text)")

	// Add subcommands.
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newCacheCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pkgmeta version %s\n", version)
			fmt.Fprintf(out, "  Git SHA:    %s\n", gitSHA)
			fmt.Fprintf(out, "  Build Time: %s\n", buildTime)
		},
	}
}

// loadConfig reads the config file and applies the global log flags.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// newLogger builds the process logger. CLI commands log to stderr so
// stdout stays parseable.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logger := observability.NewLogger(cfg.Logging(serviceName, version), w)
	slog.SetDefault(logger)
	return logger
}

// openService loads config and builds the service for a one-shot command.
func openService(ctx context.Context, opts ...service.Option) (*service.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, os.Stderr)
	svc, err := service.New(ctx, cfg, append([]service.Option{service.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("initializing service: %w", err)
	}
	return svc, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
