// Command voxmeterd serves the metered voice-note API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "voxmeterd",
	Short:   "Metered transcription and enrichment API",
	Long:    `voxmeterd transcribes and enriches voice notes, charging each request against the caller's token quota and keeping entitlements in sync with billing webhooks.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadDaemonConfigForMigrate()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel, cfg.LogFormat)
		return runMigrations(cmd.Context(), cfg, logger)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "voxmeterd %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", BuildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	d, err := buildDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup_failed", "error", err)
		return err
	}
	defer d.stores.close()
	defer d.hub.Close()

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      d.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listening", "addr", cfg.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("voxmeterd: listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting_down", "timeout", cfg.ShutdownTimeout)
		// Event streams hold connections open until their subscription closes.
		_ = d.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("voxmeterd: shutdown: %w", err)
		}
		return nil
	})
	if d.bridge != nil {
		g.Go(func() error { return d.bridge.Run(gctx) })
	}
	if d.stores.pg != nil && cfg.CleanupInterval > 0 {
		g.Go(func() error {
			return cleanupProcessedEvents(gctx, d.stores.pg, cfg.CleanupInterval, cfg.EventRetention, logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server_stopped", "error", err)
		return err
	}
	logger.Info("server_stopped")
	return nil
}

// loadDaemonConfigForMigrate skips the serve-only checks.
func loadDaemonConfigForMigrate() (daemonConfig, error) {
	loadDotenv()
	cfg, err := parseDaemonConfig()
	if err != nil {
		return daemonConfig{}, errors.Join(errParsingConfig, err)
	}
	return cfg, nil
}
