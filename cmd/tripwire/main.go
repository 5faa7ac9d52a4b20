// Tripwire - Payout fraud alerts straight from your payment webhooks.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/tripwire/internal/config"
	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/logging"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "tripwire",
		Short:         "Tripwire - payout fraud detection for payment webhooks",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TRIPWIRE_CONFIG"), "path to a YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reactorWorkerCmd())
	rootCmd.AddCommand(dispatcherCmd())
	rootCmd.AddCommand(sweeperCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("tripwire exited", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and installs the process logger.
func setup(component string) (*domain.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.SetDefault(logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format).With("component", component))

	slog.Info("starting tripwire",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"reactor_mode", cfg.Reactor.Mode,
	)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  TRIPWIRE")
	fmt.Println("  Payout fraud alerts from your payment webhooks.")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Reactor:  %s\n", cfg.Reactor.Mode)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /webhooks/events             - Ingest a signed payment event")
	fmt.Println("    POST /internal/reactor/{eventId}  - Run the reactor for a buffered event")
	fmt.Println("    GET  /alerts                      - List alerts (X-Tenant-ID)")
	fmt.Println("    POST /alerts/{id}/resolve         - Resolve an alert")
	fmt.Println("    POST /alerts/{id}/feedback        - Record a reviewer verdict")
	fmt.Println("    GET  /dead-letters                - Failed reactor invocations")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println()
}
