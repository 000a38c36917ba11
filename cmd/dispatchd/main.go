// Package main implements the dispatchd daemon: a task orchestration
// engine that routes units of work to handlers behind a fixed middleware
// chain and a per-dependency resilience pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/engine"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "Task orchestration and resilience engine",
	Long: `dispatchd accepts units of work from queue intake, routes them to
registered handlers through a fixed middleware chain, and guards every
external dependency call with circuit breaking, retry, bulkheading, and
per-attempt timeouts.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/dispatchd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine and serve until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dispatchd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

// run loads configuration, wires the engine, and blocks until shutdown
// completes.
func run(ctx context.Context) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logCfg, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting dispatchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port))

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registerHandlers(eng)

	if configPath != "" {
		if err := eng.WatchConfig(ctx, configPath); err != nil {
			logger.Warn(ctx, "config hot reload disabled", zap.Error(err))
		}
	}

	return eng.Run(ctx)
}
