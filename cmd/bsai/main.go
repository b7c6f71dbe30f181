// Package main provides the bsai binary entry point.
// bsai drives plan-execute-verify agent runs with human breakpoints and
// risk-gated tool execution, over NATS and a session websocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/blas1n/bsai-sub001/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "bsai"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// .env is optional
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Agent run orchestrator",
		Long: `bsai plans a request into milestones, executes and verifies each one
through remote agents, and pauses at breakpoints for human review.

Agents are reached over NATS request/reply. Observers follow runs on the
/ws websocket and answer breakpoints and tool approvals there.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Project config file (default: bsai.yaml in current or parent directories)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newLoader(configPath string, logger *slog.Logger) *config.Loader {
	var opts []config.LoaderOption
	if configPath != "" {
		opts = append(opts, config.WithProjectConfig(configPath))
	}
	return config.NewLoader(logger, opts...)
}

func serve(ctx context.Context, configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	loader := newLoader(configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app := NewApp(cfg, logger)
	if err := app.Start(signalCtx); err != nil {
		app.Shutdown(5 * time.Second)
		return err
	}
	app.WatchConfig(signalCtx, loader)

	slog.Info("bsai ready",
		"version", Version,
		"listen_addr", cfg.Server.ListenAddr,
		"nats_embedded", app.embeddedServer != nil)

	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case err := <-app.Serve():
		if err != nil {
			app.Shutdown(5 * time.Second)
			return err
		}
	}

	app.Shutdown(10 * time.Second)
	return nil
}
