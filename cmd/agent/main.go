package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/config"
	"github.com/torvus/raspictl/internal/ipc"
	"github.com/torvus/raspictl/internal/ops"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var socketPath string
	var logLevel string

	root := &cobra.Command{
		Use:   "raspictl-agent",
		Short: "raspictl privileged agent — executes hardware and system operations",
		Long: `The privileged Agent accepts length-prefixed JSON requests from the
Broker over a local Unix domain socket and executes the operations they name.
It never opens a network listener and trusts every frame on its socket,
relying entirely on filesystem permissions for access control.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(configPath)
			if err != nil {
				return err
			}
			if err := config.BindFlags(v, cmd, map[string]string{
				"socket-path": "ipc.socket_path",
				"log-level":   "log_level",
			}); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file")
	root.PersistentFlags().StringVar(&socketPath, "socket-path", "/run/raspictl/ops-agent.sock", "IPC listen socket path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("raspictl-agent %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting raspictl agent",
		zap.String("version", version),
		zap.String("socket", cfg.IPC.SocketPath),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		Mode:           os.FileMode(cfg.IPC.Mode),
		MaxMessageSize: 0,
	}, logger)

	ops.Register(srv, ops.Info{Name: "raspictl-agent", Version: version}, logger)
	// Concrete hardware operations (gpio.*, system.reboot, system.shutdown)
	// are registered here via ops.RegisterHardware against a real
	// HardwareOperations implementation on an actual device build; none is
	// wired in this module since the handlers themselves are out of scope
	// (spec.md §1).

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down raspictl agent")
		srv.Close()
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("agent server exited with error", zap.Error(err))
		}
		return err
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var zcfg zap.Config
	if level == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zcfg.Build()
}
