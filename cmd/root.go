// Package cmd implements the CLI commands for guestinit.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tetrate-labs/containervm-toolkit/config"
	"github.com/tetrate-labs/containervm-toolkit/logging"
)

// Version information set at build time
var (
	Version   = "0.1.0"
	SpecVer   = "1.0.2"
	BuildTime = "unknown"
)

// cfg holds the toolkit-wide settings bound to rootCmd's persistent flags
// and, after PersistentPreRunE, overridden by GUESTINIT_* environment
// variables.
var cfg = config.Default()

// rootCmd is the base command for guestinit.
var rootCmd = &cobra.Command{
	Use:   "guestinit",
	Short: "OCI container runtime for microVM guests",
	Long: `guestinit is an OCI-compliant container runtime that runs as PID 1
inside a microVM guest, creating containers from OCI bundle directories and
supervising them the way a host-side runtime would.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ApplyEnv(); err != nil {
			return err
		}
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// GetStateRoot returns the state root directory.
func GetStateRoot() string {
	return cfg.StateRoot
}

// GetConfig returns the toolkit's resolved configuration, for subcommands
// (registry, vsock) that need more than the state root.
func GetConfig() config.Config {
	return cfg
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags(), &cfg)

	// Compatibility flags (accepted but may be ignored)
	rootCmd.PersistentFlags().Bool("systemd-cgroup", false, "enable systemd cgroup support (compatibility flag)")
}

func setupLogging() {
	var logOutput = os.Stderr
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	if cfg.LogFormat == "json" || cfg.LogPath != "" {
		logger := logging.NewLogger(logging.Config{
			Level:  logLevel,
			Format: cfg.LogFormat,
			Output: logOutput,
		})
		logging.SetDefault(logger)
	}
}
