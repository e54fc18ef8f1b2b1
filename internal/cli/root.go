// Package cli implements the command-line interface for the cadence proxy
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cmdpkg "github.com/berrythewa/cadence-proxy/internal/cli/cmd"
	"github.com/berrythewa/cadence-proxy/internal/common"
	"github.com/berrythewa/cadence-proxy/internal/config"
)

var (
	// Flags that apply to all commands
	logLevel string
	cfgFile  string

	// The loaded configuration
	cfg *config.Config

	// Logger instance
	logger *zap.Logger

	// Version information - set by main
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "none"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "cadence-proxy",
	Short: "Local proxy between a workflow client library and the orchestration engine",
	Long: `cadence-proxy receives envelopes pushed by a client library over a local
HTTP transport, forwards them to the workflow engine and pushes the
replies back to the address the library announced during the handshake.

Running cadence-proxy without any commands is the same as "cadence-proxy serve".`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmdpkg.RunServe(cmd.Context())
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		// Load config first
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		logger, err = common.NewLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}

		logger.Debug("Configuration loaded",
			zap.String("config_file", cfgFile),
			zap.String("log_level", cfg.Log.Level),
			zap.String("data_dir", cfg.Engine.DataDir))

		// Share cfg and logger with cmd package
		cmdpkg.SetConfig(cfg)
		cmdpkg.SetConfigFile(cfgFile)
		cmdpkg.SetZapLogger(logger)
		return nil
	},
}

// cleanup performs cleanup operations before exit
func cleanup() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context; a command error exits with status 1.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := RootCmd.ExecuteContext(ctx)
	stop()
	cleanup()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// SetVersionInfo sets the version information used by the version command
func SetVersionInfo(version, buildTime, commit string) {
	Version = version
	BuildTime = buildTime
	Commit = commit
	cmdpkg.SetVersionInfo(version, buildTime, commit)
}

// AddCommand adds a command to the root command
func AddCommand(cmd *cobra.Command) {
	RootCmd.AddCommand(cmd)
}

func init() {
	// Global flags for all commands
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/cadence-proxy/config.yaml)")
}
