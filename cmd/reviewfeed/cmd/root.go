package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkkko/reviewfeed/internal/config"
	"github.com/nkkko/reviewfeed/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flags config.Flags
	cfg   *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "reviewfeed",
	Short: "Live activity feed for the review platform",
	Long: `reviewfeed follows the review platform's push endpoint and keeps the
last day of activity (logins, sign-ups, reviews) on local storage.

Watch events as they arrive, serve them to local tools over HTTP, or print
what was recorded while nothing was connected.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.ConfigFile, "config", "", "config file (YAML)")
	pf.StringVar(&flags.BackendURL, "backend", "", "backend origin, e.g. http://localhost:3000")
	pf.StringVar(&flags.DataDir, "data-dir", "", "directory for the badger slot")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.Storage, "storage", "", "storage backend: badger, redis, memory")
	pf.StringVar(&flags.Transport, "transport", "", "push transport: sse, websocket, nats")
}

func initConfig(cmd *cobra.Command, args []string) error {
	config.LoadEnvFiles(".")

	var err error
	cfg, err = config.LoadConfig(flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
