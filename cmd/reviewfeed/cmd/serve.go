package cmd

import (
	"context"

	"github.com/nkkko/reviewfeed/internal/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Follow the feed and serve it over local HTTP",
	Long: `Connects to the backend push endpoint and serves the current events on
the local API: GET /events, GET /events/stream, GET /status, GET /healthz,
GET /readyz and the metrics endpoint.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flags.ServerAddr, "addr", "", "listen address (default :8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer e.Shutdown(context.Background())

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	log.Info().Str("addr", cfg.Server.Addr).Msg("Serving feed")
	return e.Run(ctx, true)
}
