package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/nkkko/reviewfeed/internal/engine"
	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var watchOutput string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print events as they arrive",
	Long: `Connects to the backend push endpoint and prints each new event until
interrupted. Events recorded in the last day are printed first.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", outputTable, "output format: table, json")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	printer, err := newEventPrinter(cmd.OutOrStdout(), watchOutput)
	if err != nil {
		return err
	}

	e, err := engine.New(cfg, engine.WithStateObserver(func(s proto.ConnectionState) {
		log.Info().Str("state", string(s)).Msg("Connection state changed")
	}))
	if err != nil {
		return err
	}
	defer e.Shutdown(context.Background())

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := printer.printNew(e.History(ctx)); err != nil {
		return err
	}

	id, updates := e.Feed().Subscribe(16)
	defer e.Feed().Unsubscribe(id)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(ctx, false)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case snapshot, ok := <-updates:
				if !ok {
					return nil
				}
				if err := printer.printNew(snapshot); err != nil {
					return fmt.Errorf("failed to print events: %w", err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
