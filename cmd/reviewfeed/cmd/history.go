package cmd

import (
	"context"

	"github.com/nkkko/reviewfeed/internal/engine"
	"github.com/spf13/cobra"
)

var historyOutput string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recorded events without connecting",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", outputTable, "output format: table, json")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	printer, err := newEventPrinter(cmd.OutOrStdout(), historyOutput)
	if err != nil {
		return err
	}

	e, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer e.Shutdown(context.Background())

	return printer.print(e.History(cmd.Context()))
}
