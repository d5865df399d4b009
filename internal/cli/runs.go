package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/keilynrp/Trading-Observer/internal/app"
)

var (
	runsLimit  int
	runsSymbol string
	runsPrune  time.Duration
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Display recent training runs from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.RunsOptions{
			Symbol:         runsSymbol,
			Limit:          runsLimit,
			PruneOlderThan: runsPrune,
			Out:            cmd.OutOrStdout(),
		}
		return getApp().Runs(cmd.Context(), opts)
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Number of runs to display")
	runsCmd.Flags().StringVar(&runsSymbol, "symbol", "", "Only show runs for this ticker")
	runsCmd.Flags().DurationVar(&runsPrune, "prune-older-than", 0, "Delete finished runs older than this before listing")
}
