package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/keilynrp/Trading-Observer/internal/app"
)

var (
	trainSymbol  string
	trainEpochs  int
	trainTimeout time.Duration
	trainLossPNG string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fetch history, train a model and publish its artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if trainEpochs < 0 {
			return fmt.Errorf("--epochs cannot be negative")
		}
		if trainTimeout < 0 {
			return fmt.Errorf("--timeout cannot be negative")
		}

		opts := app.TrainOptions{
			Symbol:  trainSymbol,
			Epochs:  trainEpochs,
			Timeout: trainTimeout,
			LossPNG: trainLossPNG,
			Out:     cmd.OutOrStdout(),
		}
		return getApp().Train(cmd.Context(), opts)
	},
}

func init() {
	trainCmd.Flags().StringVar(&trainSymbol, "symbol", "", "Ticker to train (defaults to training.symbol)")
	trainCmd.Flags().IntVar(&trainEpochs, "epochs", 0, "Override the number of epochs")
	trainCmd.Flags().DurationVar(&trainTimeout, "timeout", 0, "Abort the run after this long (0 uses training.timeout)")
	trainCmd.Flags().StringVar(&trainLossPNG, "loss-png", "", "Path to write the training loss curve")
}
