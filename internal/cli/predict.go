package cli

import (
	"github.com/spf13/cobra"

	"github.com/keilynrp/Trading-Observer/internal/app"
)

var (
	predictSymbol string
	predictJSON   bool
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Forecast the next close for a trained symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Predict(cmd.Context(), app.PredictOptions{
			Symbol: predictSymbol,
			JSON:   predictJSON,
			Out:    cmd.OutOrStdout(),
		})
	},
}

func init() {
	predictCmd.Flags().StringVar(&predictSymbol, "symbol", "AAPL", "Ticker to forecast")
	predictCmd.Flags().BoolVar(&predictJSON, "json", false, "Print the forecast as JSON")
}
