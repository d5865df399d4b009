package cli

import (
	"github.com/spf13/cobra"

	"github.com/keilynrp/Trading-Observer/internal/app"
)

var (
	fetchSymbol      string
	fetchSize        string
	fetchCSVPath     string
	fetchParquetPath string
	fetchPNGPath     string
	fetchMaxPoints   int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download a daily series and export it as CSV, Parquet and/or PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.FetchOptions{
			Symbol:      fetchSymbol,
			Size:        fetchSize,
			CSVPath:     fetchCSVPath,
			ParquetPath: fetchParquetPath,
			PNGPath:     fetchPNGPath,
			MaxPoints:   fetchMaxPoints,
		}
		return getApp().Fetch(cmd.Context(), opts)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchSymbol, "symbol", "", "Ticker to download (defaults to training.symbol)")
	fetchCmd.Flags().StringVar(&fetchSize, "size", "", "History depth: compact or full (defaults to training.output_size)")
	fetchCmd.Flags().StringVar(&fetchCSVPath, "csv", "", "Path to write CSV data")
	fetchCmd.Flags().StringVar(&fetchParquetPath, "parquet", "", "Path to write Parquet data")
	fetchCmd.Flags().StringVar(&fetchPNGPath, "png", "", "Path to write PNG chart")
	fetchCmd.Flags().IntVar(&fetchMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
