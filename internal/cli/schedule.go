package cli

import (
	"github.com/spf13/cobra"

	"github.com/keilynrp/Trading-Observer/internal/app"
)

var scheduleWithServer bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Retrain configured symbols on the cron schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Schedule(cmd.Context(), app.ScheduleOptions{WithServer: scheduleWithServer})
	},
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleWithServer, "serve", false, "Also run the prediction API in this process")
}
