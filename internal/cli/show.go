package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fee-insights/internal/app"
)

var (
	showLimit  int
	showPoints bool
	showAlerts bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent snapshots, fee points or alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showPoints && showAlerts {
			return fmt.Errorf("--points and --alerts are mutually exclusive")
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{
			Limit:  showLimit,
			Points: showPoints,
			Alerts: showAlerts,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showPoints, "points", false, "Show raw fee points instead of snapshots")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show transition alerts instead of snapshots")
}
