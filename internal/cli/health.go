package cli

import (
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the configured fee provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Health(cmd.Context())
	},
}
