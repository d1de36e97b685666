package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"fee-insights/internal/app"
	"fee-insights/internal/apperr"
)

var (
	simulateFees      []string
	simulateBatch     int
	simulateCycles    int
	simulateWindow    int
	simulateFailEvery int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run engine cycles against an in-memory provider with the given fees",
	Example: `  feewatch simulate --fees 100,200,150,500 --window 3
  feewatch simulate --fees 100,120,900,950 --batch 2 --fail-every 3 --cycles 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fees, err := parseFees(simulateFees)
		if err != nil {
			return err
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Fees:       fees,
			BatchSize:  simulateBatch,
			Cycles:     simulateCycles,
			WindowSize: simulateWindow,
			FailEvery:  simulateFailEvery,
		})
	},
}

func parseFees(raw []string) ([]uint64, error) {
	fees := make([]uint64, 0, len(raw))
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		fee, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, apperr.Parse(err, "invalid fee %q", v)
		}
		fees = append(fees, fee)
	}
	if len(fees) == 0 {
		return nil, apperr.Config(nil, "--fees must list at least one fee")
	}
	return fees, nil
}

func init() {
	simulateCmd.Flags().StringSliceVar(&simulateFees, "fees", nil, "Comma separated fees, consumed in order")
	simulateCmd.Flags().IntVar(&simulateBatch, "batch", 1, "Fees fetched per cycle")
	simulateCmd.Flags().IntVar(&simulateCycles, "cycles", 0, "Cycles to run (defaults to enough to consume every fee)")
	simulateCmd.Flags().IntVar(&simulateWindow, "window", 0, "Override window.size")
	simulateCmd.Flags().IntVar(&simulateFailEvery, "fail-every", 0, "Fail every n-th fetch with a rate-limit error")
}
