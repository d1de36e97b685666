package cli

import (
	"time"

	"github.com/spf13/cobra"

	"fee-insights/internal/app"
	"fee-insights/internal/apperr"
)

var (
	exportFrom      string
	exportTo        string
	exportSince     time.Duration
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export snapshot history as CSV and/or PNG chart",
	Example: `  feewatch export --since 24h --csv out/fees.csv --png out/fees.png
  feewatch export --from 2024-05-01T00:00:00Z --to 2024-05-02T00:00:00Z --csv fees.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := exportOptions(time.Now().UTC())
		if err != nil {
			return err
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

// exportOptions resolves the time flags against now. --since and --from are
// mutually exclusive.
func exportOptions(now time.Time) (app.ExportOptions, error) {
	opts := app.ExportOptions{
		PNGPath:   exportPNGPath,
		CSVPath:   exportCSVPath,
		MaxPoints: exportMaxPoints,
	}

	if exportTo != "" {
		to, err := time.Parse(time.RFC3339, exportTo)
		if err != nil {
			return opts, apperr.Parse(err, "invalid --to value")
		}
		opts.To = &to
	}

	switch {
	case exportSince > 0 && exportFrom != "":
		return opts, apperr.Config(nil, "--since and --from are mutually exclusive")
	case exportSince > 0:
		end := now
		if opts.To != nil {
			end = *opts.To
		}
		from := end.Add(-exportSince)
		opts.From = &from
	case exportFrom != "":
		from, err := time.Parse(time.RFC3339, exportFrom)
		if err != nil {
			return opts, apperr.Parse(err, "invalid --from value")
		}
		opts.From = &from
	}
	return opts, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().DurationVar(&exportSince, "since", 0, "Export the window ending at --to (or now) of this length")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum snapshots to export (defaults to config)")
}
