package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent snapshots, raw fee points or alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Limit <= 0 {
		return fmt.Errorf("limit must be greater than zero")
	}

	store, err := a.requireStore(ctx, "show history")
	if err != nil {
		return err
	}
	defer store.Close()

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	switch {
	case opts.Points:
		points, err := store.ListRecentFeePoints(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			fmt.Fprintln(a.Out, "no fee points found")
			return nil
		}
		fmt.Fprintln(writer, "Time (UTC)\tLedger\tFee\tTransaction")
		for _, p := range points {
			fmt.Fprintf(writer, "%s\t%d\t%d\t%s\n",
				p.Timestamp.UTC().Format(time.RFC3339), p.LedgerSequence, p.FeeAmount, p.TransactionHash)
		}

	case opts.Alerts:
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			fmt.Fprintln(a.Out, "no alerts found")
			return nil
		}
		fmt.Fprintln(writer, "Time (UTC)\tKind\tState\tAvg\tThreshold\tDetail")
		for _, al := range alerts {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
				al.CapturedAt.UTC().Format(time.RFC3339), al.Kind, al.State,
				al.AvgFee.String(), al.Threshold.String(), sanitizeInline(al.Detail))
		}

	default:
		snaps, err := store.ListRecentSnapshots(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Fprintln(a.Out, "no snapshots found")
			return nil
		}
		fmt.Fprintln(writer, "Time (UTC)\tSamples\tMin\tMax\tAvg\tBase\tCongestion\tTrend")
		for _, s := range snaps {
			fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				s.CapturedAt.UTC().Format(time.RFC3339), s.SampleCount,
				s.MinFee.String(), s.MaxFee.String(), s.AvgFee.String(), s.BaseFee.String(),
				s.Congestion, s.Trend)
		}
	}
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
