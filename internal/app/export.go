package app

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"fee-insights/internal/apperr"
	"fee-insights/internal/storage"
)

// Export renders snapshot history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return apperr.Config(nil, "at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return apperr.Config(nil, "from must be before to")
	}

	store, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer store.Close()

	snaps, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snaps, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snaps)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		enter, _ := a.Config.Thresholds()
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled, enter.InexactFloat64()); err != nil {
			return err
		}
	}
	return nil
}

func downsampleSnapshots(snaps []storage.SnapshotRecord, max int) []storage.SnapshotRecord {
	if max <= 0 || len(snaps) <= max {
		return snaps
	}
	if max == 1 {
		return snaps[len(snaps)-1:]
	}

	result := make([]storage.SnapshotRecord, 0, max)
	step := float64(len(snaps)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snaps) {
			idx = len(snaps) - 1
		}
		result = append(result, snaps[idx])
	}
	return result
}

var snapshotCSVHeader = []string{"captured_at", "sample_count", "min_fee", "max_fee", "avg_fee", "base_fee", "latest_ledger", "congestion", "trend"}

func writeSnapshotsCSV(path string, snaps []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(snapshotCSVHeader); err != nil {
		return err
	}
	for _, s := range snaps {
		record := []string{
			s.CapturedAt.UTC().Format(time.RFC3339Nano),
			strconv.Itoa(s.SampleCount),
			s.MinFee.String(),
			s.MaxFee.String(),
			s.AvgFee.String(),
			s.BaseFee.String(),
			strconv.FormatUint(s.LatestLedger, 10),
			s.Congestion,
			s.Trend,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeSnapshotsPNG(path string, snaps []storage.SnapshotRecord, enter float64) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snaps))
	avg := make([]float64, len(snaps))
	minFee := make([]float64, len(snaps))
	maxFee := make([]float64, len(snaps))
	threshold := make([]float64, len(snaps))
	for i, s := range snaps {
		x[i] = s.CapturedAt
		avg[i] = s.AvgFee.InexactFloat64()
		minFee[i] = s.MinFee.InexactFloat64()
		maxFee[i] = s.MaxFee.InexactFloat64()
		threshold[i] = enter
	}
	// go-chart needs at least two x values to build a range
	if len(x) == 1 {
		x = append(x, x[0].Add(time.Second))
		avg = append(avg, avg[0])
		minFee = append(minFee, minFee[0])
		maxFee = append(maxFee, maxFee[0])
		threshold = append(threshold, enter)
	}

	feeFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Fee (stroops)",
			ValueFormatter: feeFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Average", XValues: x, YValues: avg},
			chart.TimeSeries{Name: "Min", XValues: x, YValues: minFee},
			chart.TimeSeries{Name: "Max", XValues: x, YValues: maxFee},
			chart.TimeSeries{
				Name:    "Congestion threshold",
				XValues: x,
				YValues: threshold,
				Style:   chart.Style{StrokeDashArray: []float64{5, 5}},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
