package app

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rcrowley/go-metrics"

	"fee-insights/internal/alerting"
	"fee-insights/internal/apperr"
	"fee-insights/internal/insights"
	"fee-insights/internal/provider"
)

// SimulatedCycle is the outcome of one simulated engine cycle.
type SimulatedCycle struct {
	Cycle    int
	Fetched  int
	Err      error
	Snapshot *insights.Snapshot
	Status   insights.Status
}

// Simulate feeds opts.Fees through an engine backed by the in-memory provider,
// BatchSize points per cycle, and prints one row per cycle. Nothing is persisted.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	cycles, err := a.simulate(ctx, opts)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Cycle\tFetched\tSamples\tMin\tMax\tAvg\tCongestion\tTrend\tHealth\tResult")
	for _, c := range cycles {
		result := "published"
		switch {
		case c.Err != nil:
			result = sanitizeInline(c.Err.Error())
		case c.Snapshot == nil:
			result = "unchanged"
		}
		snap := c.Snapshot
		if snap == nil {
			fmt.Fprintf(writer, "%d\t%d\t-\t-\t-\t-\t-\t-\t%s\t%s\n", c.Cycle, c.Fetched, c.Status.Health, result)
			continue
		}
		fmt.Fprintf(writer, "%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Cycle, c.Fetched, snap.SampleCount,
			snap.MinFee.String(), snap.MaxFee.String(), snap.AvgFee.String(),
			snap.Congestion, snap.Trend, c.Status.Health, result)
	}
	return writer.Flush()
}

func (a *App) simulate(ctx context.Context, opts SimulateOptions) ([]SimulatedCycle, error) {
	if len(opts.Fees) == 0 {
		return nil, apperr.Config(nil, "at least one fee is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Cycles <= 0 {
		opts.Cycles = (len(opts.Fees) + opts.BatchSize - 1) / opts.BatchSize
	}

	cfg := a.engineConfig()
	cfg.LockKey = 0
	if opts.WindowSize > 0 {
		cfg.WindowSize = opts.WindowSize
	}

	interval := a.Config.Scheduler.Interval
	clock := time.Now().UTC().Truncate(interval)
	now := func() time.Time { return clock }

	notifier := a.newNotifier()
	if notifier == nil {
		notifier = alerting.NewLogNotifier(a.Logger)
	}

	mock := provider.NewMock()
	engine, err := insights.NewEngine(cfg, insights.Deps{
		Provider: mock,
		Notifier: notifier,
		Registry: metrics.NewRegistry(),
		Now:      now,
	}, a.Logger)
	if err != nil {
		return nil, apperr.Config(err, "build insights engine")
	}

	results := make([]SimulatedCycle, 0, opts.Cycles)
	next := 0
	var ledger uint64
	for i := 1; i <= opts.Cycles; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		clock = clock.Add(interval)

		if opts.FailEvery > 0 && i%opts.FailEvery == 0 {
			mock.WithError(provider.RateLimitExceeded())
		} else {
			mock.WithError(nil)
		}

		end := min(next+opts.BatchSize, len(opts.Fees))
		batch := make([]provider.FeeDataPoint, 0, end-next)
		ledger++
		for j, fee := range opts.Fees[next:end] {
			batch = append(batch, provider.FeeDataPoint{
				FeeAmount:       fee,
				Timestamp:       clock,
				TransactionHash: "sim-" + strconv.Itoa(i) + "-" + strconv.Itoa(j),
				LedgerSequence:  ledger,
			})
		}
		mock.WithFees(batch)

		snap, err := engine.RunCycle(ctx)
		fetched := len(batch)
		if err != nil {
			fetched = 0
		} else {
			next = end
		}
		results = append(results, SimulatedCycle{
			Cycle:    i,
			Fetched:  fetched,
			Err:      err,
			Snapshot: snap,
			Status:   engine.Status(),
		})
	}
	return results, nil
}
