package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fee-insights/internal/alerting"
	"fee-insights/internal/apperr"
	"fee-insights/internal/config"
	"fee-insights/internal/insights"
	"fee-insights/internal/provider"
	"fee-insights/internal/storage"
)

func newTestApp(t *testing.T, body string) (*App, *bytes.Buffer) {
	t.Helper()
	t.Setenv("FEEWATCH_NO_DOTENV", "1")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "provider:\n  kind: mock\nscheduler:\n  interval: 10s\n" + body
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Database.BoltPath = filepath.Join(dir, "feewatch.db")

	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func withBolt(t *testing.T, a *App) {
	t.Helper()
	a.Config.Database.Driver = storage.DriverBolt
}

func seedSnapshots(t *testing.T, a *App, base time.Time, avgs ...int64) {
	t.Helper()
	store, err := storage.OpenBolt(a.Config.Database.BoltPath)
	require.NoError(t, err)
	defer store.Close()

	for i, avg := range avgs {
		require.NoError(t, store.AppendSnapshot(context.Background(), storage.SnapshotRecord{
			BaseFee:     decimal.NewFromInt(100),
			MinFee:      decimal.NewFromInt(avg - 10),
			MaxFee:      decimal.NewFromInt(avg + 10),
			AvgFee:      decimal.NewFromInt(avg),
			SampleCount: 3,
			Congestion:  insights.StateNormal.String(),
			Trend:       string(insights.TrendFlat),
			CapturedAt:  base.Add(time.Duration(i) * 10 * time.Second),
		}))
	}
}

func TestSimulateScenario(t *testing.T) {
	a, _ := newTestApp(t, "")

	cycles, err := a.simulate(context.Background(), SimulateOptions{
		Fees:       []uint64{100, 200, 150, 500},
		WindowSize: 3,
	})
	require.NoError(t, err)
	require.Len(t, cycles, 4)

	third := cycles[2].Snapshot
	require.NotNil(t, third)
	assert.Equal(t, "150", third.AvgFee.String())
	assert.Equal(t, "100", third.MinFee.String())
	assert.Equal(t, "200", third.MaxFee.String())
	assert.Equal(t, insights.StateNormal, third.Congestion)

	last := cycles[3].Snapshot
	require.NotNil(t, last)
	assert.Equal(t, "283", last.AvgFee.String())
	assert.Equal(t, "150", last.MinFee.String())
	assert.Equal(t, "500", last.MaxFee.String())
	assert.Equal(t, 3, last.SampleCount)
	assert.Equal(t, insights.StateCongested, last.Congestion)
}

func TestSimulateFailures(t *testing.T) {
	a, _ := newTestApp(t, "")

	cycles, err := a.simulate(context.Background(), SimulateOptions{
		Fees:      []uint64{100, 200},
		Cycles:    3,
		FailEvery: 2,
	})
	require.NoError(t, err)
	require.Len(t, cycles, 3)

	assert.NoError(t, cycles[0].Err)
	assert.ErrorIs(t, cycles[1].Err, provider.ErrRateLimitExceeded)
	assert.Nil(t, cycles[1].Snapshot)
	assert.Zero(t, cycles[1].Fetched)
	assert.Equal(t, 1, cycles[1].Status.ConsecutiveFailures)

	require.NotNil(t, cycles[2].Snapshot)
	assert.Equal(t, "150", cycles[2].Snapshot.AvgFee.String())
	assert.Zero(t, cycles[2].Status.ConsecutiveFailures)
}

func TestSimulatePrintsTable(t *testing.T) {
	a, out := newTestApp(t, "")

	require.NoError(t, a.Simulate(context.Background(), SimulateOptions{Fees: []uint64{100, 300}, BatchSize: 2}))
	assert.Contains(t, out.String(), "Cycle")
	assert.Contains(t, out.String(), "200")
	assert.Contains(t, out.String(), "published")
}

func TestSimulateRequiresFees(t *testing.T) {
	a, _ := newTestApp(t, "")
	err := a.Simulate(context.Background(), SimulateOptions{})
	require.Error(t, err)
	assert.Equal(t, 2, apperr.ExitCode(err))
}

func TestExportCSVAndPNG(t *testing.T) {
	a, _ := newTestApp(t, "")
	withBolt(t, a)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedSnapshots(t, a, base, 100, 150, 320)

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "snapshots.csv")
	pngPath := filepath.Join(dir, "out", "snapshots.png")
	from := base.Add(-time.Minute)
	to := base.Add(time.Hour)

	require.NoError(t, a.Export(context.Background(), ExportOptions{
		From:    &from,
		To:      &to,
		CSVPath: csvPath,
		PNGPath: pngPath,
	}))

	file, err := os.Open(csvPath)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, snapshotCSVHeader, rows[0])
	assert.Equal(t, "2024-05-01T12:00:00Z", rows[1][0])
	assert.Equal(t, "320", rows[3][4])
	assert.Equal(t, "normal", rows[3][7])

	png, err := os.ReadFile(pngPath)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestExportValidation(t *testing.T) {
	a, _ := newTestApp(t, "")

	err := a.Export(context.Background(), ExportOptions{})
	require.Error(t, err)
	assert.Equal(t, 2, apperr.ExitCode(err))

	err = a.Export(context.Background(), ExportOptions{CSVPath: filepath.Join(t.TempDir(), "x.csv")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver not configured")

	withBolt(t, a)
	from := time.Now()
	to := from.Add(-time.Hour)
	err = a.Export(context.Background(), ExportOptions{From: &from, To: &to, CSVPath: "x.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from must be before to")
}

func TestDownsampleSnapshots(t *testing.T) {
	snaps := make([]storage.SnapshotRecord, 10)
	for i := range snaps {
		snaps[i].ID = int64(i)
	}

	assert.Len(t, downsampleSnapshots(snaps, 0), 10)
	assert.Len(t, downsampleSnapshots(snaps, 20), 10)

	got := downsampleSnapshots(snaps, 4)
	require.Len(t, got, 4)
	assert.Equal(t, int64(0), got[0].ID)
	assert.Equal(t, int64(9), got[3].ID)

	one := downsampleSnapshots(snaps, 1)
	require.Len(t, one, 1)
	assert.Equal(t, int64(9), one[0].ID)
}

func TestShowSnapshotsAndPoints(t *testing.T) {
	a, out := newTestApp(t, "")
	withBolt(t, a)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedSnapshots(t, a, base, 120, 240)

	require.NoError(t, a.Show(context.Background(), ShowOptions{Limit: 5}))
	assert.Contains(t, out.String(), "Congestion")
	assert.Contains(t, out.String(), "240")
	assert.Contains(t, out.String(), "2024-05-01T12:00:10Z")

	out.Reset()
	require.NoError(t, a.Show(context.Background(), ShowOptions{Limit: 5, Points: true}))
	assert.Contains(t, out.String(), "no fee points found")

	out.Reset()
	require.NoError(t, a.Show(context.Background(), ShowOptions{Limit: 5, Alerts: true}))
	assert.Contains(t, out.String(), "no alerts found")

	assert.Error(t, a.Show(context.Background(), ShowOptions{Limit: 0}))
}

func TestHealthWithMock(t *testing.T) {
	a, out := newTestApp(t, "")

	require.NoError(t, a.Health(context.Background()))
	assert.Contains(t, out.String(), provider.MockName)
	assert.Contains(t, out.String(), "ok")
	assert.Contains(t, out.String(), "unlimited")
}

func TestNewNotifier(t *testing.T) {
	a, _ := newTestApp(t, "")
	assert.Nil(t, a.newNotifier())

	a.Config.Alerting.Enabled = true
	n, ok := a.newNotifier().(alerting.Multi)
	require.True(t, ok)
	assert.Len(t, n, 1)

	a.Config.Alerting.Channels = []string{"telegram"}
	assert.Nil(t, a.newNotifier())

	a.Config.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"}
	n, ok = a.newNotifier().(alerting.Multi)
	require.True(t, ok)
	assert.Len(t, n, 1)
}

func TestEngineConfigFromSettings(t *testing.T) {
	a, _ := newTestApp(t, "window:\n  size: 7\ninsights:\n  snapshot_policy: on_change\ncongestion:\n  enter_fee: 900\n  exit_fee: 300\n  enter_cycles: 2\n")

	cfg := a.engineConfig()
	assert.Equal(t, 7, cfg.WindowSize)
	assert.Equal(t, insights.PolicyOnChange, cfg.SnapshotPolicy)
	assert.Equal(t, "900", cfg.Detector.Enter.String())
	assert.Equal(t, "300", cfg.Detector.Exit.String())
	assert.Equal(t, 2, cfg.Detector.EnterCycles)
	assert.Equal(t, "100", cfg.BaseFee.String())
}

func TestRunPersistsUntilCancelled(t *testing.T) {
	a, _ := newTestApp(t, "metrics:\n  report_interval: 20ms\n")
	withBolt(t, a)
	a.Config.Scheduler.Interval = 30 * time.Millisecond
	a.Config.Scheduler.ShutdownGrace = 0

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)
	require.NoError(t, a.Run(ctx))

	store, err := storage.OpenBolt(a.Config.Database.BoltPath)
	require.NoError(t, err)
	defer store.Close()
	snaps, err := store.ListRecentSnapshots(context.Background(), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)
}

func TestMigrateRequiresPostgres(t *testing.T) {
	a, _ := newTestApp(t, "")
	withBolt(t, a)

	err := a.Migrate(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, apperr.ExitCode(err))
	assert.Contains(t, err.Error(), "database.driver=postgres")
}
