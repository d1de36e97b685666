package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fee-insights/internal/alerting"
	"fee-insights/internal/apperr"
	"fee-insights/internal/config"
	"fee-insights/internal/insights"
	"fee-insights/internal/provider"
	"fee-insights/internal/scheduler"
	"fee-insights/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; defaults to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
	}
}

func (a *App) newProvider() (provider.FeeDataProvider, error) {
	pc := a.Config.Provider
	switch pc.Kind {
	case "horizon":
		return provider.NewHorizon(provider.HorizonOptions{
			URL:            pc.Horizon.URL,
			Limit:          pc.Horizon.Limit,
			IncludeFailed:  pc.Horizon.IncludeFailed,
			RequestTimeout: pc.Horizon.RequestTimeout,
			SeenCacheSize:  pc.Horizon.SeenCacheSize,
			UserAgent:      pc.UserAgent,
		}, a.Logger), nil
	case "evm":
		return provider.NewEVM(provider.EVMOptions{
			RPCURL:         pc.EVM.RPCURL,
			MaxBlocks:      pc.EVM.MaxBlocks,
			RequestTimeout: pc.EVM.RequestTimeout,
		}, a.Logger), nil
	case "mock":
		return provider.NewMock(), nil
	default:
		return nil, apperr.Config(nil, "unknown provider.kind %q", pc.Kind)
	}
}

// newNotifier returns nil when alerting is disabled or no channel is usable.
func (a *App) newNotifier() alerting.Notifier {
	ac := a.Config.Alerting
	if !ac.Enabled {
		return nil
	}

	var targets alerting.Multi
	if slices.ContainsFunc(ac.Channels, func(c string) bool { return strings.EqualFold(c, "log") }) {
		targets = append(targets, alerting.NewLogNotifier(a.Logger))
	}
	if ac.Telegram.Enabled {
		tg := ac.Telegram
		targets = append(targets, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, ac.Timeout, a.Logger))
	}
	if len(targets) == 0 {
		return nil
	}
	return targets
}

func (a *App) openStore(ctx context.Context) (storage.Backend, error) {
	backend, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, apperr.Config(err, "open %s storage", a.Config.Database.Driver)
	}
	return backend, nil
}

func (a *App) engineConfig() insights.Config {
	c := a.Config
	enter, exit := c.Thresholds()
	return insights.Config{
		WindowSize:   c.Window.Size,
		WindowMaxAge: c.Window.MaxAge,
		BaseFee:      decimal.NewFromInt(c.Insights.BaseFee),
		AvgPlaces:    c.Insights.AvgPlaces,
		Detector: insights.DetectorConfig{
			Enter:       enter,
			Exit:        exit,
			EnterCycles: c.Congestion.EnterCycles,
			Ceiling:     decimal.NewFromFloat(c.Congestion.Ceiling),
		},
		SnapshotPolicy: insights.SnapshotPolicy(c.Insights.SnapshotPolicy),
		DegradedAfter:  c.Insights.DegradedAfter,
		PersistTimeout: c.Database.WriteTimeout,
		LockKey:        c.Scheduler.AdvisoryLockKey,
		AlertChannels:  c.Alerting.Channels,
	}
}

// newEngine wires an engine around prov. backend may be nil.
func (a *App) newEngine(prov provider.FeeDataProvider, backend storage.Backend, notifier alerting.Notifier, registry metrics.Registry) (*insights.Engine, error) {
	deps := insights.Deps{
		Provider: prov,
		Notifier: notifier,
		Registry: registry,
	}
	if backend != nil {
		deps.Points = backend
		deps.Snapshots = backend
		deps.Alerts = backend
		if locker, ok := backend.(storage.AdvisoryLocker); ok {
			deps.Locker = locker
		}
	}
	engine, err := insights.NewEngine(a.engineConfig(), deps, a.Logger)
	if err != nil {
		return nil, apperr.Config(err, "build insights engine")
	}
	return engine, nil
}

// Run executes the long-running insights service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if backend == nil {
		a.Logger.Warn().Msg("database.driver not configured; persistence disabled")
	} else {
		defer backend.Close()
	}

	prov, err := a.newProvider()
	if err != nil {
		return err
	}

	engine, err := a.newEngine(prov, backend, a.newNotifier(), metrics.NewRegistry())
	if err != nil {
		return err
	}

	if a.Config.Insights.WarmStart && backend != nil {
		if err := engine.Warm(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("warm start failed; starting with an empty window")
		}
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		ShutdownGrace:  a.Config.Scheduler.ShutdownGrace,
		RunImmediately: true,
	}, a.Logger)

	a.Logger.Info().
		Str("provider", engine.ProviderName()).
		Dur("interval", a.Config.Scheduler.Interval).
		Int("window_size", a.Config.Window.Size).
		Dur("window_max_age", a.Config.Window.MaxAge).
		Msg("starting fee insights engine")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx, sched)
	})
	if interval := a.Config.Metrics.ReportInterval; interval > 0 {
		g.Go(func() error {
			a.reportMetrics(gctx, engine, interval)
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("fee insights engine stopped")
	return nil
}

func (a *App) reportMetrics(ctx context.Context, engine *insights.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logMetrics(a.Logger, engine)
		}
	}
}

// logMetrics writes one summary line of the engine registry and status.
func logMetrics(logger zerolog.Logger, engine *insights.Engine) {
	st := engine.Status()
	evt := logger.Info().
		Str("health", st.Health.String()).
		Int("consecutive_failures", st.ConsecutiveFailures)
	engine.Metrics().Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			evt = evt.Int64(name, m.Count())
		case metrics.Gauge:
			evt = evt.Int64(name, m.Value())
		case metrics.Timer:
			s := m.Snapshot()
			evt = evt.Int64(name+".count", s.Count()).
				Dur(name+".mean", time.Duration(s.Mean())).
				Dur(name+".p95", time.Duration(s.Percentile(0.95)))
		}
	})
	if snap := engine.Current(); snap != nil {
		evt = evt.Str("avg_fee", snap.AvgFee.String()).Str("congestion", snap.Congestion.String())
	}
	evt.Msg("engine metrics")
}

// ExportOptions hold parameters for exporting snapshot history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Points bool
	Alerts bool
}

// SimulateOptions drive engine cycles against the in-memory provider.
type SimulateOptions struct {
	Fees []uint64
	// BatchSize is how many fees each cycle fetches; defaults to 1.
	BatchSize int
	// Cycles defaults to enough cycles to consume every fee.
	Cycles     int
	WindowSize int
	// FailEvery makes every n-th fetch fail with a rate-limit error; 0 disables.
	FailEvery int
}

func (a *App) requireStore(ctx context.Context, action string) (storage.Backend, error) {
	backend, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, apperr.Config(nil, "database.driver not configured; cannot %s", action)
	}
	return backend, nil
}
