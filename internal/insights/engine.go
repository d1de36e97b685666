package insights

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fee-insights/internal/alerting"
	"fee-insights/internal/provider"
	"fee-insights/internal/scheduler"
	"fee-insights/internal/storage"
)

// SnapshotPolicy controls whether an unchanged cycle publishes a snapshot.
type SnapshotPolicy string

const (
	PolicyAlways   SnapshotPolicy = "always"
	PolicyOnChange SnapshotPolicy = "on_change"
)

const (
	defaultDegradedAfter  = 3
	defaultPersistTimeout = 5 * time.Second
)

// Config holds engine tuning. Zero values fall back to defaults where noted.
type Config struct {
	WindowSize   int
	WindowMaxAge time.Duration
	BaseFee      decimal.Decimal
	AvgPlaces    int32
	Detector     DetectorConfig
	// SnapshotPolicy defaults to PolicyAlways.
	SnapshotPolicy SnapshotPolicy
	// DegradedAfter defaults to 3 consecutive failures.
	DegradedAfter int
	// PersistTimeout bounds each storage or notification write; defaults to 5s.
	PersistTimeout time.Duration
	// LockKey is the advisory lock taken per cycle; 0 disables it.
	LockKey       int64
	AlertChannels []string
}

// Deps are the engine's collaborators. Only Provider is required.
type Deps struct {
	Provider  provider.FeeDataProvider
	Points    storage.FeePointStore
	Snapshots storage.SnapshotStore
	Alerts    storage.AlertStore
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
	Registry  metrics.Registry
	Now       func() time.Time
}

type engineMetrics struct {
	cycles          metrics.Counter
	fetchFailures   metrics.Counter
	persistFailures metrics.Counter
	ingested        metrics.Counter
	evicted         metrics.Counter
	windowSize      metrics.Gauge
	cycle           metrics.Timer
}

func newEngineMetrics(r metrics.Registry) engineMetrics {
	cycle := r.GetOrRegister("insights.cycle", func() metrics.Timer {
		return metrics.NewCustomTimer(metrics.NewHistogram(metrics.NewSimpleExpDecaySample(1028)), metrics.NewMeter())
	}).(metrics.Timer)
	return engineMetrics{
		cycles:          metrics.GetOrRegisterCounter("insights.cycles", r),
		fetchFailures:   metrics.GetOrRegisterCounter("insights.fetch.failures", r),
		persistFailures: metrics.GetOrRegisterCounter("insights.persist.failures", r),
		ingested:        metrics.GetOrRegisterCounter("insights.points.ingested", r),
		evicted:         metrics.GetOrRegisterCounter("insights.points.evicted", r),
		windowSize:      metrics.GetOrRegisterGauge("insights.window.size", r),
		cycle:           cycle,
	}
}

// Engine runs the fetch, ingest, recompute and snapshot cycle. A single
// goroutine at a time drives cycles; any number of readers may call Current
// and Status concurrently without blocking on it.
type Engine struct {
	cfg      Config
	provider provider.FeeDataProvider
	points   storage.FeePointStore
	snaps    storage.SnapshotStore
	alerts   storage.AlertStore
	locker   storage.AdvisoryLocker
	notifier alerting.Notifier
	registry metrics.Registry
	metrics  engineMetrics
	now      func() time.Time
	logger   zerolog.Logger

	// owned by the cycle holder
	cycleMu  sync.Mutex
	window   *Window
	detector *Detector
	state    Status
	// hashes replayed by Warm, dropped from the next successful fetch
	replayed map[string]struct{}

	current atomic.Pointer[Snapshot]
	status  atomic.Pointer[Status]
	phase   atomic.Int32
}

// NewEngine validates cfg and wires the engine.
func NewEngine(cfg Config, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if deps.Provider == nil {
		return nil, errors.New("insights: provider is required")
	}
	switch cfg.SnapshotPolicy {
	case "":
		cfg.SnapshotPolicy = PolicyAlways
	case PolicyAlways, PolicyOnChange:
	default:
		return nil, fmt.Errorf("insights: unknown snapshot policy %q", cfg.SnapshotPolicy)
	}
	if cfg.DegradedAfter < 0 {
		return nil, errors.New("insights: degraded_after cannot be negative")
	}
	if cfg.DegradedAfter == 0 {
		cfg.DegradedAfter = defaultDegradedAfter
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.BaseFee.IsNegative() {
		return nil, errors.New("insights: base fee cannot be negative")
	}

	window, err := NewWindow(cfg.WindowSize, cfg.WindowMaxAge, cfg.AvgPlaces)
	if err != nil {
		return nil, err
	}
	detector, err := NewDetector(cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}

	registry := deps.Registry
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		cfg:      cfg,
		provider: deps.Provider,
		points:   deps.Points,
		snaps:    deps.Snapshots,
		alerts:   deps.Alerts,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		registry: registry,
		metrics:  newEngineMetrics(registry),
		now:      now,
		logger:   logger.With().Str("component", "insights_engine").Str("provider", deps.Provider.ProviderName()).Logger(),
		window:   window,
		detector: detector,
		state:    Status{Health: Healthy, Provider: deps.Provider.ProviderName()},
	}
	e.publishStatus()
	return e, nil
}

// Run drives cycles from sched until ctx is cancelled. When the provider
// reports a backlog after a cycle, the next cycle runs without waiting for
// the interval.
func (e *Engine) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	backlog, _ := e.provider.(provider.BacklogReporter)
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		if _, err := e.RunCycle(ctx); err != nil {
			return err
		}
		if backlog != nil && backlog.Behind() {
			e.logger.Debug().Msg("provider behind; triggering catch-up cycle")
			sched.Trigger()
		}
		return nil
	})
}

// Current returns the latest published snapshot, or nil before the first one.
func (e *Engine) Current() *Snapshot {
	return e.current.Load()
}

// Status returns the engine's health counters and current phase.
func (e *Engine) Status() Status {
	st := *e.status.Load()
	st.Phase = Phase(e.phase.Load())
	return st
}

// ProviderMetadata passes through the provider's static capabilities.
func (e *Engine) ProviderMetadata() provider.Metadata {
	return e.provider.GetMetadata()
}

// ProviderName identifies the provider feeding the engine.
func (e *Engine) ProviderName() string {
	return e.provider.ProviderName()
}

// Metrics exposes the engine's metric registry.
func (e *Engine) Metrics() metrics.Registry {
	return e.registry
}

// Thresholds returns the detector's effective bounds.
func (e *Engine) Thresholds() DetectorConfig {
	return e.detector.Config()
}

// Warm restores state from storage: the latest persisted snapshot becomes
// current and recent raw points are replayed into the window.
func (e *Engine) Warm(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if e.snaps != nil {
		rec, ok, err := e.snaps.LatestSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("load latest snapshot: %w", err)
		}
		if ok {
			snap := SnapshotFromRecord(rec)
			e.current.Store(snap)
			e.detector.Restore(snap.Congestion, snap.AvgFee)
		}
	}

	replayed := 0
	if e.points != nil {
		var (
			points []provider.FeeDataPoint
			err    error
		)
		if e.cfg.WindowSize > 0 {
			points, err = e.points.ListRecentFeePoints(ctx, e.cfg.WindowSize)
		} else {
			points, err = e.points.ListFeePointsSince(ctx, e.now().Add(-e.cfg.WindowMaxAge))
		}
		if err != nil {
			return fmt.Errorf("load recent fee points: %w", err)
		}
		e.window.Ingest(points...)
		replayed = len(points)
		if len(points) > 0 {
			e.replayed = make(map[string]struct{}, len(points))
			for _, p := range points {
				e.replayed[p.TransactionHash] = struct{}{}
			}
		}
		if seeder, ok := e.provider.(provider.Seeder); ok {
			seeder.Seed(points)
		}
		e.metrics.windowSize.Update(int64(e.window.Len()))
	}

	e.logger.Info().
		Int("replayed_points", replayed).
		Int("window_size", e.window.Len()).
		Bool("snapshot_restored", e.current.Load() != nil).
		Msg("engine warmed from storage")
	return nil
}

// RunCycle executes one cycle. It returns the snapshot published by the
// cycle, or nil when the cycle published nothing (fetch failure, unchanged
// aggregates under PolicyOnChange, or the advisory lock held elsewhere).
// A fetch failure leaves every piece of engine state untouched except the
// failure counters.
func (e *Engine) RunCycle(ctx context.Context) (*Snapshot, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !proceed {
		e.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return nil, nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	defer e.metrics.cycle.UpdateSince(started)
	e.metrics.cycles.Inc(1)
	e.state.Cycles++

	e.setPhase(PhaseFetching)
	points, err := e.provider.FetchLatestFees(ctx)
	if err != nil {
		e.setPhase(PhaseIdle)
		perr := provider.AsError(err)
		e.recordFailure(ctx, perr)
		return nil, fmt.Errorf("fetch latest fees from %s: %w", e.provider.ProviderName(), perr)
	}

	points = e.dropReplayed(points)

	// No suspension points from here until publication.
	e.setPhase(PhaseIngesting)
	evicted := e.window.Ingest(points...)

	e.setPhase(PhaseRecomputing)
	reading := Reading{
		Average: e.window.Average(),
		Min:     feeDecimal(e.window.Min()),
		Max:     feeDecimal(e.window.Max()),
		Samples: e.window.Len(),
	}
	assessment := e.detector.Evaluate(reading)

	e.setPhase(PhaseSnapshotting)
	snap := e.assemble(reading, assessment)
	prev := e.current.Load()
	emit := e.cfg.SnapshotPolicy == PolicyAlways || prev == nil || !prev.sameAggregates(snap)
	if emit {
		e.current.Store(snap)
	}
	recovered := e.recordSuccess()
	e.setPhase(PhaseIdle)

	e.metrics.ingested.Inc(int64(len(points)))
	e.metrics.evicted.Inc(int64(evicted))
	e.metrics.windowSize.Update(int64(reading.Samples))

	e.logger.Info().
		Int("fetched", len(points)).
		Int("evicted", evicted).
		Int("window_size", reading.Samples).
		Str("avg_fee", reading.Average.String()).
		Str("min_fee", reading.Min.String()).
		Str("max_fee", reading.Max.String()).
		Str("congestion", assessment.State.String()).
		Str("trend", string(assessment.Trend)).
		Bool("published", emit).
		Msg("cycle complete")

	var persisted *Snapshot
	if emit {
		persisted = snap
	}
	e.persist(ctx, points, persisted)

	if assessment.Changed {
		e.notifyCongestion(ctx, snap)
	}
	if recovered {
		e.notifyHealth(ctx, Healthy)
	}

	return persisted, nil
}

// dropReplayed filters points already replayed from storage by Warm. It
// applies once, to the first successful fetch after the warm start.
func (e *Engine) dropReplayed(points []provider.FeeDataPoint) []provider.FeeDataPoint {
	if e.replayed == nil {
		return points
	}
	fresh := points[:0:0]
	for _, p := range points {
		if _, ok := e.replayed[p.TransactionHash]; ok {
			continue
		}
		fresh = append(fresh, p)
	}
	if dropped := len(points) - len(fresh); dropped > 0 {
		e.logger.Debug().Int("dropped", dropped).Msg("skip points already replayed from storage")
	}
	e.replayed = nil
	return fresh
}

func (e *Engine) assemble(r Reading, a Assessment) *Snapshot {
	snap := &Snapshot{
		BaseFee:     e.cfg.BaseFee,
		MinFee:      r.Min,
		MaxFee:      r.Max,
		AvgFee:      r.Average,
		CapturedAt:  e.now().UTC(),
		SampleCount: r.Samples,
		Congestion:  a.State,
		Trend:       a.Trend,
	}
	if latest, ok := e.window.Latest(); ok {
		snap.LatestLedger = latest.LedgerSequence
	}
	return snap
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(int32(p))
}

func (e *Engine) publishStatus() {
	st := e.state
	e.status.Store(&st)
}

// recordSuccess resets the failure streak and reports whether the engine
// just left the degraded state.
func (e *Engine) recordSuccess() bool {
	recovered := e.state.Health == Degraded
	e.state.Health = Healthy
	e.state.ConsecutiveFailures = 0
	e.state.LastSuccess = e.now().UTC()
	e.publishStatus()
	if recovered {
		e.logger.Info().Msg("provider recovered; engine healthy")
	}
	return recovered
}

func (e *Engine) recordFailure(ctx context.Context, perr *provider.Error) {
	e.metrics.fetchFailures.Inc(1)
	e.state.ConsecutiveFailures++
	e.state.TotalFailures++
	e.state.LastError = perr.Error()
	e.state.LastErrorKind = perr.Kind
	e.state.LastFailure = e.now().UTC()

	degraded := false
	if e.state.Health == Healthy && e.state.ConsecutiveFailures >= e.cfg.DegradedAfter {
		e.state.Health = Degraded
		degraded = true
	}
	e.publishStatus()

	e.logger.Warn().
		Str("kind", perr.Kind.String()).
		Int("consecutive_failures", e.state.ConsecutiveFailures).
		Err(perr).
		Msg("fetch failed; keeping previous snapshot")

	if degraded {
		e.logger.Error().
			Int("consecutive_failures", e.state.ConsecutiveFailures).
			Int("degraded_after", e.cfg.DegradedAfter).
			Msg("engine degraded")
		e.notifyHealth(ctx, Degraded)
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.cfg.LockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.cfg.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// writeContext survives cancellation of the cycle context so a shutdown does
// not drop the history of the cycle that just completed.
func (e *Engine) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
}

func (e *Engine) persist(ctx context.Context, points []provider.FeeDataPoint, snap *Snapshot) {
	writePoints := e.points != nil && len(points) > 0
	writeSnap := e.snaps != nil && snap != nil
	if !writePoints && !writeSnap {
		return
	}

	wctx, cancel := e.writeContext(ctx)
	defer cancel()

	if writePoints {
		if err := e.points.AppendFeePoints(wctx, points); err != nil {
			e.metrics.persistFailures.Inc(1)
			e.logger.Error().Err(err).Int("points", len(points)).Msg("failed to persist fee points")
		}
	}
	if writeSnap {
		if err := e.snaps.AppendSnapshot(wctx, snap.Record()); err != nil {
			e.metrics.persistFailures.Inc(1)
			e.logger.Error().Err(err).Time("captured_at", snap.CapturedAt).Msg("failed to persist snapshot")
		}
	}
}

func (e *Engine) notifyCongestion(ctx context.Context, snap *Snapshot) {
	threshold := e.detector.Config().Enter
	detail := fmt.Sprintf("average fee %s crossed enter threshold %s", snap.AvgFee, threshold)
	if snap.Congestion == StateNormal {
		threshold = e.detector.Config().Exit
		detail = fmt.Sprintf("average fee %s fell below exit threshold %s", snap.AvgFee, threshold)
	}
	e.logger.Warn().
		Str("congestion", snap.Congestion.String()).
		Str("avg_fee", snap.AvgFee.String()).
		Str("threshold", threshold.String()).
		Msg("congestion state changed")

	e.dispatch(ctx, alerting.Notification{
		Kind:        alerting.KindCongestion,
		State:       snap.Congestion.String(),
		Provider:    e.provider.ProviderName(),
		CapturedAt:  snap.CapturedAt,
		AvgFee:      snap.AvgFee,
		MinFee:      snap.MinFee,
		MaxFee:      snap.MaxFee,
		Threshold:   threshold,
		SampleCount: snap.SampleCount,
		Channels:    e.cfg.AlertChannels,
		Detail:      detail,
	})
}

func (e *Engine) notifyHealth(ctx context.Context, health Health) {
	note := alerting.Notification{
		Kind:       alerting.KindHealth,
		State:      health.String(),
		Provider:   e.provider.ProviderName(),
		CapturedAt: e.now().UTC(),
		Failures:   e.state.ConsecutiveFailures,
		Channels:   e.cfg.AlertChannels,
	}
	if health == Degraded {
		note.Detail = "last error: " + e.state.LastErrorKind.String()
	}
	if snap := e.current.Load(); snap != nil {
		note.AvgFee = snap.AvgFee
		note.MinFee = snap.MinFee
		note.MaxFee = snap.MaxFee
		note.SampleCount = snap.SampleCount
	}
	e.dispatch(ctx, note)
}

func (e *Engine) dispatch(ctx context.Context, note alerting.Notification) {
	if e.alerts == nil && e.notifier == nil {
		return
	}
	wctx, cancel := e.writeContext(ctx)
	defer cancel()

	if e.alerts != nil {
		record := storage.AlertRecord{
			Kind:       note.Kind,
			State:      note.State,
			Detail:     note.Detail,
			AvgFee:     note.AvgFee,
			Threshold:  note.Threshold,
			Channels:   note.Channels,
			CapturedAt: note.CapturedAt,
		}
		if _, err := e.alerts.InsertAlert(wctx, record); err != nil {
			e.metrics.persistFailures.Inc(1)
			e.logger.Error().Err(err).Str("kind", note.Kind).Msg("failed to persist alert record")
		}
	}
	if e.notifier != nil {
		if err := e.notifier.Notify(wctx, note); err != nil {
			e.logger.Error().Err(err).Str("kind", note.Kind).Msg("failed to dispatch alert")
		}
	}
}
