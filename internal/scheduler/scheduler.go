package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per scheduled or triggered run.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// ShutdownGrace is how long an in-flight tick may keep running after the
	// run context is cancelled. Zero cancels the tick immediately.
	ShutdownGrace time.Duration
	// RunImmediately executes one tick as soon as Run starts.
	RunImmediately bool
}

// Scheduler runs ticks sequentially on a fixed cadence. Ticks never overlap:
// ticks missed while a run overran collapse into a single catch-up run, and
// triggers received while busy collapse into one extra run.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	trigger chan struct{}
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:    opts,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests an extra run as soon as the loop is idle. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, invoking tick on every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.execute(ctx, tick, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	catchingUp := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		timer := time.NewTimer(time.Until(next))
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.trigger:
			timer.Stop()
			s.execute(ctx, tick, time.Now().UTC())
			continue
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.execute(ctx, tick, s.bucketStart(next))

		now := time.Now().UTC()
		if catchingUp {
			catchingUp = false
			next = s.nextTick(now)
			continue
		}
		next = next.Add(s.opts.Interval)
		if !next.After(now) {
			s.logger.Warn().Dur("interval", s.opts.Interval).Msg("tick overran interval; coalescing missed ticks into one run")
			next = now
			catchingUp = true
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, bucket time.Time) {
	tickCtx, release := s.tickContext(ctx)
	defer release()

	s.logger.Debug().Time("bucket", bucket).Msg("executing scheduled tick")
	if err := tick(tickCtx, bucket); err != nil {
		s.logger.Warn().Err(err).Time("bucket", bucket).Msg("tick execution failed")
	}
}

// tickContext detaches the tick from ctx so cancellation reaches it only
// after the shutdown grace has elapsed.
func (s *Scheduler) tickContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.ShutdownGrace <= 0 {
		return context.WithCancel(ctx)
	}
	tickCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		grace := time.NewTimer(s.opts.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-grace.C:
			s.logger.Warn().Dur("grace", s.opts.ShutdownGrace).Msg("shutdown grace elapsed; cancelling in-flight tick")
			cancel()
		case <-tickCtx.Done():
		}
	})
	return tickCtx, func() {
		stop()
		cancel()
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
