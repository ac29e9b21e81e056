package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per cycle.
type TickFunc func(ctx context.Context, cycle uint64) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler runs ticks with a fixed delay: the interval is measured from the
// end of one tick to the start of the next, so a cycle takes tick time plus
// Interval.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	after  func(time.Duration) <-chan time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		after:  time.After,
	}
}

// Interval is the configured delay between cycles.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Run blocks, invoking tick until ctx is cancelled. Tick errors are logged and
// never stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.Sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	for cycle := uint64(1); ; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		if err := tick(ctx, cycle); err != nil {
			s.logger.Error().Err(err).Uint64("cycle", cycle).Msg("tick execution failed")
		}
		s.logger.Debug().Uint64("cycle", cycle).
			Dur("took", time.Since(start)).
			Dur("sleep", s.opts.Interval).
			Msg("cycle finished")

		if err := s.Sleep(ctx, s.opts.Interval); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is cancelled.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.after(d):
		return nil
	}
}
