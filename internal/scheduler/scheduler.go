// Package scheduler drives periodic discovery rounds.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"whale-mirror/internal/logging"
)

// RoundFunc runs one scheduled round. at is the nominal start of the round.
type RoundFunc func(ctx context.Context, at time.Time) error

// Options tune the loop.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires the first round right after StartupDelay instead of
	// waiting a full interval.
	RunImmediately bool
}

// Scheduler runs rounds back to back on a fixed cadence. A round that
// overruns its slot delays the next one; rounds never overlap.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logging.Component(logger, "scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking round on every tick until ctx is cancelled. Round
// errors are logged, never returned.
func (s *Scheduler) Run(ctx context.Context, round RoundFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := s.now()
	if !s.opts.RunImmediately {
		next = s.nextTick(next)
	}
	for n := 1; ; n++ {
		if err := s.sleep(ctx, next.Sub(s.now())); err != nil {
			return err
		}

		at := s.slotStart(next)
		started := s.now()
		s.logger.Info().Int("round", n).Time("at", at).Msg("starting scheduled round")
		if err := round(ctx, at); err != nil {
			s.logger.Error().Err(err).Int("round", n).Msg("scheduled round failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next = next.Add(s.opts.Interval)
		if now := s.now(); next.Before(now) {
			s.logger.Warn().Dur("took", now.Sub(started)).Dur("interval", s.opts.Interval).Msg("round overran its interval")
			next = s.nextTick(now)
		}
		s.logger.Debug().Time("next", next).Msg("waiting for next round")
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	slot := now.Truncate(s.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}

func (s *Scheduler) slotStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
