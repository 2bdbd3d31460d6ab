// Package service runs the long-lived process: scheduled discovery rounds,
// the trade-mirroring watcher and the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"whale-mirror/internal/api"
	"whale-mirror/internal/discovery"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/mirror"
	"whale-mirror/internal/scheduler"
	"whale-mirror/internal/storage"
	"whale-mirror/internal/validator"
)

// Options are the components the service drives. Validator, Mirror, Watcher,
// API and Locker may be nil.
type Options struct {
	Scheduler   *scheduler.Scheduler
	Coordinator *discovery.Coordinator
	Validator   *validator.Validator
	Mirror      *mirror.Mirror
	Watcher     *mirror.Watcher
	API         *api.Server
	Repo        storage.Repository
	Locker      storage.AdvisoryLocker
	LockKey     int64
}

// Service orchestrates discovery, mirroring and the API.
type Service struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs the service.
func New(opts Options, logger zerolog.Logger) *Service {
	return &Service{opts: opts, logger: logging.Component(logger, "service")}
}

// Run restores persisted state and blocks until ctx is cancelled or a
// component fails.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Scheduler == nil || s.opts.Coordinator == nil {
		return fmt.Errorf("scheduler and coordinator must be configured")
	}
	if err := s.Restore(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("restore persisted whales")
	}
	if s.opts.Validator != nil {
		defer s.opts.Validator.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.opts.Scheduler.Run(gctx, s.RunRound)
	})
	if s.opts.Watcher != nil {
		g.Go(func() error {
			return s.opts.Watcher.Run(gctx)
		})
	} else {
		s.logger.Info().Msg("trade watcher disabled")
	}
	if s.opts.API != nil {
		g.Go(func() error {
			return s.opts.API.Run(gctx)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Restore seeds the risk manager and the tracked set from storage so whales
// accepted by earlier runs are mirrored without being rediscovered.
func (s *Service) Restore(ctx context.Context) error {
	if s.opts.Mirror != nil {
		n, err := s.opts.Mirror.RestoreRisk(ctx)
		if err != nil {
			return err
		}
		s.logger.Info().Int("whales", n).Msg("risk multipliers restored")
	}
	if s.opts.Validator == nil || s.opts.Repo == nil {
		return nil
	}
	whales, err := s.opts.Repo.ListWhales(ctx, storage.ListOptions{})
	if err != nil {
		return fmt.Errorf("list whales: %w", err)
	}
	for _, w := range whales {
		s.opts.Validator.MarkTracked(w.Address)
	}
	s.logger.Info().Int("whales", len(whales)).Msg("tracked set primed")
	return nil
}

// RunRound runs one discovery round unless another process holds the lock.
func (s *Service) RunRound(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Info().Time("at", at).Msg("skip round because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	summary, err := s.opts.Coordinator.RunRound(ctx)
	candidates, validated, rejected := summary.Totals()
	s.logger.Info().
		Str("round", summary.ID).
		Time("at", at).
		Int("candidates", candidates).
		Int("validated", validated).
		Int("rejected", rejected).
		Int("accepted", len(summary.Accepted)).
		Msg("round finished")
	return err
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
