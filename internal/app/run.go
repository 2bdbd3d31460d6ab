package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"whale-mirror/internal/api"
	"whale-mirror/internal/chain"
	"whale-mirror/internal/mirror"
	"whale-mirror/internal/scheduler"
	"whale-mirror/internal/service"
	"whale-mirror/internal/version"
)

// Run executes the long-running discovery and mirroring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.ValidateRuntime(); err != nil {
		return err
	}

	c, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Discovery.Interval,
		AlignToStart:   a.Config.Discovery.AlignToStart,
		StartupDelay:   a.Config.Discovery.StartupDelay,
		RunImmediately: a.Config.Discovery.RunOnStart,
	}, a.Logger)

	opts := service.Options{
		Scheduler:   sched,
		Coordinator: c.coordinator,
		Validator:   c.validator,
		Mirror:      c.mirror,
		Repo:        c.repo,
		Locker:      c.locker,
		LockKey:     a.Config.Database.AdvisoryLockKey,
	}

	// The watcher needs the tracked set the validator maintains.
	if c.validator != nil {
		tokens := chain.NewTokenResolver(c.watch, a.Logger)
		opts.Watcher = mirror.NewWatcher(c.watch, a.routers(), c.validator, tokens, c.mirror, a.Config.Ethereum.PollInterval, a.Logger).
			WithConfirmations(a.Config.Ethereum.Confirmations)
	}

	if a.Config.API.Enabled {
		deps := api.Deps{
			Repo:       c.repo,
			Engine:     c.engine,
			Risk:       c.risk,
			Rounds:     c.coordinator,
			Metrics:    c.metrics,
			Mode:       a.Config.App.Mode,
			AdminToken: a.Config.API.AdminToken,
		}
		if c.validator != nil {
			deps.Feedback = c.validator
		}
		opts.API = api.New(a.Config.API.ListenAddr, deps, a.Logger)
	}

	a.Logger.Info().
		Str("mode", a.Config.App.Mode).
		Str("version", version.Version).
		Dur("interval", a.Config.Discovery.Interval).
		Strs("modes", a.Config.Discovery.EnabledModes).
		Bool("adaptive", a.Config.Discovery.Adaptive.Enabled).
		Msg("starting whale mirror service")

	err = service.New(opts, a.Logger).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("whale mirror service stopped")
	return nil
}
