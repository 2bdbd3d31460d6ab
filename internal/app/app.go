// Package app implements the CLI commands on top of the wired components.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"whale-mirror/internal/alerting"
	"whale-mirror/internal/allocation"
	"whale-mirror/internal/chain"
	"whale-mirror/internal/config"
	"whale-mirror/internal/discovery"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/market"
	"whale-mirror/internal/metrics"
	"whale-mirror/internal/mirror"
	"whale-mirror/internal/profitability"
	"whale-mirror/internal/risk"
	"whale-mirror/internal/sampler"
	"whale-mirror/internal/scoring"
	"whale-mirror/internal/storage"
	"whale-mirror/internal/storage/memory"
	"whale-mirror/internal/validator"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// components is the wired object graph shared by run, discover and the
// management commands.
type components struct {
	repo        storage.Repository
	locker      storage.AdvisoryLocker
	chain       *chain.Client
	watch       *chain.Client
	metrics     *metrics.Metrics
	engine      *scoring.Engine
	validator   *validator.Validator
	risk        *risk.Manager
	mirror      *mirror.Mirror
	coordinator *discovery.Coordinator
	notifier    alerting.Notifier
	closers     []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// build wires every component. Persistence falls back to memory when no DSN
// is configured, except where requireDB is set.
func (a *App) build(ctx context.Context, requireDB bool) (*components, error) {
	c := &components{metrics: metrics.New()}

	repo, locker, closeRepo, err := a.openRepository(ctx, requireDB)
	if err != nil {
		return nil, err
	}
	c.repo, c.locker = repo, locker
	c.closers = append(c.closers, closeRepo)

	c.chain = chain.NewClient(a.chainOptions(a.Config.Ethereum.RPCURL), a.Logger)
	c.watch = chain.NewClient(a.chainOptions(a.Config.WatchRPC()), a.Logger)
	c.closers = append(c.closers, c.chain.Close, c.watch.Close)

	c.engine = scoring.NewEngine(c.repo, a.priceSource(c.chain), scoring.Options{
		HistorySize:       a.Config.Scoring.HistorySize,
		MinTrades:         a.Config.Scoring.MinTrades,
		MinTokens:         a.Config.Scoring.MinTokens,
		FallbackETHUSD:    a.Config.Scoring.ETHUSDPrice,
		MaterialityETH:    a.Config.Scoring.MaterialityETH,
		MaterialityTrades: a.Config.Scoring.MaterialityTrades,
	}, a.Logger)

	c.notifier = a.newNotifier()

	if a.Config.ValidatesCandidates() || requireDB {
		v, closeV, err := a.newValidator(ctx, c)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.validator = v
		c.closers = append(c.closers, closeV)
	}

	c.risk = risk.NewManager(a.riskLimits(), c.metrics, a.Logger)
	executor, err := a.newExecutor(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.mirror = mirror.New(c.repo, c.engine, a.newAllocation(), c.risk, executor, c.notifier, c.metrics, a.Logger)
	c.coordinator = a.newCoordinator(c)
	return c, nil
}

func (a *App) openRepository(ctx context.Context, requireDB bool) (storage.Repository, storage.AdvisoryLocker, func(), error) {
	if a.Config.Database.DSN == "" {
		if requireDB {
			return nil, nil, nil, fmt.Errorf("database.dsn not configured: %w", storage.ErrNotConfigured)
		}
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory storage")
		mem := memory.New()
		return mem, mem, func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, nil, fmt.Errorf("migrate schema: %w", err)
		}
	}
	return store, store, store.Close, nil
}

func (a *App) chainOptions(url string) chain.ClientOptions {
	return chain.ClientOptions{
		RPCURL:  url,
		ChainID: a.Config.Ethereum.ChainID,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}
}

func (a *App) priceSource(caller chain.ContractCaller) chain.PriceSource {
	feed := a.Config.Ethereum.ETHUSDFeed
	if feed == "" || !common.IsHexAddress(feed) || a.Config.Ethereum.RPCURL == "" {
		return chain.StaticPrice(a.Config.Scoring.ETHUSDPrice)
	}
	return chain.NewFeedPrice(caller, common.HexToAddress(feed), a.Config.Scoring.ETHUSDPrice, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	tg := a.Config.Alerting.Telegram
	if !a.Config.Alerting.Enabled || !tg.Enabled {
		return nil
	}
	return alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, tg.Timeout, a.Logger)
}

func (a *App) newValidator(ctx context.Context, c *components) (*validator.Validator, func(), error) {
	cfg := a.Config
	source := profitability.NewClient(profitability.Options{
		APIKey:          cfg.Moralis.APIKey,
		BaseURL:         cfg.Moralis.BaseURL,
		Chain:           cfg.Moralis.Chain,
		Timeout:         cfg.Moralis.RequestTimeout,
		MaxCalls:        cfg.Moralis.MaxCalls,
		Window:          cfg.Moralis.Window,
		BreakerFailures: cfg.Moralis.BreakerFailures,
		BreakerTimeout:  cfg.Moralis.BreakerTimeout,
	}, c.metrics, a.Logger)

	var cache validator.VerdictCache
	closeCache := func() {}
	if cfg.Cache.RedisURL != "" {
		rc, err := validator.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.KeyPrefix, a.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect verdict cache: %w", err)
		}
		cache = rc
		closeCache = func() { _ = rc.Close() }
	}

	thresholds := validator.Thresholds{
		MinROIPct:    cfg.Validator.MinROIPct,
		MinProfitUSD: cfg.Validator.MinProfitUSD,
		MinTrades:    cfg.Validator.MinTrades,
	}
	feedback := validator.NewFeedbackTracker(validator.FeedbackOptions{
		Capacity:     cfg.Feedback.Capacity,
		MinSamples:   cfg.Feedback.MinSamples,
		Window:       cfg.Feedback.Window,
		Sensitivity:  cfg.Feedback.Sensitivity,
		MinVolumeETH: cfg.Feedback.MinVolumeETH,
	}, thresholds, nil)

	v := validator.New(source, c.engine, c.repo, cache, feedback, c.metrics, validator.Options{
		Thresholds:         thresholds,
		CacheTTL:           cfg.Validator.CacheTTL,
		RecheckWindow:      cfg.Validator.RecheckWindow,
		TokenRefreshWindow: cfg.Validator.TokenRefreshWindow,
		TokenFetchTimeout:  cfg.Validator.TokenFetchTimeout,
	}, a.Logger)
	return v, func() {
		v.Close()
		closeCache()
	}, nil
}

func (a *App) newAllocation() *allocation.Engine {
	cfg := a.Config.Allocation
	return allocation.New(allocation.Options{
		BaseRisk:       cfg.BaseRisk,
		MirrorFraction: cfg.MirrorFraction,
		MaxAllocation:  cfg.MaxAllocation,
		DustFloor:      cfg.DustFloor,
		RouterBias:     cfg.RouterBias,
		FunctionBias:   cfg.FunctionBias,
		TokenBias:      cfg.TokenBias,
	})
}

func (a *App) riskLimits() risk.Limits {
	cfg := a.Config.Risk
	return risk.Limits{
		BaseCapital:      cfg.BaseCapital,
		BaseRisk:         cfg.BaseRisk,
		MinMultiplier:    cfg.MinMultiplier,
		MaxMultiplier:    cfg.MaxMultiplier,
		MaxPosition:      cfg.MaxPosition,
		MaxDailyLoss:     cfg.MaxDailyLoss,
		MaxTotalExposure: cfg.MaxTotalExposure,
		WhaleLossFloor:   cfg.WhaleLossFloor,
	}
}

// newExecutor submits on chain only in live mode, over the watch connection.
func (a *App) newExecutor(c *components) (mirror.Executor, error) {
	if a.Config.App.Mode != config.ModeLive {
		return mirror.SimulatedExecutor{}, nil
	}
	signer, err := chain.NewKeySigner(a.Config.Ethereum.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	a.Logger.Warn().Str("account", signer.Address().Hex()).Int("max_slippage_bps", a.Config.Ethereum.MaxSlippageBps).
		Msg("live mode: mirror trades will be submitted on chain")
	exec := mirror.NewChainExecutor(c.watch, c.watch, signer, a.Config.Ethereum.SwapDeadline, a.Config.Ethereum.ReceiptTimeout, a.Logger)
	return exec.WithMaxSlippage(a.Config.Ethereum.MaxSlippageBps), nil
}

func (a *App) routers() sampler.RouterSet {
	return sampler.NewRouterSet(a.Config.Ethereum.Routers...)
}

// readerFactory gives every discovery unit its own RPC connection.
func (a *App) readerFactory() discovery.ReaderFactory {
	opts := a.chainOptions(a.Config.Ethereum.RPCURL)
	return func(context.Context) (chain.Reader, func(), error) {
		if opts.RPCURL == "" {
			return nil, nil, errors.New("ethereum.rpc_url not configured")
		}
		client := chain.NewClient(opts, a.Logger)
		return client, client.Close, nil
	}
}

// profiles resolves enabled_modes against the mode table; an empty filter
// keeps every enabled mode.
func (a *App) profiles(only []string) ([]discovery.Profile, error) {
	names := a.Config.Discovery.EnabledModes
	if len(only) > 0 {
		names = only
	}
	out := make([]discovery.Profile, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		mode, ok := a.Config.Discovery.Modes[name]
		if !ok {
			return nil, fmt.Errorf("unknown discovery mode %q", name)
		}
		out = append(out, discovery.Profile{
			Name:              name,
			BlocksBack:        mode.BlocksBack,
			MinTrades:         mode.MinTrades,
			MinPnL:            mode.MinPnLThreshold,
			ProfitWindowHours: mode.ProfitWindowHours,
			MinROI:            mode.MinROI,
		})
	}
	return out, nil
}

func (a *App) coordinatorOptions(profiles []discovery.Profile, adaptive bool) discovery.Options {
	cfg := a.Config.Discovery
	opts := discovery.Options{
		Profiles:            profiles,
		Routers:             a.routers(),
		UseMarketConditions: cfg.Adaptive.UseMarketConditions,
		AdaptFixedModes:     cfg.Market.AdaptFixedModes,
		Market: market.Options{
			SampleEvery: cfg.Market.SampleEvery,
			BaselineTx:  cfg.Market.BaselineTx,
			LiquidityTx: cfg.Market.LiquidityTx,
		},
		MarketBlocksBack: cfg.Market.BlocksBack,
		HistorySize:      cfg.HistorySize,
	}
	if adaptive && cfg.Adaptive.Enabled {
		opts.Adaptive = &discovery.AdaptiveParams{
			ActivityPercentile: cfg.Adaptive.ActivityPercentile,
			ProfitPercentile:   cfg.Adaptive.ProfitPercentile,
			BlocksBack:         cfg.Adaptive.BlocksBack,
			Stride:             cfg.Adaptive.Stride,
			MarketBlocksBack:   cfg.Market.BlocksBack,
		}
	}
	return opts
}

func (a *App) newCoordinator(c *components) *discovery.Coordinator {
	profiles, err := a.profiles(nil)
	if err != nil {
		// Config.Validate already rejects unknown enabled modes.
		a.Logger.Error().Err(err).Msg("resolve discovery modes")
	}
	return a.coordinatorFor(c, a.coordinatorOptions(profiles, true))
}

func (a *App) coordinatorFor(c *components, opts discovery.Options) *discovery.Coordinator {
	var v discovery.Validator
	if c.validator != nil && a.Config.ValidatesCandidates() {
		v = c.validator
	}
	return discovery.NewCoordinator(opts, a.readerFactory(), v, c.notifier, c.metrics, a.Logger)
}
