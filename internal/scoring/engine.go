package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/chain"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/profitability"
	"whale-mirror/internal/storage"
)

// Options tune the engine.
type Options struct {
	HistorySize       int
	MinTrades         int
	MinTokens         int
	FallbackETHUSD    float64
	MaterialityETH    float64
	MaterialityTrades int
}

// Engine owns the rolling PnL histories and writes scores through the repository.
type Engine struct {
	opts   Options
	repo   storage.Repository
	price  chain.PriceSource
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]float64
}

// NewEngine constructs an engine; zero options take reference defaults.
func NewEngine(repo storage.Repository, price chain.PriceSource, opts Options, logger zerolog.Logger) *Engine {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	if opts.MinTrades <= 0 {
		opts.MinTrades = 20
	}
	if opts.MinTokens <= 0 {
		opts.MinTokens = 5
	}
	if opts.FallbackETHUSD <= 0 {
		opts.FallbackETHUSD = 2000
	}
	if opts.MaterialityETH <= 0 {
		opts.MaterialityETH = 0.001
	}
	if opts.MaterialityTrades <= 0 {
		opts.MaterialityTrades = 2
	}
	if price == nil {
		price = chain.StaticPrice(opts.FallbackETHUSD)
	}
	return &Engine{
		opts:    opts,
		repo:    repo,
		price:   price,
		logger:  logging.Component(logger, "scoring"),
		now:     func() time.Time { return time.Now().UTC() },
		history: make(map[string][]float64),
	}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Record appends a settled PnL to the bounded history and returns the new rolling score.
func (e *Engine) Record(address string, pnl float64) Rolling {
	key := storage.NormalizeAddress(address)
	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[key], pnl)
	if len(h) > e.opts.HistorySize {
		h = h[len(h)-e.opts.HistorySize:]
	}
	e.history[key] = h
	return ComputeRolling(h)
}

// Rolling returns the current rolling score without mutating history.
func (e *Engine) Rolling(address string) Rolling {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ComputeRolling(e.history[storage.NormalizeAddress(address)])
}

// History returns a copy of the PnL history.
func (e *Engine) History(address string) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.history[storage.NormalizeAddress(address)]...)
}

// ETHUSD resolves the conversion price, falling back to the configured constant.
func (e *Engine) ETHUSD(ctx context.Context) float64 {
	price, err := e.price.ETHUSD(ctx)
	if err != nil || price <= 0 {
		e.logger.Warn().Err(err).Float64("fallback", e.opts.FallbackETHUSD).Msg("eth/usd unavailable, using fallback")
		return e.opts.FallbackETHUSD
	}
	return price
}

// NewWhale builds the starting record for an accepted address.
func (e *Engine) NewWhale(ctx context.Context, address, mode string, summary profitability.Summary) storage.WhaleRecord {
	seed := SeedFromSnapshot(summary.ROIPct, summary.ProfitUSD, summary.TradeCount, e.ETHUSD(ctx))
	now := e.now()
	return storage.WhaleRecord{
		Address:            storage.NormalizeAddress(address),
		ExternalROIPct:     summary.ROIPct,
		ExternalProfitUSD:  summary.ProfitUSD,
		ExternalTradeCount: summary.TradeCount,
		CumulativePnL:      seed.CumulativePnL,
		RiskMultiplier:     seed.RiskMultiplier,
		AllocationSize:     decimal.Zero,
		Score:              seed.Score,
		WinRate:            seed.WinRate,
		DiscoveryMode:      mode,
		BootstrapTime:      now,
		LastRefresh:        now,
	}
}

// Settlement is the outcome of applying a realized PnL.
type Settlement struct {
	Rolling Rolling   `json:"rolling"`
	V2      *V2Result `json:"score_v2,omitempty"`
	Score   float64   `json:"score"`
}

// Settle records pnl and persists cumulative PnL, win rate, trade count and
// score. Once real token data exists Score v2.0 is the persisted score;
// before that the rolling score is.
func (e *Engine) Settle(ctx context.Context, address string, pnl float64) (Settlement, error) {
	rec, err := e.repo.GetWhale(ctx, address)
	if err != nil {
		return Settlement{}, fmt.Errorf("load whale: %w", err)
	}

	rolling := e.Record(address, pnl)
	cum := rec.CumulativePnL.Add(decimal.NewFromFloat(pnl))
	count := rec.MirroredTradeCount + 1
	update := storage.WhaleUpdate{
		CumulativePnL:      &cum,
		WinRate:            &rolling.WinRate,
		MirroredTradeCount: &count,
	}

	tokens, err := e.repo.GetTokenBreakdown(ctx, address)
	if err != nil {
		return Settlement{}, fmt.Errorf("load tokens: %w", err)
	}
	if !HasTokenData(tokens) {
		update.Score = &rolling.Score
	}
	if err := e.repo.UpdateWhale(ctx, address, update); err != nil {
		return Settlement{}, fmt.Errorf("update whale: %w", err)
	}

	out := Settlement{Rolling: rolling, Score: rolling.Score}
	if HasTokenData(tokens) {
		v2, err := e.Recalculate(ctx, address)
		if err != nil {
			return out, err
		}
		out.V2 = &v2
		out.Score = v2.Score
	}
	return out, nil
}

// Recalculate computes Score v2.0 from the stored record and tokens, persists
// it, and discards or restores the whale according to the gate.
func (e *Engine) Recalculate(ctx context.Context, address string) (V2Result, error) {
	rec, err := e.repo.GetWhale(ctx, address)
	if err != nil {
		return V2Result{}, fmt.Errorf("load whale: %w", err)
	}
	tokens, err := e.repo.GetTokenBreakdown(ctx, address)
	if err != nil {
		return V2Result{}, fmt.Errorf("load tokens: %w", err)
	}

	res := ScoreV2(V2Input{
		ROIPct:        rec.ExternalROIPct,
		WinRate:       rec.WinRate,
		TradeCount:    rec.ExternalTradeCount + rec.MirroredTradeCount,
		CumulativePnL: rec.CumulativePnL.InexactFloat64(),
		Tokens:        tokens,
	}, e.opts.MinTrades, e.opts.MinTokens)

	if err := e.repo.UpdateWhale(ctx, address, storage.WhaleUpdate{Score: &res.Score}); err != nil {
		return res, fmt.Errorf("update score: %w", err)
	}

	switch {
	case res.Discarded:
		if err := e.repo.MarkDiscarded(ctx, address, res.Reason); err != nil {
			return res, fmt.Errorf("mark discarded: %w", err)
		}
		if !rec.Discarded() {
			e.logger.Info().Str("address", rec.Address).Str("reason", res.Reason).Msg("whale discarded")
		}
	case rec.Discarded():
		if err := e.repo.ClearDiscarded(ctx, address); err != nil {
			return res, fmt.Errorf("clear discarded: %w", err)
		}
		e.logger.Info().Str("address", rec.Address).Float64("score", res.Score).Msg("whale restored")
	}

	e.logger.Debug().
		Str("address", rec.Address).
		Float64("base", res.BaseScore).
		Float64("diversification", res.Diversification.Factor).
		Float64("score", res.Score).
		Msg("score v2 computed")
	return res, nil
}

// IngestTokens converts USD profits to ETH and accumulates the material ones.
// When nothing is material the sentinel is written so the address is not
// fetched again within the refresh window. Returns the rows written.
func (e *Engine) IngestTokens(ctx context.Context, address string, tokens []profitability.TokenProfit) (int, error) {
	ethUSD := e.ETHUSD(ctx)
	written := 0
	for _, tok := range tokens {
		pnlETH := tok.RealizedProfitUSD / ethUSD
		if math.Abs(pnlETH) < e.opts.MaterialityETH && tok.TradeCount < e.opts.MaterialityTrades {
			continue
		}
		if err := e.repo.UpsertTokenPnL(ctx, address, tok.Symbol, tok.Address, decimal.NewFromFloat(pnlETH), tok.TradeCount); err != nil {
			return written, fmt.Errorf("upsert token %s: %w", tok.Symbol, err)
		}
		written++
	}
	if written == 0 {
		if err := e.repo.UpsertTokenPnL(ctx, address, storage.ProcessedSentinel, "", decimal.Zero, 0); err != nil {
			return 0, fmt.Errorf("write processed marker: %w", err)
		}
	}
	e.logger.Debug().Str("address", address).Int("tokens", len(tokens)).Int("material", written).Msg("token breakdown ingested")
	return written, nil
}

// TokensFresh reports whether any token row, sentinel included, was written
// within window.
func (e *Engine) TokensFresh(ctx context.Context, address string, window time.Duration) (bool, error) {
	tokens, err := e.repo.GetTokenBreakdown(ctx, address)
	if err != nil {
		return false, err
	}
	cutoff := e.now().Add(-window)
	for _, tok := range tokens {
		if tok.LastUpdated.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// Report loads a whale and builds its suitability report.
func (e *Engine) Report(ctx context.Context, address string) (Report, error) {
	rec, err := e.repo.GetWhale(ctx, address)
	if err != nil {
		return Report{}, err
	}
	tokens, err := e.repo.GetTokenBreakdown(ctx, address)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Report{}, err
	}
	return BuildReport(rec, tokens), nil
}

// HasTokenData reports whether tokens hold anything beyond the processed sentinel.
func HasTokenData(tokens []storage.TokenPnL) bool {
	for _, tok := range tokens {
		if !tok.IsSentinel() {
			return true
		}
	}
	return false
}
