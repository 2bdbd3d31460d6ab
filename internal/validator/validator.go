package validator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whale-mirror/internal/logging"
	"whale-mirror/internal/metrics"
	"whale-mirror/internal/profitability"
	"whale-mirror/internal/scoring"
	"whale-mirror/internal/storage"
)

// Verdict reasons.
const (
	ReasonAccepted          = "accepted"
	ReasonAlreadyTracked    = "already_tracked"
	ReasonRecentlyValidated = "recently_validated"
	ReasonDiscarded         = "discarded"
	ReasonLowROI            = "low_roi"
	ReasonLowProfit         = "low_profit"
	ReasonLowTrades         = "low_trades"
	ReasonNoData            = "no_data"
	ReasonRateLimited       = "rate_limited"
	ReasonAPIError          = "api_error"
	ReasonStorageError      = "storage_error"
)

// Verdict is the outcome of validating one address.
type Verdict struct {
	Address   string                 `json:"address"`
	Accepted  bool                   `json:"accepted"`
	Reason    string                 `json:"reason"`
	Summary   *profitability.Summary `json:"summary,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
	Cached    bool                   `json:"cached"`
}

// Options configure validation minimums and staleness windows.
type Options struct {
	Thresholds         Thresholds
	CacheTTL           time.Duration
	RecheckWindow      time.Duration
	TokenRefreshWindow time.Duration
	TokenFetchTimeout  time.Duration
}

// Validator gates discovery candidates on external profitability.
type Validator struct {
	source   profitability.Source
	engine   *scoring.Engine
	repo     storage.Repository
	cache    VerdictCache
	feedback *FeedbackTracker
	metrics  *metrics.Metrics
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	tracked map[string]struct{}

	wg sync.WaitGroup
}

// New constructs a validator. cache and feedback may be nil.
func New(source profitability.Source, engine *scoring.Engine, repo storage.Repository, cache VerdictCache,
	feedback *FeedbackTracker, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Validator {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Minute
	}
	if opts.RecheckWindow <= 0 {
		opts.RecheckWindow = 24 * time.Hour
	}
	if opts.TokenRefreshWindow <= 0 {
		opts.TokenRefreshWindow = 24 * time.Hour
	}
	if opts.TokenFetchTimeout <= 0 {
		opts.TokenFetchTimeout = 30 * time.Second
	}
	if cache == nil {
		cache = NewMemoryCache(nil)
	}
	return &Validator{
		source:   source,
		engine:   engine,
		repo:     repo,
		cache:    cache,
		feedback: feedback,
		metrics:  m,
		opts:     opts,
		logger:   logging.Component(logger, "validator"),
		now:      func() time.Time { return time.Now().UTC() },
		tracked:  make(map[string]struct{}),
	}
}

// Thresholds returns the configured minimums.
func (v *Validator) Thresholds() Thresholds {
	return v.opts.Thresholds
}

// Feedback exposes the outcome tracker; nil when disabled.
func (v *Validator) Feedback() *FeedbackTracker {
	return v.feedback
}

// Request is one candidate to validate. TradeCount and ETHVolume carry the
// on-chain activity that surfaced it and only feed the outcome tracker.
type Request struct {
	Address    string
	Mode       string
	Minimums   Thresholds
	TradeCount int
	ETHVolume  float64
}

// Validate checks address against the configured minimums.
func (v *Validator) Validate(ctx context.Context, address, mode string) Verdict {
	return v.Check(ctx, Request{Address: address, Mode: mode, Minimums: v.opts.Thresholds})
}

// Check validates one candidate. It never returns an error: failures become
// rejections with a reason.
func (v *Validator) Check(ctx context.Context, req Request) Verdict {
	addr := storage.NormalizeAddress(req.Address)
	req.Address = addr
	log := v.logger.With().Str("address", addr).Str("mode", req.Mode).Logger()

	existing, err := v.repo.GetWhale(ctx, addr)
	found := err == nil
	switch {
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		log.Warn().Err(err).Msg("whale lookup failed")
	case found && existing.Discarded():
		v.Untrack(addr)
		return v.finish(Verdict{Address: addr, Reason: ReasonDiscarded, CheckedAt: v.now()}, req, false)
	}

	if v.Tracked(addr) {
		return v.finish(Verdict{Address: addr, Accepted: true, Reason: ReasonAlreadyTracked, CheckedAt: v.now()}, req, false)
	}
	if found && v.now().Sub(existing.LastRefresh) < v.opts.RecheckWindow {
		v.MarkTracked(addr)
		return v.finish(Verdict{Address: addr, Accepted: true, Reason: ReasonRecentlyValidated, CheckedAt: existing.LastRefresh}, req, false)
	}

	if cached, ok := v.cache.Get(ctx, addr); ok {
		cached.Cached = true
		switch {
		case cached.Accepted:
			v.MarkTracked(addr)
		case cached.Summary != nil && ThresholdReason(cached.Reason):
			// threshold rejections are re-judged against the caller's minimums
			reason := rejectReason(*cached.Summary, req.Minimums)
			if reason == "" {
				return v.accept(ctx, req, *cached.Summary, existing, found, log)
			}
			cached.Reason = reason
		}
		return v.finish(cached, req, false)
	}

	summary, err := v.source.Summary(ctx, addr)
	if err != nil {
		verdict := Verdict{Address: addr, Reason: ReasonAPIError, CheckedAt: v.now()}
		switch {
		case errors.Is(err, profitability.ErrRateLimited):
			verdict.Reason = ReasonRateLimited
		case errors.Is(err, profitability.ErrNoData):
			verdict.Reason = ReasonNoData
			v.cache.Set(ctx, addr, verdict, v.opts.CacheTTL)
			return v.finish(verdict, req, true)
		default:
			log.Warn().Err(err).Msg("profitability summary failed")
		}
		return v.finish(verdict, req, false)
	}

	if reason := rejectReason(summary, req.Minimums); reason != "" {
		verdict := Verdict{Address: addr, Reason: reason, Summary: &summary, CheckedAt: v.now()}
		v.cache.Set(ctx, addr, verdict, v.opts.CacheTTL)
		log.Debug().Str("reason", reason).Float64("roi_pct", summary.ROIPct).
			Float64("profit_usd", summary.ProfitUSD).Int("trades", summary.TradeCount).Msg("candidate rejected")
		return v.finish(verdict, req, true)
	}
	return v.accept(ctx, req, summary, existing, found, log)
}

// accept persists a whale whose summary met the minimums and schedules its
// token refresh.
func (v *Validator) accept(ctx context.Context, req Request, summary profitability.Summary,
	existing storage.WhaleRecord, found bool, log zerolog.Logger) Verdict {
	addr := req.Address
	verdict := Verdict{Address: addr, Summary: &summary, CheckedAt: v.now()}
	if err := v.persist(ctx, addr, req.Mode, summary, existing, found); err != nil {
		log.Error().Err(err).Msg("persist accepted whale")
		verdict.Reason = ReasonStorageError
		return v.finish(verdict, req, false)
	}

	verdict.Accepted = true
	verdict.Reason = ReasonAccepted
	v.MarkTracked(addr)
	v.cache.Set(ctx, addr, verdict, v.opts.CacheTTL)
	log.Info().Float64("roi_pct", summary.ROIPct).Float64("profit_usd", summary.ProfitUSD).
		Int("trades", summary.TradeCount).Msg("whale accepted")

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		tctx, cancel := context.WithTimeout(context.Background(), v.opts.TokenFetchTimeout)
		defer cancel()
		if err := v.RefreshTokens(tctx, addr, false); err != nil {
			log.Warn().Err(err).Msg("token refresh failed")
		}
	}()

	return v.finish(verdict, req, true)
}

func (v *Validator) persist(ctx context.Context, addr, mode string, summary profitability.Summary, existing storage.WhaleRecord, found bool) error {
	if !found {
		rec := v.engine.NewWhale(ctx, addr, mode, summary)
		if err := v.repo.SaveWhale(ctx, rec); err != nil {
			return fmt.Errorf("save whale: %w", err)
		}
		return nil
	}
	update := storage.WhaleUpdate{
		ExternalROIPct:     &summary.ROIPct,
		ExternalProfitUSD:  &summary.ProfitUSD,
		ExternalTradeCount: &summary.TradeCount,
	}
	if err := v.repo.UpdateWhale(ctx, existing.Address, update); err != nil {
		return fmt.Errorf("update whale: %w", err)
	}
	return nil
}

// RefreshTokens fetches the token breakdown, ingests it and recomputes Score
// v2.0. Without force it is a no-op while token data is fresh.
func (v *Validator) RefreshTokens(ctx context.Context, address string, force bool) error {
	addr := storage.NormalizeAddress(address)
	if !force {
		fresh, err := v.engine.TokensFresh(ctx, addr, v.opts.TokenRefreshWindow)
		if err != nil {
			return fmt.Errorf("check token freshness: %w", err)
		}
		if fresh {
			return nil
		}
	}

	tokens, err := v.source.TokenBreakdown(ctx, addr)
	if err != nil && !errors.Is(err, profitability.ErrNoData) {
		return fmt.Errorf("fetch token breakdown: %w", err)
	}
	written, err := v.engine.IngestTokens(ctx, addr, tokens)
	if err != nil {
		return fmt.Errorf("ingest tokens: %w", err)
	}

	// A sentinel-only breakdown leaves the whale scored on its summary until
	// real token data arrives.
	stored, err := v.repo.GetTokenBreakdown(ctx, addr)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load tokens: %w", err)
	}
	if !scoring.HasTokenData(stored) {
		v.logger.Debug().Str("address", addr).Msg("no token data, score unchanged")
		return nil
	}

	res, err := v.engine.Recalculate(ctx, addr)
	if err != nil {
		return fmt.Errorf("recalculate score: %w", err)
	}
	if res.Discarded {
		v.Untrack(addr)
	}
	v.logger.Debug().Str("address", addr).Int("tokens", written).Float64("score", res.Score).
		Bool("discarded", res.Discarded).Msg("token breakdown refreshed")
	return nil
}

// MarkTracked records address as already being mirrored.
func (v *Validator) MarkTracked(address string) {
	v.mu.Lock()
	v.tracked[storage.NormalizeAddress(address)] = struct{}{}
	v.mu.Unlock()
}

// Tracked reports whether address is in the tracked set.
func (v *Validator) Tracked(address string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.tracked[storage.NormalizeAddress(address)]
	return ok
}

// Untrack removes address from the tracked set.
func (v *Validator) Untrack(address string) {
	v.mu.Lock()
	delete(v.tracked, storage.NormalizeAddress(address))
	v.mu.Unlock()
}

// TrackedAddresses returns a snapshot of the tracked set.
func (v *Validator) TrackedAddresses() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.tracked))
	for addr := range v.tracked {
		out = append(out, addr)
	}
	return out
}

// Close waits for in-flight token refreshes.
func (v *Validator) Close() {
	v.wg.Wait()
}

// finish records metrics and, for verdicts decided on profitability data, feedback.
func (v *Validator) finish(verdict Verdict, req Request, fresh bool) Verdict {
	v.metrics.ObserveValidation(verdict.Accepted, verdict.Reason)
	if fresh && v.feedback != nil {
		v.feedback.Record(Outcome{
			Address:    verdict.Address,
			Mode:       req.Mode,
			Accepted:   verdict.Accepted,
			Reason:     verdict.Reason,
			TradeCount: req.TradeCount,
			ETHVolume:  req.ETHVolume,
			Minimums:   req.Minimums,
		})
	}
	return verdict
}

// ThresholdReason reports whether reason is a rejection that depends on the
// minimums used, so another mode may still accept the address.
func ThresholdReason(reason string) bool {
	switch reason {
	case ReasonLowROI, ReasonLowProfit, ReasonLowTrades:
		return true
	}
	return false
}

func rejectReason(s profitability.Summary, minimums Thresholds) string {
	switch {
	case s.ROIPct < minimums.MinROIPct:
		return ReasonLowROI
	case s.ProfitUSD < minimums.MinProfitUSD:
		return ReasonLowProfit
	case s.TradeCount < minimums.MinTrades:
		return ReasonLowTrades
	default:
		return ""
	}
}
