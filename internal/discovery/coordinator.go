package discovery

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"whale-mirror/internal/alerting"
	"whale-mirror/internal/chain"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/market"
	"whale-mirror/internal/metrics"
	"whale-mirror/internal/sampler"
	"whale-mirror/internal/validator"
)

// Validator is the candidate gate used by the coordinator.
type Validator interface {
	Check(ctx context.Context, req validator.Request) validator.Verdict
	Thresholds() validator.Thresholds
	Feedback() *validator.FeedbackTracker
}

// ReaderFactory opens a dedicated chain connection for one discovery unit.
// The returned func releases it.
type ReaderFactory func(ctx context.Context) (chain.Reader, func(), error)

// Options configure a coordinator.
type Options struct {
	Profiles            []Profile
	Adaptive            *AdaptiveParams
	Routers             sampler.RouterSet
	UseMarketConditions bool
	AdaptFixedModes     bool
	Market              market.Options
	MarketBlocksBack    uint64
	HistorySize         int
}

// ModeSummary reports one discovery unit within a round.
type ModeSummary struct {
	Mode              string        `json:"mode"`
	Candidates        int           `json:"candidates"`
	Validated         int           `json:"validated"`
	Rejected          int           `json:"rejected"`
	Skipped           int           `json:"skipped"`
	BlocksProcessed   int           `json:"blocks_processed"`
	BlocksFailed      int           `json:"blocks_failed"`
	ActivityThreshold float64       `json:"activity_threshold"`
	ProfitThreshold   float64       `json:"profit_threshold"`
	Duration          time.Duration `json:"duration"`
	Err               string        `json:"error,omitempty"`
}

// RoundSummary reports one full discovery round.
type RoundSummary struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Validated bool          `json:"validated"`
	Modes     []ModeSummary `json:"modes"`
	Accepted  []string      `json:"accepted"`
}

// Totals sums candidates, validated and rejected across modes.
func (r RoundSummary) Totals() (candidates, validated, rejected int) {
	for _, m := range r.Modes {
		candidates += m.Candidates
		validated += m.Validated
		rejected += m.Rejected
	}
	return candidates, validated, rejected
}

// Coordinator runs every discovery unit of a round in parallel.
type Coordinator struct {
	opts      Options
	readers   ReaderFactory
	validator Validator
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	history []RoundSummary
}

// NewCoordinator constructs a coordinator. A nil validator runs discovery
// without profitability checks; notifier and m may be nil.
func NewCoordinator(opts Options, readers ReaderFactory, v Validator, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 20
	}
	if opts.MarketBlocksBack == 0 {
		opts.MarketBlocksBack = 1000
	}
	return &Coordinator{
		opts:      opts,
		readers:   readers,
		validator: v,
		notifier:  notifier,
		metrics:   m,
		logger:    logging.Component(logger, "discovery"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// History returns retained round summaries, newest first.
func (c *Coordinator) History() []RoundSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RoundSummary, len(c.history))
	for i, r := range c.history {
		out[len(c.history)-1-i] = r
	}
	return out
}

// round is the state shared by a round's units.
type round struct {
	mu       sync.Mutex
	seen     map[string]*roundEntry
	accepted []string
}

// roundEntry tracks one address within a round. Its lock serialises
// validation of the address across units.
type roundEntry struct {
	mu      sync.Mutex
	settled bool
	tried   []validator.Thresholds
}

func (r *round) entry(addr string) *roundEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.seen[addr]
	if !ok {
		e = &roundEntry{}
		r.seen[addr] = e
	}
	return e
}

// covered reports whether minimums at least as loose as m were already
// tried, in which case m cannot accept the address either.
func (e *roundEntry) covered(m validator.Thresholds) bool {
	for _, t := range e.tried {
		if t.MinROIPct <= m.MinROIPct && t.MinProfitUSD <= m.MinProfitUSD && t.MinTrades <= m.MinTrades {
			return true
		}
	}
	return false
}

func (r *round) accept(addr string) {
	r.mu.Lock()
	r.accepted = append(r.accepted, addr)
	r.mu.Unlock()
}

// RunRound executes one round. Per-mode failures are recorded in the summary;
// only cancellation is returned.
func (c *Coordinator) RunRound(ctx context.Context) (RoundSummary, error) {
	summary := RoundSummary{
		ID:        uuid.NewString(),
		StartedAt: c.now(),
		Validated: c.validator != nil,
	}
	log := c.logger.With().Str("round", summary.ID).Logger()
	state := &round{seen: make(map[string]*roundEntry)}

	units := len(c.opts.Profiles)
	if c.opts.Adaptive != nil {
		units++
	}
	modes := make([]ModeSummary, units)

	var g errgroup.Group
	for i, p := range c.opts.Profiles {
		g.Go(func() error {
			modes[i] = c.runFixed(ctx, p, state, log)
			return nil
		})
	}
	if c.opts.Adaptive != nil {
		params := *c.opts.Adaptive
		g.Go(func() error {
			modes[units-1] = c.runAdaptive(ctx, params, state, log)
			return nil
		})
	}
	_ = g.Wait()

	summary.Modes = modes
	summary.Accepted = state.accepted
	summary.Duration = time.Since(summary.StartedAt)
	c.metrics.ObserveRound(summary.Duration)
	c.remember(summary)

	candidates, validated, rejected := summary.Totals()
	log.Info().
		Int("modes", len(modes)).
		Int("candidates", candidates).
		Int("validated", validated).
		Int("rejected", rejected).
		Dur("duration", summary.Duration).
		Msg("discovery round complete")
	c.logFeedback(log)

	return summary, ctx.Err()
}

func (c *Coordinator) remember(s RoundSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, s)
	if len(c.history) > c.opts.HistorySize {
		c.history = c.history[len(c.history)-c.opts.HistorySize:]
	}
}

func (c *Coordinator) runFixed(ctx context.Context, p Profile, state *round, log zerolog.Logger) (ms ModeSummary) {
	started := time.Now()
	ms.Mode = p.Name
	defer func() { c.finishMode(&ms, started, log) }()

	reader, release, err := c.readers(ctx)
	if err != nil {
		ms.Err = fmt.Sprintf("open chain reader: %v", err)
		return ms
	}
	defer release()

	if c.opts.AdaptFixedModes {
		analyzer := market.NewAnalyzer(reader, c.opts.Market, c.logger)
		cond := analyzer.Analyze(ctx, c.opts.MarketBlocksBack)
		c.metrics.SetMarketMultiplier(cond.ThresholdMultiplier)
		p.MinTrades, p.MinPnL = cond.AdaptiveThresholds(p.MinTrades, p.MinPnL)
	}

	res, err := NewFixed(reader, c.opts.Routers, c.logger).Discover(ctx, p)
	c.absorb(&ms, res, err)
	c.validate(ctx, res.Candidates, c.minimums(p), state, &ms, log)
	return ms
}

func (c *Coordinator) runAdaptive(ctx context.Context, params AdaptiveParams, state *round, log zerolog.Logger) (ms ModeSummary) {
	started := time.Now()
	ms.Mode = AdaptiveMode
	defer func() { c.finishMode(&ms, started, log) }()

	reader, release, err := c.readers(ctx)
	if err != nil {
		ms.Err = fmt.Sprintf("open chain reader: %v", err)
		return ms
	}
	defer release()

	var analyzer *market.Analyzer
	if c.opts.UseMarketConditions {
		analyzer = market.NewAnalyzer(reader, c.opts.Market, c.logger)
	}
	if params.MarketBlocksBack == 0 {
		params.MarketBlocksBack = c.opts.MarketBlocksBack
	}
	res, err := NewAdaptive(reader, c.opts.Routers, analyzer, c.logger).Discover(ctx, params)
	if res.Conditions != nil {
		c.metrics.SetMarketMultiplier(res.Conditions.ThresholdMultiplier)
	}
	c.absorb(&ms, res, err)
	c.validate(ctx, res.Candidates, c.baseMinimums(), state, &ms, log)
	return ms
}

func (c *Coordinator) absorb(ms *ModeSummary, res Result, err error) {
	ms.Candidates = len(res.Candidates)
	ms.BlocksProcessed = res.BlocksProcessed
	ms.BlocksFailed = res.BlocksFailed
	ms.ActivityThreshold = res.ActivityThreshold
	ms.ProfitThreshold = res.ProfitThreshold
	if err != nil {
		ms.Err = err.Error()
	}
}

// validate checks candidates one at a time, stopping early on cancellation.
func (c *Coordinator) validate(ctx context.Context, candidates []Candidate, minimums validator.Thresholds, state *round, ms *ModeSummary, log zerolog.Logger) {
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return
		}
		verdict, ok := c.check(ctx, state.entry(cand.Address), cand, minimums, ms.Mode, log)
		if !ok {
			ms.Skipped++
			continue
		}
		if c.validator == nil {
			continue
		}
		if !verdict.Accepted {
			ms.Rejected++
			continue
		}
		ms.Validated++
		if verdict.Reason != validator.ReasonAccepted {
			continue
		}
		state.accept(cand.Address)
		c.notifyAccepted(ctx, cand, verdict, log)
	}
}

// check validates cand unless this round already settled the address or
// rejected it under minimums at least as loose. A threshold rejection leaves
// the address open to units with looser minimums; any other verdict settles it.
func (c *Coordinator) check(ctx context.Context, e *roundEntry, cand Candidate, minimums validator.Thresholds, mode string, log zerolog.Logger) (validator.Verdict, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled || e.covered(minimums) {
		return validator.Verdict{}, false
	}
	if c.validator == nil {
		e.settled = true
		log.Info().Str("mode", mode).Str("address", cand.Address).Int("trades", cand.TradeCount).
			Str("eth_volume", cand.ETHVolume.StringFixed(4)).Msg("candidate (validation disabled)")
		return validator.Verdict{}, true
	}

	verdict := c.validator.Check(ctx, validator.Request{
		Address:    cand.Address,
		Mode:       mode,
		Minimums:   minimums,
		TradeCount: cand.TradeCount,
		ETHVolume:  cand.ETHVolume.InexactFloat64(),
	})
	if !verdict.Accepted && validator.ThresholdReason(verdict.Reason) {
		e.tried = append(e.tried, minimums)
	} else {
		e.settled = true
	}
	return verdict, true
}

func (c *Coordinator) notifyAccepted(ctx context.Context, cand Candidate, verdict validator.Verdict, log zerolog.Logger) {
	if c.notifier == nil {
		return
	}
	note := alerting.Notification{Kind: alerting.KindWhaleAccepted, Time: c.now(), Whale: cand.Address, Mode: cand.Mode}
	if verdict.Summary != nil {
		note.ROIPct = verdict.Summary.ROIPct
		note.ProfitUSD = verdict.Summary.ProfitUSD
	}
	if err := c.notifier.Notify(ctx, note); err != nil {
		log.Warn().Err(err).Str("address", cand.Address).Msg("accept notification failed")
	}
}

func (c *Coordinator) finishMode(ms *ModeSummary, started time.Time, log zerolog.Logger) {
	ms.Duration = time.Since(started)
	c.metrics.ObserveMode(ms.Mode, ms.Duration, ms.Candidates, ms.BlocksProcessed, ms.BlocksFailed)
	ev := log.Info()
	if ms.Err != "" {
		ev = log.Warn().Str("error", ms.Err)
	}
	ev.Str("mode", ms.Mode).
		Int("candidates", ms.Candidates).
		Int("validated", ms.Validated).
		Int("rejected", ms.Rejected).
		Int("skipped", ms.Skipped).
		Int("blocks_processed", ms.BlocksProcessed).
		Int("blocks_failed", ms.BlocksFailed).
		Dur("duration", ms.Duration).
		Msg("mode complete")
}

func (c *Coordinator) baseMinimums() validator.Thresholds {
	if c.validator == nil {
		return validator.Thresholds{}
	}
	return c.validator.Thresholds()
}

// minimums raises the ROI floor for profiles that carry their own, given as a
// fraction.
func (c *Coordinator) minimums(p Profile) validator.Thresholds {
	base := c.baseMinimums()
	if p.MinROI > 0 {
		base.MinROIPct = math.Max(base.MinROIPct, p.MinROI*100)
	}
	return base
}

func (c *Coordinator) logFeedback(log zerolog.Logger) {
	if c.validator == nil || c.validator.Feedback() == nil {
		return
	}
	for _, a := range c.validator.Feedback().Summary() {
		for _, s := range a.Suggestions {
			log.Info().
				Str("mode", a.Mode).
				Str("parameter", s.Parameter).
				Str("direction", s.Direction).
				Float64("current", s.Current).
				Float64("suggested", s.Suggested).
				Float64("acceptance_rate", a.AcceptanceRate).
				Float64("confidence", a.Confidence).
				Msg("threshold suggestion")
		}
	}
}
