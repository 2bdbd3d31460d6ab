package discovery

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/chain"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/market"
	"whale-mirror/internal/sampler"
	"whale-mirror/internal/stats"
)

// AdaptiveParams drive percentile discovery. Percentiles name the top slice
// to keep: 5 keeps addresses at or above the 95th percentile.
type AdaptiveParams struct {
	ActivityPercentile float64
	ProfitPercentile   float64
	BlocksBack         uint64
	Stride             uint64
	MarketBlocksBack   uint64
}

// Adaptive derives thresholds from the observed distribution instead of
// fixed constants.
type Adaptive struct {
	reader   chain.Reader
	sampler  *sampler.Sampler
	routers  sampler.RouterSet
	analyzer *market.Analyzer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAdaptive constructs the engine. analyzer may be nil to disable market scaling.
func NewAdaptive(reader chain.Reader, routers sampler.RouterSet, analyzer *market.Analyzer, logger zerolog.Logger) *Adaptive {
	return &Adaptive{
		reader:   reader,
		sampler:  sampler.New(reader, logger),
		routers:  routers,
		analyzer: analyzer,
		logger:   logging.Component(logger, "adaptive_discovery"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Discover samples the range with the configured stride and keeps addresses
// meeting both percentile thresholds. No activity yields an empty result, not
// an error.
func (a *Adaptive) Discover(ctx context.Context, p AdaptiveParams) (Result, error) {
	if p.Stride == 0 {
		p.Stride = 5
	}
	res := Result{Mode: AdaptiveMode, Candidates: []Candidate{}}

	head, err := a.reader.CurrentHeight(ctx)
	if err != nil {
		return res, fmt.Errorf("current height: %w", err)
	}
	start, end := sampler.Range(head, p.BlocksBack)
	sample, err := a.sampler.Sample(ctx, start, end, a.routers, p.Stride)
	res.TotalAddresses = len(sample.Stats)
	res.BlocksProcessed = sample.BlocksProcessed
	res.BlocksFailed = sample.BlocksFailed
	if err != nil {
		return res, err
	}
	if len(sample.Stats) == 0 {
		a.logger.Info().Uint64("start", start).Uint64("end", end).Msg("no router activity, no candidates")
		return res, nil
	}

	trades := make([]float64, 0, len(sample.Stats))
	volumes := make([]float64, 0, len(sample.Stats))
	for _, s := range sample.Stats {
		trades = append(trades, float64(s.TradeCount))
		volumes = append(volumes, s.ETHVolume.InexactFloat64())
	}
	activity, profit := Thresholds(trades, volumes, p.ActivityPercentile, p.ProfitPercentile)

	if a.analyzer != nil {
		blocks := p.MarketBlocksBack
		if blocks == 0 {
			blocks = 1000
		}
		cond := a.analyzer.Analyze(ctx, blocks)
		res.Conditions = &cond
		activity, profit = ScaleThresholds(activity, profit, cond.ThresholdMultiplier)
	}
	res.ActivityThreshold = activity
	res.ProfitThreshold = profit

	minProfit := decimal.NewFromFloat(profit)
	res.Candidates = filter(sample.Stats, AdaptiveMode, a.now(), func(s *sampler.AddressStats) bool {
		return float64(s.TradeCount) >= activity && s.ETHVolume.GreaterThanOrEqual(minProfit)
	})

	a.logger.Info().
		Uint64("start", start).
		Uint64("end", end).
		Uint64("stride", p.Stride).
		Float64("activity_threshold", activity).
		Float64("profit_threshold", profit).
		Int("addresses", res.TotalAddresses).
		Int("candidates", len(res.Candidates)).
		Msg("adaptive discovery complete")
	return res, nil
}

// Thresholds computes the (100-activityPct) and (100-profitPct) percentiles.
func Thresholds(trades, volumes []float64, activityPct, profitPct float64) (float64, float64) {
	return stats.Percentile(trades, 100-activityPct), stats.Percentile(volumes, 100-profitPct)
}

// ScaleThresholds applies a market multiplier with floors of one trade and 0.1 ETH.
func ScaleThresholds(activity, profit, multiplier float64) (float64, float64) {
	scaled := math.Floor(activity * multiplier)
	if scaled < 1 {
		scaled = 1
	}
	return scaled, math.Max(0.1, profit*multiplier)
}
