// Package market derives network conditions used to scale discovery thresholds.
package market

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"whale-mirror/internal/chain"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/sampler"
	"whale-mirror/internal/stats"
)

// Market regimes.
const (
	RegimeHighActivityVolatile = "high_activity_volatile"
	RegimeHighActivityStable   = "high_activity_stable"
	RegimeLowActivityVolatile  = "low_activity_volatile"
	RegimeLowActivityStable    = "low_activity_stable"
	RegimeNormal               = "normal"
)

// Conditions summarises recent network behaviour.
type Conditions struct {
	ActivityLevel       float64 `json:"activity_level"`
	VolatilityIndex     float64 `json:"volatility_index"`
	LiquidityScore      float64 `json:"liquidity_score"`
	Regime              string  `json:"market_regime"`
	ThresholdMultiplier float64 `json:"threshold_multiplier"`
	BlocksAnalyzed      int     `json:"blocks_analyzed"`
}

// Neutral returns the conditions reported when nothing could be sampled.
func Neutral() Conditions {
	return Conditions{
		ActivityLevel:       1.0,
		VolatilityIndex:     1.0,
		LiquidityScore:      1.0,
		Regime:              RegimeNormal,
		ThresholdMultiplier: 1.0,
	}
}

// AdaptiveThresholds scales fixed-mode thresholds by the multiplier with
// floors of one trade and 0.1 ETH.
func (c Conditions) AdaptiveThresholds(minTrades int, minPnL float64) (int, float64) {
	trades := int(float64(minTrades) * c.ThresholdMultiplier)
	if trades < 1 {
		trades = 1
	}
	return trades, math.Max(0.1, minPnL*c.ThresholdMultiplier)
}

// Options tune the analyzer.
type Options struct {
	SampleEvery uint64
	BaselineTx  float64
	LiquidityTx float64
}

// Analyzer samples block fill and base fee.
type Analyzer struct {
	reader chain.Reader
	opts   Options
	logger zerolog.Logger
}

// NewAnalyzer constructs an analyzer; zero options take reference defaults.
func NewAnalyzer(reader chain.Reader, opts Options, logger zerolog.Logger) *Analyzer {
	if opts.SampleEvery == 0 {
		opts.SampleEvery = 10
	}
	if opts.BaselineTx <= 0 {
		opts.BaselineTx = 150
	}
	if opts.LiquidityTx <= 0 {
		opts.LiquidityTx = 200
	}
	return &Analyzer{reader: reader, opts: opts, logger: logging.Component(logger, "market_analyzer")}
}

// Analyze samples every SampleEvery-th block over [head-blocksBack, head]. It
// never fails: without usable samples it returns Neutral().
func (a *Analyzer) Analyze(ctx context.Context, blocksBack uint64) Conditions {
	head, err := a.reader.CurrentHeight(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("market analysis skipped: no chain head")
		return Neutral()
	}
	start, end := sampler.Range(head, blocksBack)

	var txCounts, baseFees []float64
	for number := start; number <= end; number += a.opts.SampleEvery {
		if ctx.Err() != nil {
			break
		}
		block, err := a.reader.GetBlock(ctx, number, false)
		if err != nil {
			a.logger.Debug().Err(err).Uint64("block", number).Msg("skip block")
			continue
		}
		txCounts = append(txCounts, float64(block.TxCount))
		baseFees = append(baseFees, chain.WeiToGwei(block.BaseFee))
	}

	if len(txCounts) == 0 {
		a.logger.Warn().Uint64("blocks_back", blocksBack).Msg("no block data for market analysis")
		return Neutral()
	}

	cond := Compute(txCounts, baseFees, a.opts.BaselineTx, a.opts.LiquidityTx)
	a.logger.Info().
		Str("regime", cond.Regime).
		Float64("activity", cond.ActivityLevel).
		Float64("volatility", cond.VolatilityIndex).
		Float64("liquidity", cond.LiquidityScore).
		Float64("multiplier", cond.ThresholdMultiplier).
		Int("blocks", cond.BlocksAnalyzed).
		Msg("market conditions")
	return cond
}

// Compute derives conditions from per-block transaction counts and base fees (gwei).
func Compute(txCounts, baseFeesGwei []float64, baselineTx, liquidityTx float64) Conditions {
	if len(txCounts) == 0 {
		return Neutral()
	}
	activity := activityLevel(txCounts, baselineTx)
	volatility := volatilityIndex(baseFeesGwei)
	return Conditions{
		ActivityLevel:       activity,
		VolatilityIndex:     volatility,
		LiquidityScore:      liquidityScore(txCounts, liquidityTx),
		Regime:              Regime(activity, volatility),
		ThresholdMultiplier: Multiplier(activity, volatility),
		BlocksAnalyzed:      len(txCounts),
	}
}

func activityLevel(txCounts []float64, baseline float64) float64 {
	return stats.Clamp(stats.Mean(txCounts)/baseline, 0.1, 5.0)
}

func volatilityIndex(baseFeesGwei []float64) float64 {
	positive := make([]float64, 0, len(baseFeesGwei))
	for _, fee := range baseFeesGwei {
		if fee > 0 {
			positive = append(positive, fee)
		}
	}
	if len(positive) < 2 {
		return 1.0
	}
	mean := stats.Mean(positive)
	if mean == 0 {
		return 1.0
	}
	cv := stats.SampleStdDev(positive) / mean
	return stats.Clamp(cv*4, 0.1, 2.0)
}

func liquidityScore(txCounts []float64, liquidityTx float64) float64 {
	if len(txCounts) < 2 {
		return 1.0
	}
	mean := stats.Mean(txCounts)
	if mean == 0 {
		return 0.5
	}
	consistency := 1.0 - math.Min(1.0, stats.SampleStdDev(txCounts)/mean)
	fill := math.Min(1.0, mean/liquidityTx)
	return stats.Clamp(0.6*consistency+0.4*fill, 0.1, 2.0)
}

// Regime classifies (activity, volatility).
func Regime(activity, volatility float64) string {
	switch {
	case activity > 1.5 && volatility > 1.3:
		return RegimeHighActivityVolatile
	case activity > 1.2 && volatility < 0.8:
		return RegimeHighActivityStable
	case activity < 0.7 && volatility > 1.2:
		return RegimeLowActivityVolatile
	case activity < 0.8 && volatility < 0.8:
		return RegimeLowActivityStable
	default:
		return RegimeNormal
	}
}

// Multiplier blends activity and volatility into a threshold scale in [0.3, 2.0].
func Multiplier(activity, volatility float64) float64 {
	return stats.Clamp(1.0+0.3*(activity-1.0)+0.2*(volatility-1.0), 0.3, 2.0)
}
