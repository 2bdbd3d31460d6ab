package market

import (
	"context"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"whale-mirror/internal/chain"
	"whale-mirror/internal/chain/chaintest"
)

func TestAnalyzeUniformBlocks(t *testing.T) {
	reader := chaintest.NewReader(5000)
	for n := uint64(4000); n <= 5000; n++ {
		reader.AddBlock(chain.Block{Number: n, TxCount: 150, BaseFee: big.NewInt(20e9)})
	}

	cond := NewAnalyzer(reader, Options{}, zerolog.Nop()).Analyze(context.Background(), 1000)

	assert.Equal(t, 101, cond.BlocksAnalyzed)
	assert.InDelta(t, 1.0, cond.ActivityLevel, 1e-9)
	// constant base fee: CV is zero so volatility sits at its floor
	assert.InDelta(t, 0.1, cond.VolatilityIndex, 1e-9)
	assert.InDelta(t, 0.9, cond.LiquidityScore, 1e-9)
	assert.Equal(t, RegimeNormal, cond.Regime)
	// 1 + 0.3*0 + 0.2*(0.1-1)
	assert.InDelta(t, 0.82, cond.ThresholdMultiplier, 1e-9)
}

func TestAnalyzeReturnsNeutralWithoutBlocks(t *testing.T) {
	reader := chaintest.NewReader(100)
	for n := uint64(0); n <= 100; n++ {
		reader.FailBlock(n)
	}

	cond := NewAnalyzer(reader, Options{}, zerolog.Nop()).Analyze(context.Background(), 100)
	assert.Equal(t, Neutral(), cond)
}

func TestAnalyzeSamplesEveryNthBlock(t *testing.T) {
	reader := chaintest.NewReader(100)
	NewAnalyzer(reader, Options{SampleEvery: 25}, zerolog.Nop()).Analyze(context.Background(), 100)
	// 0, 25, 50, 75, 100
	assert.Equal(t, 5, reader.Fetches())
}

func TestComputeVolatilityNeedsTwoPositiveFees(t *testing.T) {
	cond := Compute([]float64{150, 150}, []float64{0, 30}, 150, 200)
	assert.Equal(t, 1.0, cond.VolatilityIndex)

	cond = Compute([]float64{150, 150, 150}, []float64{10, 30, 20}, 150, 200)
	// stdev 10 / mean 20 = 0.5, *4 = 2.0 (cap)
	assert.InDelta(t, 2.0, cond.VolatilityIndex, 1e-9)
}

func TestComputeActivityClamped(t *testing.T) {
	assert.InDelta(t, 5.0, Compute([]float64{3000, 3000}, nil, 150, 200).ActivityLevel, 1e-9)
	assert.InDelta(t, 0.1, Compute([]float64{1, 1}, nil, 150, 200).ActivityLevel, 1e-9)
	assert.InDelta(t, 2.0, Compute([]float64{300}, nil, 150, 200).ActivityLevel, 1e-9)
}

func TestComputeLiquidityEmptyBlocks(t *testing.T) {
	assert.Equal(t, 0.5, Compute([]float64{0, 0, 0}, nil, 150, 200).LiquidityScore)
	assert.Equal(t, 1.0, Compute([]float64{120}, nil, 150, 200).LiquidityScore)
}

func TestRegimeTable(t *testing.T) {
	cases := []struct {
		activity, volatility float64
		want                 string
	}{
		{1.6, 1.4, RegimeHighActivityVolatile},
		{1.3, 0.5, RegimeHighActivityStable},
		{0.6, 1.3, RegimeLowActivityVolatile},
		{0.75, 0.5, RegimeLowActivityStable},
		{1.0, 1.0, RegimeNormal},
		{1.6, 1.0, RegimeNormal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Regime(tc.activity, tc.volatility), "activity=%v volatility=%v", tc.activity, tc.volatility)
	}
}

func TestMultiplierBounds(t *testing.T) {
	assert.Equal(t, 2.0, Multiplier(5.0, 2.0))
	assert.Equal(t, 0.3, Multiplier(-10, -10))
	assert.InDelta(t, 1.0, Multiplier(1.0, 1.0), 1e-12)
}

func TestAdaptiveThresholds(t *testing.T) {
	cond := Conditions{ThresholdMultiplier: 1.5}
	trades, pnl := cond.AdaptiveThresholds(20, 100)
	assert.Equal(t, 30, trades)
	assert.InDelta(t, 150.0, pnl, 1e-9)

	cond.ThresholdMultiplier = 0.3
	trades, pnl = cond.AdaptiveThresholds(2, 0.1)
	assert.Equal(t, 1, trades)
	assert.InDelta(t, 0.1, pnl, 1e-9)
}
