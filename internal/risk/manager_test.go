package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const whale = "0x00000000000000000000000000000000000000A1"

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type gaugeRecorder struct {
	tracked  int
	exposure float64
}

func (g *gaugeRecorder) SetRisk(tracked int, exposure float64) {
	g.tracked, g.exposure = tracked, exposure
}

func TestUpdatePnLRaisesMultiplier(t *testing.T) {
	g := &gaugeRecorder{}
	m := NewManager(Limits{}, g, zerolog.Nop())

	assert.InDelta(t, 1.2, m.UpdatePnL(whale, d(2000)), 1e-9)
	assert.InDelta(t, 1.4, m.UpdatePnL(whale, d(2000)), 1e-9)
	assert.InDelta(t, 1.4, m.Multiplier(whale), 1e-9)

	p := m.Profile(whale)
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", p.Address)
	assert.True(t, p.CumulativePnL.Equal(d(4000)))
	assert.Equal(t, 1, g.tracked)
	assert.InDelta(t, 4000, g.exposure, 1e-9)
}

func TestUpdatePnLClampsToLimits(t *testing.T) {
	m := NewManager(Limits{MinMultiplier: 0.25, MaxMultiplier: 3}, nil, zerolog.Nop())

	assert.Equal(t, 3.0, m.UpdatePnL(whale, d(1_000_000)))
	assert.Equal(t, 0.25, m.UpdatePnL(whale, d(-2_000_000)))
}

func TestMultiplierStaysInBounds(t *testing.T) {
	m := NewManager(Limits{MinMultiplier: 0.5, MaxMultiplier: 2}, nil, zerolog.Nop())
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		mult := m.UpdatePnL(whale, d((r.Float64()-0.5)*20000))
		require.GreaterOrEqual(t, mult, 0.5)
		require.LessOrEqual(t, mult, 2.0)
	}
}

func TestUntrackedWhaleDefaults(t *testing.T) {
	m := NewManager(Limits{}, nil, zerolog.Nop())
	assert.Equal(t, 1.0, m.Multiplier("0xdead"))
	ok, reason := m.ShouldExecute("0xdead", d(10))
	assert.True(t, ok)
	assert.Equal(t, ReasonAllowed, reason)
}

func TestPositionSize(t *testing.T) {
	m := NewManager(Limits{}, nil, zerolog.Nop())
	// 2000 * 0.05 * 1.0 = 100 vs 10% of 500
	assert.True(t, m.PositionSize(whale, d(500)).Equal(d(50)))
	assert.True(t, m.PositionSize(whale, d(5000)).Equal(d(100)))

	m = NewManager(Limits{MaxPosition: 20}, nil, zerolog.Nop())
	assert.True(t, m.PositionSize(whale, d(5000)).Equal(d(20)))
}

func TestPositionSizeRespectsTotalExposure(t *testing.T) {
	m := NewManager(Limits{MaxTotalExposure: 1000, MaxMultiplier: 3}, nil, zerolog.Nop())
	m.Seed("0xb", d(970), 1)
	assert.True(t, m.PositionSize(whale, d(5000)).Equal(d(30)))

	m.Seed("0xc", d(100), 1)
	assert.True(t, m.PositionSize(whale, d(5000)).IsZero())
	ok, reason := m.ShouldExecute(whale, d(5000))
	assert.False(t, ok)
	assert.Equal(t, ReasonPositionLimits, reason)
}

func TestShouldExecuteDailyLoss(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(Limits{MaxDailyLoss: 100}, nil, zerolog.Nop()).WithClock(func() time.Time { return now })

	m.UpdatePnL("0xb", d(-101))
	ok, reason := m.ShouldExecute(whale, d(10))
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyLoss, reason)
	assert.True(t, m.PositionSize(whale, d(10)).IsZero())

	// the accumulator resets lazily on the next write after 24h
	now = now.Add(25 * time.Hour)
	m.UpdatePnL("0xb", d(1))
	ok, _ = m.ShouldExecute(whale, d(10))
	assert.True(t, ok)
	assert.True(t, m.Metrics().DailyPnL.Equal(d(1)))
}

func TestDailyAccumulatorWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(Limits{}, nil, zerolog.Nop()).WithClock(func() time.Time { return now })
	m.UpdatePnL(whale, d(-10))
	now = now.Add(23 * time.Hour)
	m.UpdatePnL(whale, d(-5))
	assert.True(t, m.Metrics().DailyPnL.Equal(d(-15)))
}

func TestShouldExecuteWhaleLossFloor(t *testing.T) {
	m := NewManager(Limits{WhaleLossFloor: 500, MaxDailyLoss: 1e9}, nil, zerolog.Nop())
	m.UpdatePnL(whale, d(-501))
	ok, reason := m.ShouldExecute(whale, d(10))
	assert.False(t, ok)
	assert.Equal(t, ReasonWhaleLoss, reason)
}

func TestSeedClampsAndResetAndEmergencyStop(t *testing.T) {
	g := &gaugeRecorder{}
	m := NewManager(Limits{}, g, zerolog.Nop())
	m.Seed(whale, d(100), 9)
	assert.Equal(t, 3.0, m.Multiplier(whale))
	m.Seed("0xb", d(-50), 0.01)
	assert.Equal(t, 0.25, m.Multiplier("0xb"))

	snap := m.Metrics()
	assert.Equal(t, 2, snap.TrackedWhales)
	assert.Equal(t, 2, snap.ActiveWhales)
	assert.True(t, snap.TotalExposure.Equal(d(50)))
	assert.InDelta(t, 1.625, snap.AverageMultiplier, 1e-9)
	require.Len(t, m.Profiles(), 2)

	m.ResetWhale(whale)
	assert.Equal(t, 1.0, m.Multiplier(whale))
	assert.True(t, m.Profile(whale).CumulativePnL.IsZero())

	m.EmergencyStop()
	assert.Zero(t, m.Metrics().TrackedWhales)
	assert.Zero(t, g.tracked)
	assert.Empty(t, m.Profiles())
}
