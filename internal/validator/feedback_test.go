package validator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func record(f *FeedbackTracker, n int, accepted bool, reason, mode string) {
	recordWith(f, n, Outcome{Accepted: accepted, Reason: reason, Mode: mode})
}

func recordWith(f *FeedbackTracker, n int, out Outcome) {
	for i := 0; i < n; i++ {
		out.Address = fmt.Sprintf("0x%040d", i)
		f.Record(out)
	}
}

var busy = Outcome{Accepted: true, Reason: ReasonAccepted, Mode: "m", TradeCount: 30, ETHVolume: 12}

func TestFeedbackNotConfidentBelowMinSamples(t *testing.T) {
	f := NewFeedbackTracker(FeedbackOptions{}, defaultMinimums, nil)
	record(f, 9, false, ReasonLowROI, "active_whale")

	a := f.Analyze("active_whale")
	assert.Equal(t, 9, a.Total)
	assert.False(t, a.Confident)
	assert.InDelta(t, 0.3, a.Confidence, 1e-12)
	assert.Empty(t, a.Suggestions)
	assert.Equal(t, ReasonLowROI, a.DominantReason)
}

func TestFeedbackLoosensDominantReason(t *testing.T) {
	f := NewFeedbackTracker(FeedbackOptions{}, defaultMinimums, nil)
	record(f, 8, false, ReasonLowProfit, "m")
	record(f, 3, false, ReasonLowROI, "m")
	record(f, 1, true, ReasonAccepted, "m")

	a := f.Analyze("m")
	require.True(t, a.Confident)
	assert.Equal(t, ReasonLowProfit, a.DominantReason)
	require.Len(t, a.Suggestions, 1)
	s := a.Suggestions[0]
	assert.Equal(t, "min_profit_usd", s.Parameter)
	assert.Equal(t, "loosen", s.Direction)
	assert.InDelta(t, 450.0, s.Suggested, 1e-9)
}

func TestFeedbackLoosenTradesKeepsFloor(t *testing.T) {
	f := NewFeedbackTracker(FeedbackOptions{}, Thresholds{MinTrades: 1}, nil)
	record(f, 10, false, ReasonLowTrades, "m")

	a := f.Analyze("")
	require.Len(t, a.Suggestions, 1)
	assert.Equal(t, 1.0, a.Suggestions[0].Suggested)
}

func TestFeedbackNoSuggestionForNonThresholdReason(t *testing.T) {
	f := NewFeedbackTracker(FeedbackOptions{}, defaultMinimums, nil)
	record(f, 12, false, ReasonNoData, "m")
	assert.Empty(t, f.Analyze("m").Suggestions)
}

func TestFeedbackTightensOnHighAcceptance(t *testing.T) {
	f := NewFeedbackTracker(FeedbackOptions{}, defaultMinimums, nil)
	recordWith(f, 8, busy)
	record(f, 2, false, ReasonLowROI, "m")

	a := f.Analyze("m")
	assert.InDelta(t, 0.8, a.AcceptanceRate, 1e-12)
	assert.Equal(t, 30.0, a.AvgTradeCount)
	assert.Equal(t, 12.0, a.AvgETHVolume)
	require.Len(t, a.Suggestions, 3)
	for _, s := range a.Suggestions {
		assert.Equal(t, "tighten", s.Direction)
	}
	assert.InDelta(t, 5.5, a.Suggestions[0].Suggested, 1e-9)
	assert.InDelta(t, 550.0, a.Suggestions[1].Suggested, 1e-9)
	assert.Equal(t, 6.0, a.Suggestions[2].Suggested)
}

func TestFeedbackHoldsTighteningOnThinVolume(t *testing.T) {
	f := NewFeedbackTracker(FeedbackOptions{MinVolumeETH: 5}, defaultMinimums, nil)

	// no on-chain activity recorded at all
	record(f, 9, true, ReasonAccepted, "none")
	assert.Empty(t, f.Analyze("none").Suggestions)

	thin := busy
	thin.Mode, thin.ETHVolume = "thin", 0.5
	recordWith(f, 9, thin)
	a := f.Analyze("thin")
	assert.Equal(t, 1.0, a.AcceptanceRate)
	assert.Empty(t, a.Suggestions)

	few := busy
	few.Mode, few.TradeCount = "few", 2
	recordWith(f, 9, few)
	assert.Empty(t, f.Analyze("few").Suggestions)

	ok := busy
	ok.Mode = "ok"
	recordWith(f, 9, ok)
	assert.Len(t, f.Analyze("ok").Suggestions, 3)
}

func TestFeedbackUsesModeMinimums(t *testing.T) {
	f := NewFeedbackTracker(FeedbackOptions{}, defaultMinimums, nil)
	fast := Thresholds{MinROIPct: 20, MinProfitUSD: 500, MinTrades: 5}
	recordWith(f, 10, Outcome{Mode: "fast_mover_whale", Reason: ReasonLowROI, Minimums: fast})
	recordWith(f, 10, Outcome{Mode: "active_whale", Reason: ReasonLowROI, Minimums: defaultMinimums})

	a := f.Analyze("fast_mover_whale")
	assert.Equal(t, fast, a.Minimums)
	require.Len(t, a.Suggestions, 1)
	assert.Equal(t, 20.0, a.Suggestions[0].Current)
	assert.InDelta(t, 18.0, a.Suggestions[0].Suggested, 1e-9)

	b := f.Analyze("active_whale")
	require.Len(t, b.Suggestions, 1)
	assert.InDelta(t, 4.5, b.Suggestions[0].Suggested, 1e-9)

	// across modes the configured defaults apply
	assert.Equal(t, defaultMinimums, f.Analyze("").Minimums)
}

func TestFeedbackWindowAndModes(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := NewFeedbackTracker(FeedbackOptions{Window: time.Hour}, defaultMinimums, c.now)
	record(f, 4, true, ReasonAccepted, "a")
	c.t = c.t.Add(2 * time.Hour)
	record(f, 2, false, ReasonLowROI, "b")

	all := f.Analyze("")
	assert.Equal(t, 2, all.Total)
	assert.Zero(t, f.Analyze("a").Total)

	summary := f.Summary()
	require.Len(t, summary, 1)
	assert.Equal(t, "b", summary[0].Mode)

	recent := f.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "b", recent[0].Mode)
}

func TestFeedbackRingEvictsOldest(t *testing.T) {
	f := NewFeedbackTracker(FeedbackOptions{Capacity: 3}, defaultMinimums, nil)
	for i := 0; i < 5; i++ {
		f.Record(Outcome{Address: fmt.Sprint(i), Accepted: true, Reason: ReasonAccepted, Mode: "m"})
	}
	a := f.Analyze("m")
	assert.Equal(t, 3, a.Accepted)

	recent := f.Recent(0)
	require.Len(t, recent, 3)
	addrs := []string{recent[0].Address, recent[1].Address, recent[2].Address}
	assert.ElementsMatch(t, []string{"2", "3", "4"}, addrs)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewMemoryCache(c.now)
	cache.Set(ctx, whale, Verdict{Address: whale, Accepted: true}, time.Minute)

	got, ok := cache.Get(ctx, whale)
	require.True(t, ok)
	assert.True(t, got.Accepted)

	c.t = c.t.Add(time.Minute)
	_, ok = cache.Get(ctx, whale)
	assert.False(t, ok)
}
