package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-mirror/internal/alerting"
	"whale-mirror/internal/chain"
	"whale-mirror/internal/chain/chaintest"
	"whale-mirror/internal/validator"
)

type fakeValidator struct {
	mu       sync.Mutex
	accept   map[string]bool
	roi      map[string]float64
	calls    []string
	minimums []validator.Thresholds
	requests []validator.Request
}

func (f *fakeValidator) Check(_ context.Context, req validator.Request) validator.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Address)
	f.minimums = append(f.minimums, req.Minimums)
	f.requests = append(f.requests, req)
	roi, ok := f.roi[req.Address]
	if f.accept[req.Address] || (ok && roi >= req.Minimums.MinROIPct) {
		return validator.Verdict{Address: req.Address, Accepted: true, Reason: validator.ReasonAccepted}
	}
	return validator.Verdict{Address: req.Address, Reason: validator.ReasonLowROI}
}

func (f *fakeValidator) Thresholds() validator.Thresholds {
	return validator.Thresholds{MinROIPct: 5, MinProfitUSD: 500, MinTrades: 5}
}

func (f *fakeValidator) Feedback() *validator.FeedbackTracker { return nil }

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func factory(reader chain.Reader, opened *int, mu *sync.Mutex) ReaderFactory {
	return func(context.Context) (chain.Reader, func(), error) {
		mu.Lock()
		*opened++
		mu.Unlock()
		return reader, func() {}, nil
	}
}

func TestCoordinatorValidatesEachAddressOncePerRound(t *testing.T) {
	var mu sync.Mutex
	opened := 0
	v := &fakeValidator{accept: map[string]bool{addrA: true}}
	notes := &recordingNotifier{}
	c := NewCoordinator(Options{
		Profiles: []Profile{
			{Name: "active_whale", BlocksBack: 1000, MinTrades: 20, MinPnL: 100},
			{Name: "fast_mover_whale", BlocksBack: 1000, MinTrades: 8, MinPnL: 50, MinROI: 0.2},
		},
		Routers: routers,
	}, factory(scenarioReader(), &opened, &mu), v, notes, nil, zerolog.Nop())

	summary, err := c.RunRound(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, summary.ID)
	assert.True(t, summary.Validated)
	assert.Equal(t, 2, opened)
	require.Len(t, summary.Modes, 2)

	candidates, validated, rejected := summary.Totals()
	assert.Equal(t, 2, candidates)
	assert.Equal(t, 1, validated)
	assert.Zero(t, rejected)
	assert.Equal(t, 1, summary.Modes[0].Skipped+summary.Modes[1].Skipped)
	assert.Equal(t, []string{addrA}, summary.Accepted)
	assert.Len(t, v.calls, 1)
	require.Len(t, notes.notes, 1)
	assert.Equal(t, alerting.KindWhaleAccepted, notes.notes[0].Kind)
}

func TestCoordinatorStrictModeDoesNotBlockLooserMode(t *testing.T) {
	var mu sync.Mutex
	opened := 0
	v := &fakeValidator{roi: map[string]float64{addrA: 10}}
	notes := &recordingNotifier{}
	c := NewCoordinator(Options{
		Profiles: []Profile{
			{Name: "fast_mover_whale", BlocksBack: 1000, MinTrades: 8, MinPnL: 50, MinROI: 0.2},
			{Name: "active_whale", BlocksBack: 1000, MinTrades: 20, MinPnL: 100},
		},
		Routers: routers,
	}, factory(scenarioReader(), &opened, &mu), v, notes, nil, zerolog.Nop())

	summary, err := c.RunRound(context.Background())
	require.NoError(t, err)

	_, validated, rejected := summary.Totals()
	assert.Equal(t, 1, validated)
	assert.LessOrEqual(t, rejected, 1)
	assert.Equal(t, []string{addrA}, summary.Accepted)
	require.Len(t, notes.notes, 1)

	require.NotEmpty(t, v.requests)
	for _, req := range v.requests {
		assert.NotEmpty(t, req.Mode)
		assert.Positive(t, req.TradeCount)
		assert.Positive(t, req.ETHVolume)
	}
}

func TestCoordinatorSkipsAddressRejectedUnderLooserMinimums(t *testing.T) {
	var mu sync.Mutex
	opened := 0
	v := &fakeValidator{}
	c := NewCoordinator(Options{
		Profiles: []Profile{
			{Name: "fast_a", BlocksBack: 1000, MinTrades: 8, MinPnL: 50, MinROI: 0.2},
			{Name: "fast_b", BlocksBack: 1000, MinTrades: 8, MinPnL: 50, MinROI: 0.2},
		},
		Routers: routers,
	}, factory(scenarioReader(), &opened, &mu), v, nil, nil, zerolog.Nop())

	summary, err := c.RunRound(context.Background())
	require.NoError(t, err)

	_, _, rejected := summary.Totals()
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, summary.Modes[0].Skipped+summary.Modes[1].Skipped)
	assert.Len(t, v.calls, 1)
	assert.Empty(t, summary.Accepted)
}

func TestCoordinatorProfileROIFloor(t *testing.T) {
	var mu sync.Mutex
	opened := 0
	v := &fakeValidator{}
	c := NewCoordinator(Options{
		Profiles: []Profile{{Name: "fast_mover_whale", BlocksBack: 1000, MinTrades: 8, MinPnL: 50, MinROI: 0.2}},
		Routers:  routers,
	}, factory(scenarioReader(), &opened, &mu), v, nil, nil, zerolog.Nop())

	summary, err := c.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Modes[0].Rejected)
	require.Len(t, v.minimums, 1)
	assert.Equal(t, 20.0, v.minimums[0].MinROIPct)
	assert.Equal(t, 500.0, v.minimums[0].MinProfitUSD)
}

func TestCoordinatorWithoutValidator(t *testing.T) {
	var mu sync.Mutex
	opened := 0
	c := NewCoordinator(Options{
		Profiles: []Profile{{Name: "active_whale", BlocksBack: 1000, MinTrades: 20, MinPnL: 100}},
		Adaptive: &AdaptiveParams{ActivityPercentile: 5, ProfitPercentile: 25, BlocksBack: 1000, Stride: 1},
		Routers:  routers,
	}, factory(scenarioReader(), &opened, &mu), nil, nil, nil, zerolog.Nop())

	summary, err := c.RunRound(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Validated)
	require.Len(t, summary.Modes, 2)
	assert.Equal(t, AdaptiveMode, summary.Modes[1].Mode)
	candidates, validated, _ := summary.Totals()
	assert.Equal(t, 2, candidates)
	assert.Zero(t, validated)
	assert.Empty(t, summary.Accepted)
}

func TestCoordinatorRecordsReaderFailure(t *testing.T) {
	failing := func(context.Context) (chain.Reader, func(), error) { return nil, nil, errors.New("dial refused") }
	c := NewCoordinator(Options{
		Profiles: []Profile{{Name: "active_whale", BlocksBack: 10}},
		Routers:  routers,
	}, failing, nil, nil, nil, zerolog.Nop())

	summary, err := c.RunRound(context.Background())
	require.NoError(t, err)
	assert.Contains(t, summary.Modes[0].Err, "dial refused")
}

func TestCoordinatorHistoryIsBounded(t *testing.T) {
	var mu sync.Mutex
	opened := 0
	c := NewCoordinator(Options{
		Profiles:    []Profile{{Name: "m", BlocksBack: 5}},
		Routers:     routers,
		HistorySize: 2,
	}, factory(chaintest.NewReader(10), &opened, &mu), nil, nil, nil, zerolog.Nop())

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := c.RunRound(context.Background())
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[1], history[1].ID)
}

func TestCoordinatorCancelled(t *testing.T) {
	var mu sync.Mutex
	opened := 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewCoordinator(Options{
		Profiles: []Profile{{Name: "m", BlocksBack: 1000}},
		Routers:  routers,
	}, factory(scenarioReader(), &opened, &mu), &fakeValidator{}, nil, nil, zerolog.Nop())

	_, err := c.RunRound(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
