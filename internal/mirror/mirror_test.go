package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-mirror/internal/alerting"
	"whale-mirror/internal/allocation"
	"whale-mirror/internal/chain"
	"whale-mirror/internal/chain/chaintest"
	"whale-mirror/internal/risk"
	"whale-mirror/internal/scoring"
	"whale-mirror/internal/storage"
	"whale-mirror/internal/storage/memory"
)

const whaleAddr = "0x00000000000000000000000000000000000000a1"

var (
	v3Router = common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564")
	usdc     = chain.Token{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Decimals: 6}
	weth     = chain.Token{Address: chain.WETHAddress, Symbol: "WETH", Decimals: 18}
)

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

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	repo   *memory.Store
	risk   *risk.Manager
	notes  *recordingNotifier
	mirror *Mirror
}

func newFixture(t *testing.T, limits risk.Limits, executor Executor) fixture {
	t.Helper()
	repo := memory.New()
	engine := scoring.NewEngine(repo, chain.StaticPrice(2000), scoring.Options{}, zerolog.Nop())
	rm := risk.NewManager(limits, nil, zerolog.Nop())
	notes := &recordingNotifier{}
	m := New(repo, engine, allocation.New(allocation.Options{}), rm, executor, notes, nil, zerolog.Nop())
	return fixture{repo: repo, risk: rm, notes: notes, mirror: m}
}

func (f fixture) saveWhale(t *testing.T, rec storage.WhaleRecord) {
	t.Helper()
	if rec.Address == "" {
		rec.Address = whaleAddr
	}
	require.NoError(t, f.repo.SaveWhale(context.Background(), rec))
}

func v3Signal(amount string) allocation.TradeSignal {
	return allocation.TradeSignal{
		TxHash:     "0x01",
		Whale:      whaleAddr,
		Router:     v3Router.Hex(),
		RouterKind: allocation.RouterUniswapV3,
		Function:   "exactInputSingle",
		TokenIn:    weth,
		TokenOut:   usdc,
		AmountIn:   decimal.RequireFromString(amount),
	}
}

func TestHandleSimulatedTrade(t *testing.T) {
	f := newFixture(t, risk.Limits{}, nil)
	f.saveWhale(t, storage.WhaleRecord{Score: 60, WinRate: 0.6, RiskMultiplier: 1.2, DiscoveryMode: "active_whale", CumulativePnL: decimal.NewFromInt(3)})

	out, err := f.mirror.Handle(context.Background(), v3Signal("100"))
	require.NoError(t, err)
	assert.Equal(t, StatusSimulated, out.Status)
	assert.Equal(t, storage.SimulatedTxHash, out.TxHash)
	require.True(t, out.Decision.ShouldTrade)

	// 100 * 0.1 * 1.2 * 0.05, then router 1.2, function 1.5, token 1.05, whale 1.2
	assert.InDelta(t, 0.6*1.2*1.5*1.05*1.2, out.Decision.Size.InexactFloat64(), 1e-9)

	trades, err := f.repo.ListTrades(context.Background(), whaleAddr, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, storage.SimulatedTxHash, trades[0].TxHash)
	assert.True(t, trades[0].PnL.IsZero())
	assert.True(t, trades[0].CumulativePnL.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, 1.2, trades[0].RiskMultiplier)
	assert.Equal(t, "active_whale", trades[0].Mode)

	rec, err := f.repo.GetWhale(context.Background(), whaleAddr)
	require.NoError(t, err)
	assert.True(t, rec.AllocationSize.Equal(out.Decision.Size))
	assert.Equal(t, []string{alerting.KindTradeMirrored}, f.notes.kinds())
}

func TestHandleIgnoresUnknownAndDiscarded(t *testing.T) {
	f := newFixture(t, risk.Limits{}, nil)

	out, err := f.mirror.Handle(context.Background(), v3Signal("100"))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, out.Status)

	f.saveWhale(t, storage.WhaleRecord{Score: 60})
	require.NoError(t, f.repo.MarkDiscarded(context.Background(), whaleAddr, "insufficient trades"))
	out, err = f.mirror.Handle(context.Background(), v3Signal("100"))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, out.Status)
	assert.Empty(t, f.notes.kinds())
}

func TestHandleBlockedByRisk(t *testing.T) {
	f := newFixture(t, risk.Limits{WhaleLossFloor: 100, MaxDailyLoss: 1e9}, nil)
	f.saveWhale(t, storage.WhaleRecord{Score: 60, RiskMultiplier: 1})
	f.risk.UpdatePnL(whaleAddr, decimal.NewFromInt(-150))

	out, err := f.mirror.Handle(context.Background(), v3Signal("100"))
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, out.Status)
	assert.Equal(t, risk.ReasonWhaleLoss, out.RiskReason)
	assert.Equal(t, []string{alerting.KindTradeBlocked}, f.notes.kinds())

	trades, err := f.repo.ListTrades(context.Background(), whaleAddr, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestHandleSkipsLowConfidence(t *testing.T) {
	f := newFixture(t, risk.Limits{}, nil)
	f.saveWhale(t, storage.WhaleRecord{Score: -80, RiskMultiplier: 1})

	sig := v3Signal("10")
	sig.RouterKind, sig.Function = allocation.RouterUniswapV2, "swapExactTokensForTokens"
	out, err := f.mirror.Handle(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.False(t, out.Decision.ShouldTrade)
	assert.Empty(t, f.notes.kinds())
}

func TestHandleSubmitsOnChain(t *testing.T) {
	reader := chaintest.NewReader(500)
	signer, err := chain.NewKeySigner("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	require.NoError(t, err)
	exec := NewChainExecutor(reader, reader, signer, time.Minute, time.Second, zerolog.Nop()).WithMaxSlippage(100)

	f := newFixture(t, risk.Limits{}, exec)
	f.saveWhale(t, storage.WhaleRecord{Score: 60, RiskMultiplier: 1})

	sig := v3Signal("100")
	sig.AmountOutMin = decimal.RequireFromString("250000")
	out, err := f.mirror.Handle(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)

	sent := reader.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Hash().Hex(), out.TxHash)
	assert.Equal(t, v3Router, *sent[0].To())
	// WETH in: the allocation is attached as value
	assert.Zero(t, out.Decision.Size.Shift(18).BigInt().Cmp(sent[0].Value()))

	swap, err := chain.DecodeSwap(sent[0].Data(), sent[0].Value())
	require.NoError(t, err)
	assert.Equal(t, "exactInputSingle", swap.Function)
	assert.Equal(t, usdc.Address, swap.TokenOut)

	want, err := MinimumOutput(sig, out.Decision.Size, 100)
	require.NoError(t, err)
	assert.Positive(t, swap.AmountOutMin.Sign())
	assert.Zero(t, want.Shift(6).BigInt().Cmp(swap.AmountOutMin))
}

func TestHandleRefusesUnboundedSwap(t *testing.T) {
	reader := chaintest.NewReader(500)
	signer, err := chain.NewKeySigner("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	require.NoError(t, err)

	f := newFixture(t, risk.Limits{}, NewChainExecutor(reader, reader, signer, 0, 0, zerolog.Nop()).WithMaxSlippage(100))
	f.saveWhale(t, storage.WhaleRecord{Score: 60, RiskMultiplier: 1})

	out, err := f.mirror.Handle(context.Background(), v3Signal("100"))
	require.ErrorIs(t, err, ErrUnboundedSwap)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Empty(t, reader.Sent())
}

func TestMinimumOutput(t *testing.T) {
	sig := v3Signal("10")
	sig.AmountOutMin = decimal.RequireFromString("20000")

	got, err := MinimumOutput(sig, decimal.RequireFromString("0.5"), 50)
	require.NoError(t, err)
	assert.Equal(t, "995", got.String())

	_, err = MinimumOutput(sig, decimal.NewFromInt(1), 0)
	assert.ErrorIs(t, err, ErrUnboundedSwap)
	_, err = MinimumOutput(sig, decimal.NewFromInt(1), 10_000)
	assert.ErrorIs(t, err, ErrUnboundedSwap)

	sig.AmountOutMin = decimal.Zero
	_, err = MinimumOutput(sig, decimal.NewFromInt(1), 50)
	assert.ErrorIs(t, err, ErrUnboundedSwap)

	sig.AmountOutMin = decimal.RequireFromString("0.000001")
	_, err = MinimumOutput(sig, decimal.RequireFromString("0.001"), 50)
	assert.ErrorIs(t, err, ErrUnboundedSwap, "rounds below one unit of USDC")
}

func TestHandleExecutionFailure(t *testing.T) {
	reader := chaintest.NewReader(500)
	reader.FailSend(errors.New("nonce too low"))
	signer, err := chain.NewKeySigner("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	require.NoError(t, err)

	f := newFixture(t, risk.Limits{}, NewChainExecutor(reader, reader, signer, 0, 0, zerolog.Nop()).WithMaxSlippage(100))
	f.saveWhale(t, storage.WhaleRecord{Score: 60, RiskMultiplier: 1})

	sig := v3Signal("100")
	sig.AmountOutMin = decimal.RequireFromString("250000")
	out, err := f.mirror.Handle(context.Background(), sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")
	assert.Equal(t, StatusFailed, out.Status)

	trades, err := f.repo.ListTrades(context.Background(), whaleAddr, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestSettleUpdatesScoreAndRisk(t *testing.T) {
	f := newFixture(t, risk.Limits{}, nil)
	f.saveWhale(t, storage.WhaleRecord{RiskMultiplier: 1.2, CumulativePnL: decimal.Zero})

	_, err := f.mirror.Settle(context.Background(), whaleAddr, 2000)
	require.NoError(t, err)
	res, err := f.mirror.Settle(context.Background(), whaleAddr, 2000)
	require.NoError(t, err)

	assert.InDelta(t, 1.4, res.RiskMultiplier, 1e-9)
	assert.Nil(t, res.Score.V2)
	assert.InDelta(t, 4000, res.Score.Score, 1e-9)
	assert.False(t, res.Discarded)

	rec, err := f.repo.GetWhale(context.Background(), whaleAddr)
	require.NoError(t, err)
	assert.InDelta(t, 1.4, rec.RiskMultiplier, 1e-9)
	assert.Equal(t, 2, rec.MirroredTradeCount)
	assert.True(t, rec.CumulativePnL.Equal(decimal.NewFromInt(4000)))
	assert.Equal(t, 1.0, rec.WinRate)
}

func TestSettleNotifiesDiscardOnce(t *testing.T) {
	f := newFixture(t, risk.Limits{}, nil)
	f.saveWhale(t, storage.WhaleRecord{ExternalTradeCount: 5, ExternalROIPct: 40, RiskMultiplier: 1})
	ctx := context.Background()
	require.NoError(t, f.repo.UpsertTokenPnL(ctx, whaleAddr, "PEPE", "", decimal.NewFromInt(2), 3))
	require.NoError(t, f.repo.UpsertTokenPnL(ctx, whaleAddr, "LINK", "", decimal.NewFromInt(1), 3))

	res, err := f.mirror.Settle(ctx, whaleAddr, -1)
	require.NoError(t, err)
	require.NotNil(t, res.Score.V2)
	assert.True(t, res.Discarded)
	assert.Zero(t, res.Score.Score)

	_, err = f.mirror.Settle(ctx, whaleAddr, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{alerting.KindWhaleDiscarded}, f.notes.kinds())
}

func TestRestoreRisk(t *testing.T) {
	f := newFixture(t, risk.Limits{}, nil)
	f.saveWhale(t, storage.WhaleRecord{RiskMultiplier: 1.5, CumulativePnL: decimal.NewFromInt(300)})
	f.saveWhale(t, storage.WhaleRecord{Address: "0xb", RiskMultiplier: 0.8})
	require.NoError(t, f.repo.MarkDiscarded(context.Background(), "0xb", "gone"))

	n, err := f.mirror.RestoreRisk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.5, f.risk.Multiplier(whaleAddr))
	assert.True(t, f.risk.Profile(whaleAddr).CumulativePnL.IsZero())
	assert.False(t, f.risk.Known("0xb"))
}

func TestSimulatedExecutor(t *testing.T) {
	exec, err := SimulatedExecutor{}.Execute(context.Background(), v3Signal("1"), decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, exec.Simulated)
	assert.Equal(t, storage.SimulatedTxHash, exec.TxHash)
}
