package mirror

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-mirror/internal/allocation"
	"whale-mirror/internal/chain"
	"whale-mirror/internal/chain/chaintest"
	"whale-mirror/internal/sampler"
)

type trackedSet map[string]bool

func (s trackedSet) Tracked(address string) bool {
	return s[common.HexToAddress(address).Hex()]
}

type recordingHandler struct {
	mu      sync.Mutex
	signals []allocation.TradeSignal
}

func (h *recordingHandler) Handle(_ context.Context, sig allocation.TradeSignal) (Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	return Outcome{Signal: sig, Status: StatusSimulated}, nil
}

func swapTx(t *testing.T, nonce uint64, from, to common.Address) chain.Transaction {
	t.Helper()
	data, value, err := chain.EncodeSwap(chain.SwapOrder{
		Function: "exactInputSingle",
		TokenIn:  usdc.Address,
		TokenOut: weth.Address,
		AmountIn: big.NewInt(5_000_000_000),
	})
	require.NoError(t, err)
	tx := chaintest.Transfer(nonce, from, to, value)
	tx.Input = data
	return tx
}

func TestWatcherEmitsTrackedSwaps(t *testing.T) {
	whale := common.HexToAddress(whaleAddr)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	other := common.HexToAddress("0x00000000000000000000000000000000000000c3")

	reader := chaintest.NewReader(100)
	reader.AddBlock(chain.Block{Number: 100, Time: 1_700_000_000, Transactions: []chain.Transaction{
		swapTx(t, 1, whale, v3Router),
		swapTx(t, 2, stranger, v3Router),
		swapTx(t, 3, whale, other),
		chaintest.Transfer(4, whale, v3Router, chaintest.Ether(1)),
	}})

	handler := &recordingHandler{}
	w := NewWatcher(reader, sampler.NewRouterSet(v3Router.Hex()), trackedSet{whale.Hex(): true},
		chain.NewTokenResolver(nil, zerolog.Nop()), handler, 0, zerolog.Nop())

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, handler.signals, 1)

	sig := handler.signals[0]
	assert.Equal(t, whaleAddr, sig.Whale)
	assert.Equal(t, allocation.RouterUniswapV3, sig.RouterKind)
	assert.Equal(t, "USDC", sig.TokenIn.Symbol)
	assert.Equal(t, "5000", sig.AmountIn.String())
	assert.Equal(t, uint64(100), sig.BlockNumber)
	assert.Equal(t, int64(1_700_000_000), sig.ObservedAt.Unix())

	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	reader.AddBlock(chain.Block{Number: 102, Transactions: []chain.Transaction{swapTx(t, 5, whale, v3Router)}})
	reader.SetHeight(102)
	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, handler.signals, 2)
}

func TestWatcherRetriesFailedBlock(t *testing.T) {
	whale := common.HexToAddress(whaleAddr)
	reader := chaintest.NewReader(10)
	reader.AddBlock(chain.Block{Number: 11, Transactions: []chain.Transaction{swapTx(t, 1, whale, v3Router)}})
	reader.FailBlock(11)

	handler := &recordingHandler{}
	w := NewWatcher(reader, sampler.NewRouterSet(v3Router.Hex()), trackedSet{whale.Hex(): true},
		chain.NewTokenResolver(nil, zerolog.Nop()), handler, 0, zerolog.Nop())
	w.StartAt(11)
	reader.SetHeight(11)

	_, err := w.Poll(context.Background())
	require.ErrorIs(t, err, chaintest.ErrBlockUnavailable)
	assert.Empty(t, handler.signals)
}

func TestWatcherWaitsForConfirmations(t *testing.T) {
	whale := common.HexToAddress(whaleAddr)
	reader := chaintest.NewReader(102)
	reader.AddBlock(chain.Block{Number: 100, Transactions: []chain.Transaction{swapTx(t, 1, whale, v3Router)}})
	reader.AddBlock(chain.Block{Number: 101})
	reader.AddBlock(chain.Block{Number: 102, Transactions: []chain.Transaction{swapTx(t, 2, whale, v3Router)}})

	handler := &recordingHandler{}
	w := NewWatcher(reader, sampler.NewRouterSet(v3Router.Hex()), trackedSet{whale.Hex(): true},
		chain.NewTokenResolver(nil, zerolog.Nop()), handler, 0, zerolog.Nop()).WithConfirmations(2)
	w.StartAt(100)

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(100), handler.signals[0].BlockNumber)

	shallow := NewWatcher(chaintest.NewReader(1), sampler.NewRouterSet(v3Router.Hex()), trackedSet{},
		chain.NewTokenResolver(nil, zerolog.Nop()), handler, 0, zerolog.Nop()).WithConfirmations(5)
	n, err = shallow.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
