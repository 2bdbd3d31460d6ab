package allocation

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-mirror/internal/chain"
)

var (
	weth = chain.Token{Address: chain.WETHAddress, Symbol: "WETH", Decimals: 18}
	usdc = chain.Token{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Decimals: 6}
	pepe = chain.Token{Address: common.HexToAddress("0x6982508145454Ce325dDbE47a25d4ec3d2311933"), Symbol: "PEPE", Decimals: 18}
)

func signal(amount string, kind RouterKind, fn string, in, out chain.Token) TradeSignal {
	return TradeSignal{Whale: "0xabc", RouterKind: kind, Function: fn, TokenIn: in, TokenOut: out, AmountIn: decimal.RequireFromString(amount)}
}

func TestDecideZeroAmountNeverTrades(t *testing.T) {
	e := New(Options{})
	for _, amount := range []string{"0", "-5"} {
		d := e.Decide(signal(amount, RouterUniswapV3, "exactInputSingle", weth, pepe), &WhaleSnapshot{Score: 500}, 3)
		assert.False(t, d.ShouldTrade)
		assert.True(t, d.Size.IsZero())
		assert.Zero(t, d.Confidence)
	}
}

func TestDecideDustFloor(t *testing.T) {
	e := New(Options{DustFloor: 0.0001})
	d := e.Decide(signal("0.00009", RouterUniswapV2, "swapExactTokensForTokens", weth, pepe), nil, 1)
	assert.False(t, d.ShouldTrade)
	assert.True(t, d.Size.IsZero())
	assert.Contains(t, d.Reason, "dust")

	d = e.Decide(signal("0.0001", RouterUniswapV2, "swapExactTokensForTokens", weth, pepe), nil, 1)
	assert.True(t, d.ShouldTrade)
}

func TestDecideBiasChain(t *testing.T) {
	e := New(Options{})
	// 100 * 0.1 * 2 * 0.05 = 1.0, then 1.2 (v3) * 1.5 (exactInputSingle) * 1.05 (WETH/USDC) * 1.2 (score 60)
	d := e.Decide(signal("100", RouterUniswapV3, "exactInputSingle", weth, usdc), &WhaleSnapshot{Score: 60}, 2)
	require.True(t, d.ShouldTrade)
	assert.InDelta(t, 1.2*1.5*1.05*1.2, d.Size.InexactFloat64(), 1e-9)
	assert.Equal(t, Biases{Router: 1.2, Function: 1.5, Token: 1.05, Whale: 1.2}, d.Biases)
	// 0.5 + 0.1 advanced + 0.1 score
	assert.InDelta(t, 0.7, d.Confidence, 1e-9)
	assert.Contains(t, d.Reason, "router_bias=1.20")
}

func TestDecideCapsAtMaxAllocation(t *testing.T) {
	e := New(Options{MaxAllocation: 10})
	d := e.Decide(signal("1000000", RouterUnknown, "swapExactTokensForTokens", pepe, weth), nil, 3)
	assert.True(t, d.Size.Equal(decimal.NewFromInt(10)))
}

func TestDecideLowConfidenceRejects(t *testing.T) {
	e := New(Options{})
	// 0.5 - 0.2 = 0.3, not above the 0.3 bar
	d := e.Decide(signal("10", RouterUniswapV2, "swapExactTokensForTokens", weth, pepe), &WhaleSnapshot{Score: -80}, 1)
	assert.False(t, d.ShouldTrade)
	assert.True(t, d.Size.IsPositive())
	assert.Equal(t, 0.5, d.Biases.Whale)
	assert.Contains(t, d.Reason, "too low")
}

func TestBiasTablesAreCaseInsensitive(t *testing.T) {
	e := New(Options{
		FunctionBias: map[string]float64{"exactinputsingle": 2},
		TokenBias:    map[string]float64{"pepe": 3},
		RouterBias:   map[string]float64{"UNISWAP_V3": 0.5},
	})
	d := e.Decide(signal("100", RouterUniswapV3, "exactInputSingle", weth, pepe), nil, 1)
	assert.Equal(t, Biases{Router: 0.5, Function: 2, Token: 2, Whale: 1}, d.Biases)
}

func TestWhaleBiasBands(t *testing.T) {
	cases := map[float64]float64{101: 1.5, 51: 1.2, 1: 1.0, 0: 0.8, -49: 0.8, -50: 0.5}
	for score, want := range cases {
		assert.Equal(t, want, whaleBias(&WhaleSnapshot{Score: score}), "score=%v", score)
	}
	assert.Equal(t, 1.0, whaleBias(nil))
}

func TestConfidenceClamped(t *testing.T) {
	assert.InDelta(t, 1.0, Confidence(decimal.NewFromInt(20000), true, &WhaleSnapshot{Score: 200}), 1e-9)
	assert.InDelta(t, 0.6, Confidence(decimal.NewFromInt(5000), false, nil), 1e-9)
	assert.InDelta(t, 0.3, Confidence(decimal.NewFromInt(1), false, &WhaleSnapshot{Score: -100}), 1e-9)
}

func TestNewTradeSignal(t *testing.T) {
	router := common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564")
	from := common.HexToAddress("0x00000000000000000000000000000000000000A1")
	tx := chain.Transaction{Hash: common.HexToHash("0x01"), From: from, To: &router}
	swap := chain.Swap{Function: "exactInputSingle", TokenIn: usdc.Address, TokenOut: pepe.Address, AmountIn: big.NewInt(2_500_000_000)}

	sig, err := NewTradeSignal(tx, swap, usdc, pepe, 42, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, RouterUniswapV3, sig.RouterKind)
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", sig.Whale)
	assert.Equal(t, "2500", sig.AmountIn.String())
	assert.True(t, sig.Advanced())

	_, err = NewTradeSignal(tx, chain.Swap{Function: "exactInput", AmountIn: big.NewInt(1)}, weth, weth, 1, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSignal)
}

func TestClassifyRouter(t *testing.T) {
	assert.Equal(t, RouterUniswapV2, ClassifyRouter(common.HexToAddress("0x7a250d5630b4cf539739df2c5dacb4c659f2488d")))
	assert.Equal(t, RouterUnknown, ClassifyRouter(common.Address{}))
}
