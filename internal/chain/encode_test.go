package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSwapDecodesBack(t *testing.T) {
	amount := big.NewInt(42_000_000)
	cases := []struct {
		name      string
		order     SwapOrder
		function  string
		wantValue int64
	}{
		{"v3", SwapOrder{Function: "exactInput", TokenIn: tokenA, TokenOut: tokenB, AmountIn: amount, Recipient: holder}, "exactInputSingle", 0},
		{"v2 tokens", SwapOrder{Function: "swapExactTokensForTokens", TokenIn: tokenA, TokenOut: tokenB, AmountIn: amount, Recipient: holder}, "swapExactTokensForTokens", 0},
		{"v2 eth in", SwapOrder{Function: "swapExactETHForTokens", TokenIn: WETHAddress, TokenOut: tokenB, AmountIn: amount, Recipient: holder}, "swapExactETHForTokens", 42_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, value, err := EncodeSwap(tc.order)
			require.NoError(t, err)
			assert.Equal(t, tc.wantValue, value.Int64())

			swap, err := DecodeSwap(data, value)
			require.NoError(t, err)
			assert.Equal(t, tc.function, swap.Function)
			assert.Equal(t, tc.order.TokenIn, swap.TokenIn)
			assert.Equal(t, tc.order.TokenOut, swap.TokenOut)
			assert.Equal(t, 0, swap.AmountIn.Cmp(amount))
			assert.Zero(t, swap.AmountOutMin.Sign())
		})
	}
}

func TestEncodeSwapCarriesMinimumOutput(t *testing.T) {
	minOut := big.NewInt(990_000)
	for _, fn := range []string{"exactInputSingle", "swapExactTokensForTokens"} {
		data, value, err := EncodeSwap(SwapOrder{Function: fn, TokenIn: tokenA, TokenOut: tokenB, AmountIn: big.NewInt(1_000_000), Recipient: holder, AmountOutMin: minOut})
		require.NoError(t, err)
		swap, err := DecodeSwap(data, value)
		require.NoError(t, err)
		assert.Equal(t, 0, swap.AmountOutMin.Cmp(minOut), fn)
	}

	data, value, err := EncodeSwap(SwapOrder{Function: "swapExactETHForTokens", TokenIn: WETHAddress, TokenOut: tokenB, AmountIn: big.NewInt(5), Recipient: holder, AmountOutMin: minOut})
	require.NoError(t, err)
	swap, err := DecodeSwap(data, value)
	require.NoError(t, err)
	assert.Equal(t, 0, swap.AmountOutMin.Cmp(minOut))
}

func TestEncodeSwapRejectsZeroAmount(t *testing.T) {
	_, _, err := EncodeSwap(SwapOrder{Function: "exactInputSingle", AmountIn: big.NewInt(0)})
	assert.Error(t, err)
}

func TestKeySignerSignsForChain(t *testing.T) {
	signer, err := NewKeySigner("0xb71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	require.NoError(t, err)

	tx, err := signer.Sign(&types.DynamicFeeTx{Nonce: 3, Gas: 21000, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2), To: &holder, Value: big.NewInt(1)}, big.NewInt(1))
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)
	assert.Equal(t, uint64(3), tx.Nonce())

	_, err = NewKeySigner("not-a-key")
	assert.Error(t, err)
}
