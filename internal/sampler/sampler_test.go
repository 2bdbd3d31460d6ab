package sampler

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-mirror/internal/chain"
	"whale-mirror/internal/chain/chaintest"
)

var (
	router    = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	elsewhere = common.HexToAddress("0x1111111111111111111111111111111111111111")
	whaleA    = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	minnowB   = common.HexToAddress("0x00000000000000000000000000000000000000B2")
)

func TestSampleAggregatesRouterTraffic(t *testing.T) {
	reader := chaintest.NewReader(2000)
	nonce := uint64(0)
	for i := uint64(0); i < 25; i++ {
		number := 1000 + i*40
		reader.AddBlock(chain.Block{Number: number, Transactions: []chain.Transaction{
			chaintest.Transfer(nonce, whaleA, router, chaintest.Ether(4.8)),
			chaintest.Transfer(nonce+1, minnowB, elsewhere, chaintest.Ether(50)),
		}})
		nonce += 2
	}

	s := New(reader, zerolog.Nop())
	res, err := s.Sample(context.Background(), 1000, 2000, NewRouterSet(router.Hex()), 1)
	require.NoError(t, err)

	assert.Equal(t, 1001, res.BlocksProcessed)
	assert.Zero(t, res.BlocksFailed)
	require.Contains(t, res.Stats, "0x00000000000000000000000000000000000000a1")
	stats := res.Stats["0x00000000000000000000000000000000000000a1"]
	assert.Equal(t, 25, stats.TradeCount)
	assert.Equal(t, "120", stats.ETHVolume.String())
	assert.NotContains(t, res.Stats, "0x00000000000000000000000000000000000000b2")
}

func TestSampleRouterMatchIsCaseInsensitive(t *testing.T) {
	reader := chaintest.NewReader(10)
	reader.AddBlock(chain.Block{Number: 10, Transactions: []chain.Transaction{
		chaintest.Transfer(0, whaleA, router, chaintest.Ether(1)),
	}})

	s := New(reader, zerolog.Nop())
	res, err := s.Sample(context.Background(), 10, 10, NewRouterSet("0x7A250D5630B4CF539739DF2C5DACB4C659F2488D"), 1)
	require.NoError(t, err)
	assert.Len(t, res.Stats, 1)
}

func TestSampleSwallowsBlockFailures(t *testing.T) {
	reader := chaintest.NewReader(100)
	reader.AddBlock(chain.Block{Number: 95, Transactions: []chain.Transaction{
		chaintest.Transfer(0, whaleA, router, chaintest.Ether(2)),
	}})
	reader.FailBlock(96)
	reader.FailBlock(97)

	s := New(reader, zerolog.Nop())
	res, err := s.Sample(context.Background(), 90, 100, NewRouterSet(router.Hex()), 1)
	require.NoError(t, err)
	assert.Equal(t, 9, res.BlocksProcessed)
	assert.Equal(t, 2, res.BlocksFailed)
	assert.Len(t, res.Stats, 1)
}

func TestSampleStrideIsInclusiveAndApproximate(t *testing.T) {
	reader := chaintest.NewReader(20)
	for n := uint64(0); n <= 20; n++ {
		reader.AddBlock(chain.Block{Number: n, Transactions: []chain.Transaction{
			chaintest.Transfer(n, whaleA, router, chaintest.Ether(1)),
		}})
	}

	s := New(reader, zerolog.Nop())
	res, err := s.Sample(context.Background(), 0, 20, NewRouterSet(router.Hex()), 5)
	require.NoError(t, err)
	// blocks 0, 5, 10, 15, 20
	assert.Equal(t, 5, res.BlocksProcessed)
	assert.Equal(t, 5, res.Stats["0x00000000000000000000000000000000000000a1"].TradeCount)
	assert.Equal(t, uint64(5), res.Stride)
}

func TestSampleStopsOnCancellation(t *testing.T) {
	reader := chaintest.NewReader(100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(reader, zerolog.Nop())
	res, err := s.Sample(ctx, 0, 100, NewRouterSet(router.Hex()), 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.BlocksProcessed)
}

func TestRange(t *testing.T) {
	start, end := Range(1000, 200)
	assert.Equal(t, uint64(800), start)
	assert.Equal(t, uint64(1000), end)

	start, _ = Range(50, 200)
	assert.Zero(t, start)
}
