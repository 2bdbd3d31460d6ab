// Package chaintest provides an in-memory chain.Reader for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/chain"
)

// ErrBlockUnavailable is returned for blocks marked as failing.
var ErrBlockUnavailable = errors.New("chaintest: block unavailable")

// Reader is a scripted chain.Reader.
type Reader struct {
	mu       sync.Mutex
	height   uint64
	blocks   map[uint64]*chain.Block
	failing  map[uint64]bool
	txs      map[common.Hash]*chain.Transaction
	sent     []*types.Transaction
	gas      uint64
	fetches  int
	failSend error
}

// NewReader returns an empty reader at the given height.
func NewReader(height uint64) *Reader {
	return &Reader{
		height:  height,
		blocks:  make(map[uint64]*chain.Block),
		failing: make(map[uint64]bool),
		txs:     make(map[common.Hash]*chain.Transaction),
		gas:     150000,
	}
}

// SetHeight moves the chain head.
func (r *Reader) SetHeight(height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.height = height
}

// AddBlock registers a block; TxCount defaults to the number of transactions.
func (r *Reader) AddBlock(block chain.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if block.TxCount == 0 {
		block.TxCount = len(block.Transactions)
	}
	stored := block
	r.blocks[block.Number] = &stored
	for i := range block.Transactions {
		tx := block.Transactions[i]
		r.txs[tx.Hash] = &tx
	}
}

// FailBlock makes GetBlock fail for number.
func (r *Reader) FailBlock(number uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[number] = true
}

// FailSend makes SendRaw fail with err.
func (r *Reader) FailSend(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSend = err
}

// Fetches reports how many GetBlock calls were served.
func (r *Reader) Fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

// Sent returns transactions passed to SendRaw.
func (r *Reader) Sent() []*types.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Transaction(nil), r.sent...)
}

// CurrentHeight implements chain.Reader.
func (r *Reader) CurrentHeight(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.height, nil
}

// GetBlock implements chain.Reader. Unregistered blocks below the head are empty.
func (r *Reader) GetBlock(ctx context.Context, number uint64, includeTxs bool) (*chain.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if r.failing[number] || number > r.height {
		return nil, fmt.Errorf("block %d: %w", number, ErrBlockUnavailable)
	}
	block, ok := r.blocks[number]
	if !ok {
		return &chain.Block{Number: number}, nil
	}
	out := *block
	if !includeTxs {
		out.Transactions = nil
	}
	return &out, nil
}

// GetTransaction implements chain.Reader.
func (r *Reader) GetTransaction(_ context.Context, hash common.Hash) (*chain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return tx, nil
}

// EstimateGas implements chain.Reader.
func (r *Reader) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return r.gas, nil
}

// PendingNonce implements chain.Submitter; it counts transactions sent so far.
func (r *Reader) PendingNonce(context.Context, common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.sent)), nil
}

// GasFees implements chain.Submitter with fixed 1 gwei tip and 30 gwei cap.
func (r *Reader) GasFees(context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(1_000_000_000), big.NewInt(30_000_000_000), nil
}

// ChainID implements chain.Submitter.
func (r *Reader) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

// SendRaw implements chain.Reader.
func (r *Reader) SendRaw(_ context.Context, tx *types.Transaction) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSend != nil {
		return common.Hash{}, r.failSend
	}
	r.sent = append(r.sent, tx)
	return tx.Hash(), nil
}

// WaitForReceipt implements chain.Reader; every sent transaction succeeds at the head.
func (r *Reader) WaitForReceipt(_ context.Context, hash common.Hash, _ time.Duration) (*chain.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.sent {
		if tx.Hash() == hash {
			return &chain.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, BlockNumber: r.height, GasUsed: r.gas}, nil
		}
	}
	return nil, ethereum.NotFound
}

// Ether converts whole ether to wei.
func Ether(eth float64) *big.Int {
	return decimal.NewFromFloat(eth).Shift(18).BigInt()
}

// Transfer builds a transaction from -> to carrying value wei; nonce keeps hashes unique.
func Transfer(nonce uint64, from, to common.Address, value *big.Int) chain.Transaction {
	target := to
	return chain.Transaction{
		Hash:  common.BigToHash(new(big.Int).SetUint64(nonce + 1)),
		From:  from,
		To:    &target,
		Value: value,
	}
}

var (
	_ chain.Reader    = (*Reader)(nil)
	_ chain.Submitter = (*Reader)(nil)
)
