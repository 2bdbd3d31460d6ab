package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
)

// Block is the subset of block data the pipeline consumes.
type Block struct {
	Number       uint64
	Time         uint64
	BaseFee      *big.Int
	TxCount      int
	Transactions []Transaction
}

// Transaction is a decoded transaction with its recovered sender.
type Transaction struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address
	Value *big.Int
	Input []byte
}

// Receipt reports the outcome of a submitted transaction.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
}

// Reader is the narrow chain access surface used by sampling, market analysis and mirroring.
type Reader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, number uint64, includeTxs bool) (*Block, error)
	GetTransaction(ctx context.Context, hash common.Hash) (*Transaction, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendRaw(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error)
}

// Submitter supplies the account state needed to build a signed transaction.
type Submitter interface {
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	GasFees(ctx context.Context) (tip, feeCap *big.Int, err error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// ContractCaller executes read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

var weiPerEther = decimal.NewFromBigInt(big.NewInt(params.Ether), 0)

// WeiToEther converts a wei amount to ether.
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, 0).Div(weiPerEther)
}

// WeiToGwei converts a wei amount to gwei as a float.
func WeiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	return decimal.NewFromBigInt(wei, -9).InexactFloat64()
}

// NormalizeUnits scales a raw token amount by its decimals.
func NormalizeUnits(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}
