package mirror

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/allocation"
	"whale-mirror/internal/chain"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/storage"
)

var (
	// ErrReverted is returned when a submitted swap's receipt reports failure.
	ErrReverted = errors.New("mirror: transaction reverted")
	// ErrUnboundedSwap is returned instead of submitting a swap with no
	// minimum output.
	ErrUnboundedSwap = errors.New("mirror: swap has no output bound")
)

const bpsDenominator = 10_000

// Execution is the result of handing a sized trade to an executor.
type Execution struct {
	TxHash    string
	Simulated bool
	GasUsed   uint64
}

// Executor carries out a sized mirror trade.
type Executor interface {
	Execute(ctx context.Context, sig allocation.TradeSignal, size decimal.Decimal) (Execution, error)
}

// SimulatedExecutor records trades without submitting them.
type SimulatedExecutor struct{}

// Execute implements Executor.
func (SimulatedExecutor) Execute(context.Context, allocation.TradeSignal, decimal.Decimal) (Execution, error) {
	return Execution{TxHash: storage.SimulatedTxHash, Simulated: true}, nil
}

// Signer signs dynamic-fee transactions; *chain.KeySigner satisfies it.
type Signer interface {
	Address() common.Address
	Sign(tx *types.DynamicFeeTx, chainID *big.Int) (*types.Transaction, error)
}

// ChainExecutor encodes, signs and submits the mirror swap on the dedicated
// watch connection, then waits for its receipt.
type ChainExecutor struct {
	reader         chain.Reader
	submitter      chain.Submitter
	signer         Signer
	deadline       time.Duration
	receiptTimeout time.Duration
	slippageBps    int
	logger         zerolog.Logger
	now            func() time.Time
}

// NewChainExecutor wires an executor. deadline bounds the swap's validity and
// receiptTimeout the wait for inclusion.
func NewChainExecutor(reader chain.Reader, submitter chain.Submitter, signer Signer, deadline, receiptTimeout time.Duration, logger zerolog.Logger) *ChainExecutor {
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	if receiptTimeout <= 0 {
		receiptTimeout = 3 * time.Minute
	}
	return &ChainExecutor{
		reader:         reader,
		submitter:      submitter,
		signer:         signer,
		deadline:       deadline,
		receiptTimeout: receiptTimeout,
		logger:         logging.Component(logger, "chain_executor"),
		now:            time.Now,
	}
}

// WithMaxSlippage sets the tolerance, in basis points, applied below the
// whale's own output bound. Without it every swap is refused.
func (e *ChainExecutor) WithMaxSlippage(bps int) *ChainExecutor {
	e.slippageBps = bps
	return e
}

// Execute implements Executor.
func (e *ChainExecutor) Execute(ctx context.Context, sig allocation.TradeSignal, size decimal.Decimal) (Execution, error) {
	minOut, err := MinimumOutput(sig, size, e.slippageBps)
	if err != nil {
		return Execution{}, err
	}
	amount := size.Shift(int32(sig.TokenIn.Decimals)).BigInt()
	router := common.HexToAddress(sig.Router)
	from := e.signer.Address()

	data, value, err := chain.EncodeSwap(chain.SwapOrder{
		Function:     sig.Function,
		TokenIn:      sig.TokenIn.Address,
		TokenOut:     sig.TokenOut.Address,
		AmountIn:     amount,
		AmountOutMin: minOut.Shift(int32(sig.TokenOut.Decimals)).BigInt(),
		Recipient:    from,
		Deadline:     big.NewInt(e.now().Add(e.deadline).Unix()),
	})
	if err != nil {
		return Execution{}, err
	}

	gas, err := e.reader.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &router, Value: value, Data: data})
	if err != nil {
		return Execution{}, err
	}
	nonce, err := e.submitter.PendingNonce(ctx, from)
	if err != nil {
		return Execution{}, err
	}
	tip, feeCap, err := e.submitter.GasFees(ctx)
	if err != nil {
		return Execution{}, err
	}
	chainID, err := e.submitter.ChainID(ctx)
	if err != nil {
		return Execution{}, fmt.Errorf("chain id: %w", err)
	}

	tx, err := e.signer.Sign(&types.DynamicFeeTx{
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &router,
		Value:     value,
		Data:      data,
	}, chainID)
	if err != nil {
		return Execution{}, err
	}

	hash, err := e.reader.SendRaw(ctx, tx)
	if err != nil {
		return Execution{}, err
	}
	e.logger.Info().Str("tx", hash.Hex()).Str("whale", sig.Whale).Uint64("gas", gas).Msg("mirror swap submitted")

	receipt, err := e.reader.WaitForReceipt(ctx, hash, e.receiptTimeout)
	if err != nil {
		return Execution{TxHash: hash.Hex()}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Execution{TxHash: hash.Hex(), GasUsed: receipt.GasUsed}, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	return Execution{TxHash: hash.Hex(), GasUsed: receipt.GasUsed}, nil
}

// MinimumOutput scales the whale's output bound to size and takes bps off it.
// It fails when either side leaves the swap unbounded.
func MinimumOutput(sig allocation.TradeSignal, size decimal.Decimal, bps int) (decimal.Decimal, error) {
	switch {
	case bps <= 0 || bps >= bpsDenominator:
		return decimal.Zero, fmt.Errorf("%w: slippage tolerance %d bps", ErrUnboundedSwap, bps)
	case !sig.AmountOutMin.IsPositive() || !sig.AmountIn.IsPositive():
		return decimal.Zero, fmt.Errorf("%w: whale %s set none", ErrUnboundedSwap, sig.Whale)
	}
	keep := decimal.NewFromInt(int64(bpsDenominator - bps)).Div(decimal.NewFromInt(bpsDenominator))
	out := sig.AmountOutMin.Mul(size).Div(sig.AmountIn).Mul(keep)
	out = out.Truncate(int32(sig.TokenOut.Decimals))
	if !out.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: bound rounds to zero", ErrUnboundedSwap)
	}
	return out, nil
}
