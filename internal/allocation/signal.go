package allocation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/chain"
)

// RouterKind classifies the DEX a trade was routed through.
type RouterKind string

// Router kinds.
const (
	RouterUniswapV2 RouterKind = "uniswap_v2"
	RouterUniswapV3 RouterKind = "uniswap_v3"
	RouterBalancer  RouterKind = "balancer"
	RouterSushiswap RouterKind = "sushiswap"
	RouterUnknown   RouterKind = "unknown"
)

var knownRouters = map[common.Address]RouterKind{
	common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"): RouterUniswapV2,
	common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"): RouterUniswapV3,
	common.HexToAddress("0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45"): RouterUniswapV3,
	common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"): RouterSushiswap,
	common.HexToAddress("0xBA12222222228d8Ba445958a75a0704d566BF2C8"): RouterBalancer,
}

// ClassifyRouter maps a router address to its kind.
func ClassifyRouter(addr common.Address) RouterKind {
	if kind, ok := knownRouters[addr]; ok {
		return kind
	}
	return RouterUnknown
}

// TradeSignal is a whale swap validated once at ingestion. AmountIn is in
// whole token units (raw amount scaled by the token's decimals); AmountOutMin
// is the whale's own output bound in token-out units.
type TradeSignal struct {
	TxHash       string          `json:"tx_hash"`
	Whale        string          `json:"whale"`
	Router       string          `json:"router"`
	RouterKind   RouterKind      `json:"router_kind"`
	Function     string          `json:"function"`
	TokenIn      chain.Token     `json:"token_in"`
	TokenOut     chain.Token     `json:"token_out"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	AmountOutMin decimal.Decimal `json:"amount_out_min"`
	BlockNumber  uint64          `json:"block_number"`
	ObservedAt   time.Time       `json:"observed_at"`
}

// ErrInvalidSignal wraps ingestion validation failures.
var ErrInvalidSignal = errors.New("allocation: invalid trade signal")

// NewTradeSignal builds a signal from a decoded swap on tx.
func NewTradeSignal(tx chain.Transaction, swap chain.Swap, in, out chain.Token, block uint64, at time.Time) (TradeSignal, error) {
	var router common.Address
	if tx.To != nil {
		router = *tx.To
	}
	sig := TradeSignal{
		TxHash:       tx.Hash.Hex(),
		Whale:        strings.ToLower(tx.From.Hex()),
		Router:       strings.ToLower(router.Hex()),
		RouterKind:   ClassifyRouter(router),
		Function:     swap.Function,
		TokenIn:      in,
		TokenOut:     out,
		AmountIn:     chain.NormalizeUnits(swap.AmountIn, in.Decimals),
		AmountOutMin: chain.NormalizeUnits(swap.AmountOutMin, out.Decimals),
		BlockNumber:  block,
		ObservedAt:   at,
	}
	return sig, sig.Validate()
}

// Validate checks the fields a decision depends on.
func (s TradeSignal) Validate() error {
	switch {
	case s.Whale == "":
		return fmt.Errorf("%w: missing whale", ErrInvalidSignal)
	case s.Function == "":
		return fmt.Errorf("%w: missing function", ErrInvalidSignal)
	case s.TokenIn.Address == s.TokenOut.Address:
		return fmt.Errorf("%w: token in equals token out", ErrInvalidSignal)
	case s.AmountIn.IsNegative():
		return fmt.Errorf("%w: negative amount", ErrInvalidSignal)
	}
	return nil
}

// Advanced reports whether the call is a V3 exact-input shape.
func (s TradeSignal) Advanced() bool {
	return strings.Contains(s.Function, "exactInput")
}
