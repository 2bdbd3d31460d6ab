package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const defaultPoolFee = 3000

// SwapOrder is a swap to submit through a router.
type SwapOrder struct {
	Function  string
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	Recipient common.Address
	Deadline  *big.Int
	PoolFee   *big.Int

	// AmountOutMin is the minimum output; nil encodes zero.
	AmountOutMin *big.Int
}

// EncodeSwap packs router calldata for order and returns the ETH value to attach.
// V3 shapes are sent as exactInputSingle, everything else as a direct V2 path.
func EncodeSwap(order SwapOrder) ([]byte, *big.Int, error) {
	if order.AmountIn == nil || order.AmountIn.Sign() <= 0 {
		return nil, nil, fmt.Errorf("encode swap: non-positive amount")
	}
	if order.Deadline == nil {
		order.Deadline = new(big.Int)
	}
	zero := new(big.Int)
	minOut := order.AmountOutMin
	if minOut == nil {
		minOut = zero
	}
	path := []common.Address{order.TokenIn, order.TokenOut}

	switch {
	case strings.HasPrefix(order.Function, "exactInput"):
		fee := order.PoolFee
		if fee == nil {
			fee = big.NewInt(defaultPoolFee)
		}
		params := exactInputSingleParams{
			TokenIn:           order.TokenIn,
			TokenOut:          order.TokenOut,
			Fee:               fee,
			Recipient:         order.Recipient,
			Deadline:          order.Deadline,
			AmountIn:          order.AmountIn,
			AmountOutMinimum:  minOut,
			SqrtPriceLimitX96: zero,
		}
		data, err := routerABI.Pack("exactInputSingle", params)
		if err != nil {
			return nil, nil, fmt.Errorf("pack exactInputSingle: %w", err)
		}
		value := zero
		if order.TokenIn == WETHAddress {
			value = order.AmountIn
		}
		return data, value, nil
	case order.TokenIn == WETHAddress:
		data, err := routerABI.Pack("swapExactETHForTokens", minOut, path, order.Recipient, order.Deadline)
		if err != nil {
			return nil, nil, fmt.Errorf("pack swapExactETHForTokens: %w", err)
		}
		return data, order.AmountIn, nil
	default:
		data, err := routerABI.Pack("swapExactTokensForTokens", order.AmountIn, minOut, path, order.Recipient, order.Deadline)
		if err != nil {
			return nil, nil, fmt.Errorf("pack swapExactTokensForTokens: %w", err)
		}
		return data, zero, nil
	}
}

// KeySigner signs transactions with a local private key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner parses a hex private key, with or without 0x prefix.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signing account.
func (s *KeySigner) Address() common.Address {
	return s.addr
}

// Sign signs a dynamic-fee transaction for chainID.
func (s *KeySigner) Sign(tx *types.DynamicFeeTx, chainID *big.Int) (*types.Transaction, error) {
	tx.ChainID = chainID
	signed, err := types.SignNewTx(s.key, types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}
