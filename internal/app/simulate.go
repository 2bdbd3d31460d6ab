package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/allocation"
	"whale-mirror/internal/chain"
	"whale-mirror/internal/mirror"
	"whale-mirror/internal/scoring"
	"whale-mirror/internal/storage"
	"whale-mirror/internal/storage/memory"
)

// SimulateOptions describe a hypothetical whale swap.
type SimulateOptions struct {
	Whale    string
	Router   string
	Function string
	TokenIn  string
	TokenOut string
	Amount   decimal.Decimal
}

// SimulateTrade runs a hypothetical swap by a tracked whale through risk
// gating and sizing. The whale is copied into a scratch store so nothing is
// persisted; notifications are still sent.
func (a *App) SimulateTrade(ctx context.Context, opts SimulateOptions) error {
	if !opts.Amount.IsPositive() {
		return errors.New("amount must be greater than zero")
	}
	if !common.IsHexAddress(opts.Router) {
		return fmt.Errorf("invalid router address %q", opts.Router)
	}

	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	scratch, err := copyWhale(ctx, c.repo, opts.Whale)
	if err != nil {
		return err
	}
	engine := scoring.NewEngine(scratch, a.priceSource(c.chain), c.engine.Options(), a.Logger)
	m := mirror.New(scratch, engine, a.newAllocation(), c.risk, mirror.SimulatedExecutor{}, c.notifier, nil, a.Logger)

	resolver := chain.NewTokenResolver(c.chain, a.Logger)
	tokenIn, err := resolveToken(ctx, resolver, opts.TokenIn)
	if err != nil {
		return err
	}
	tokenOut, err := resolveToken(ctx, resolver, opts.TokenOut)
	if err != nil {
		return err
	}

	router := common.HexToAddress(opts.Router)
	sig := allocation.TradeSignal{
		TxHash:     storage.SimulatedTxHash,
		Whale:      storage.NormalizeAddress(opts.Whale),
		Router:     router.Hex(),
		RouterKind: allocation.ClassifyRouter(router),
		Function:   opts.Function,
		TokenIn:    tokenIn,
		TokenOut:   tokenOut,
		AmountIn:   opts.Amount,
		ObservedAt: time.Now().UTC(),
	}
	if err := sig.Validate(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "risk position cap %s\n", c.risk.PositionSize(sig.Whale, opts.Amount).StringFixed(6))
	out, err := m.Handle(ctx, sig)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "status %s\n", out.Status)
	if out.RiskReason != "" {
		fmt.Fprintf(os.Stdout, "risk %s\n", out.RiskReason)
	}
	d := out.Decision
	fmt.Fprintf(os.Stdout, "allocation %s, confidence %.2f, reason %s\n", d.Size.StringFixed(6), d.Confidence, d.Reason)
	return nil
}

// resolveToken accepts a well-known symbol or an ERC-20 address.
func resolveToken(ctx context.Context, resolver *chain.TokenResolver, v string) (chain.Token, error) {
	if common.IsHexAddress(v) {
		return resolver.Resolve(ctx, common.HexToAddress(v)), nil
	}
	if tok, ok := chain.KnownToken(strings.TrimSpace(v)); ok {
		return tok, nil
	}
	return chain.Token{}, fmt.Errorf("unknown token %q; pass its contract address", v)
}

// copyWhale loads a whale with its token breakdown into an in-memory store.
func copyWhale(ctx context.Context, repo storage.Repository, address string) (*memory.Store, error) {
	rec, err := repo.GetWhale(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("whale %s is not tracked", address)
	}
	if err != nil {
		return nil, err
	}
	tokens, err := repo.GetTokenBreakdown(ctx, rec.Address)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	scratch := memory.New()
	if err := scratch.SaveWhale(ctx, rec); err != nil {
		return nil, err
	}
	if rec.Discarded() {
		if err := scratch.MarkDiscarded(ctx, rec.Address, rec.DiscardReason); err != nil {
			return nil, err
		}
	}
	for _, tok := range tokens {
		if err := scratch.UpsertTokenPnL(ctx, rec.Address, tok.Symbol, tok.TokenAddress, tok.CumulativePnL, tok.TradeCount); err != nil {
			return nil, err
		}
	}
	return scratch, nil
}
