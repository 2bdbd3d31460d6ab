package api

import (
	"context"
	"errors"
	"fmt"

	"whale-mirror/internal/risk"
	"whale-mirror/internal/scoring"
	"whale-mirror/internal/storage"
)

// WhaleDetails is the per-whale detail view.
type WhaleDetails struct {
	Whale   storage.WhaleRecord   `json:"whale"`
	Tokens  []storage.TokenPnL    `json:"tokens"`
	Risk    risk.Profile          `json:"risk"`
	Rolling scoring.Rolling       `json:"rolling"`
	Report  scoring.Report        `json:"report"`
	Trades  []storage.TradeRecord `json:"recent_trades"`
}

// LoadDetails assembles the detail view for address. rm may be nil.
// storage.ErrNotFound is returned unwrapped for unknown whales.
func LoadDetails(ctx context.Context, repo storage.Repository, engine *scoring.Engine, rm *risk.Manager, address string, trades int) (WhaleDetails, error) {
	addr := storage.NormalizeAddress(address)
	rec, err := repo.GetWhale(ctx, addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return WhaleDetails{}, storage.ErrNotFound
		}
		return WhaleDetails{}, fmt.Errorf("load whale: %w", err)
	}

	tokens, err := repo.GetTokenBreakdown(ctx, addr)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return WhaleDetails{}, fmt.Errorf("load tokens: %w", err)
	}
	recent, err := repo.ListTrades(ctx, addr, trades)
	if err != nil {
		return WhaleDetails{}, fmt.Errorf("load trades: %w", err)
	}

	out := WhaleDetails{
		Whale:  rec,
		Tokens: tokens,
		Trades: recent,
		Report: scoring.BuildReport(rec, tokens),
		Risk:   risk.Profile{Address: addr, Multiplier: rec.RiskMultiplier},
	}
	if engine != nil {
		out.Rolling = engine.Rolling(addr)
	}
	if rm != nil && rm.Known(addr) {
		out.Risk = rm.Profile(addr)
	}
	if out.Tokens == nil {
		out.Tokens = []storage.TokenPnL{}
	}
	if out.Trades == nil {
		out.Trades = []storage.TradeRecord{}
	}
	return out, nil
}
