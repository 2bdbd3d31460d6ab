// Package mirror turns whale swaps into sized, risk-gated mirror trades and
// settles their realized PnL back into scores and risk state.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/alerting"
	"whale-mirror/internal/allocation"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/metrics"
	"whale-mirror/internal/risk"
	"whale-mirror/internal/scoring"
	"whale-mirror/internal/storage"
)

// Decision statuses, also used as metric labels.
const (
	StatusExecuted  = "executed"
	StatusSimulated = "simulated"
	StatusBlocked   = "blocked"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	StatusIgnored   = "ignored"
)

// Outcome describes what happened to one trade signal.
type Outcome struct {
	Signal     allocation.TradeSignal `json:"signal"`
	Status     string                 `json:"status"`
	Decision   allocation.Decision    `json:"decision"`
	RiskReason string                 `json:"risk_reason,omitempty"`
	TxHash     string                 `json:"tx_hash,omitempty"`
	Trade      *storage.TradeRecord   `json:"trade,omitempty"`
}

// Settlement is the outcome of feeding a realized PnL back.
type Settlement struct {
	Address        string             `json:"address"`
	Score          scoring.Settlement `json:"score"`
	RiskMultiplier float64            `json:"risk_multiplier"`
	Discarded      bool               `json:"discarded"`
}

// Mirror owns the per-trade decision flow.
type Mirror struct {
	repo     storage.Repository
	engine   *scoring.Engine
	alloc    *allocation.Engine
	risk     *risk.Manager
	executor Executor
	notifier alerting.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// New wires a mirror. notifier and m may be nil.
func New(repo storage.Repository, engine *scoring.Engine, alloc *allocation.Engine, rm *risk.Manager,
	executor Executor, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Mirror {
	if executor == nil {
		executor = SimulatedExecutor{}
	}
	return &Mirror{
		repo:     repo,
		engine:   engine,
		alloc:    alloc,
		risk:     rm,
		executor: executor,
		notifier: notifier,
		metrics:  m,
		logger:   logging.Component(logger, "mirror"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle runs one signal through risk gating, sizing and execution. Only
// storage and execution failures are returned; every other path is an Outcome.
func (m *Mirror) Handle(ctx context.Context, sig allocation.TradeSignal) (Outcome, error) {
	out := Outcome{Signal: sig}
	log := m.logger.With().Str("whale", sig.Whale).Str("tx", sig.TxHash).Str("function", sig.Function).Logger()

	rec, err := m.repo.GetWhale(ctx, sig.Whale)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		out.Status = StatusIgnored
		return m.done(out), nil
	case err != nil:
		out.Status = StatusFailed
		m.done(out)
		return out, fmt.Errorf("load whale: %w", err)
	case rec.Discarded():
		out.Status = StatusIgnored
		log.Debug().Msg("signal from discarded whale ignored")
		return m.done(out), nil
	}

	m.ensureRisk(rec)
	ok, reason := m.risk.ShouldExecute(sig.Whale, sig.AmountIn)
	if !ok {
		out.Status = StatusBlocked
		out.RiskReason = reason
		log.Warn().Str("reason", reason).Msg("mirror trade blocked by risk limits")
		m.notify(ctx, alerting.Notification{
			Kind: alerting.KindTradeBlocked, Whale: sig.Whale, Mode: rec.DiscoveryMode,
			TokenIn: sig.TokenIn.Symbol, TokenOut: sig.TokenOut.Symbol, AmountIn: sig.AmountIn, Reason: reason,
		})
		return m.done(out), nil
	}

	multiplier := m.risk.Multiplier(sig.Whale)
	out.Decision = m.alloc.Decide(sig, &allocation.WhaleSnapshot{
		Score:   rec.Score,
		WinRate: rec.WinRate,
		Trades:  rec.ExternalTradeCount + rec.MirroredTradeCount,
	}, multiplier)
	if !out.Decision.ShouldTrade {
		out.Status = StatusSkipped
		log.Info().Str("reason", out.Decision.Reason).Msg("mirror trade skipped")
		return m.done(out), nil
	}

	exec, err := m.executor.Execute(ctx, sig, out.Decision.Size)
	if err != nil {
		out.Status = StatusFailed
		out.TxHash = exec.TxHash
		m.done(out)
		return out, fmt.Errorf("execute mirror trade: %w", err)
	}
	out.TxHash = exec.TxHash
	out.Status = StatusExecuted
	if exec.Simulated {
		out.Status = StatusSimulated
	}

	trade, err := m.repo.AppendTrade(ctx, storage.TradeRecord{
		Timestamp:      m.now(),
		WhaleAddress:   sig.Whale,
		Router:         sig.Router,
		TokenIn:        sig.TokenIn.Symbol,
		TokenOut:       sig.TokenOut.Symbol,
		AmountIn:       sig.AmountIn,
		Allocation:     out.Decision.Size,
		PnL:            decimal.Zero,
		CumulativePnL:  rec.CumulativePnL,
		RiskMultiplier: multiplier,
		Mode:           rec.DiscoveryMode,
		TxHash:         exec.TxHash,
	})
	if err != nil {
		m.done(out)
		return out, fmt.Errorf("append trade: %w", err)
	}
	out.Trade = &trade

	size := out.Decision.Size
	if err := m.repo.UpdateWhale(ctx, sig.Whale, storage.WhaleUpdate{AllocationSize: &size}); err != nil {
		log.Warn().Err(err).Msg("persist allocation size")
	}

	log.Info().
		Str("status", out.Status).
		Str("allocation", size.String()).
		Float64("confidence", out.Decision.Confidence).
		Float64("risk_multiplier", multiplier).
		Msg("mirror trade recorded")
	m.notify(ctx, alerting.Notification{
		Kind: alerting.KindTradeMirrored, Whale: sig.Whale, Mode: rec.DiscoveryMode, Score: rec.Score,
		TokenIn: sig.TokenIn.Symbol, TokenOut: sig.TokenOut.Symbol, AmountIn: sig.AmountIn,
		Allocation: size, Confidence: out.Decision.Confidence, TxHash: exec.TxHash, Simulated: exec.Simulated,
	})
	return m.done(out), nil
}

// Settle feeds a realized PnL (ETH) for whale into the score engine and the
// risk manager and persists the new multiplier.
func (m *Mirror) Settle(ctx context.Context, whale string, pnl float64) (Settlement, error) {
	addr := storage.NormalizeAddress(whale)
	prior, err := m.repo.GetWhale(ctx, addr)
	if err != nil {
		return Settlement{}, fmt.Errorf("load whale: %w", err)
	}

	m.ensureRisk(prior)
	scored, err := m.engine.Settle(ctx, addr, pnl)
	if err != nil {
		return Settlement{}, fmt.Errorf("settle score: %w", err)
	}
	mult := m.risk.UpdatePnL(addr, decimal.NewFromFloat(pnl))
	if err := m.repo.UpdateWhale(ctx, addr, storage.WhaleUpdate{RiskMultiplier: &mult}); err != nil {
		return Settlement{}, fmt.Errorf("persist risk multiplier: %w", err)
	}

	out := Settlement{Address: addr, Score: scored, RiskMultiplier: mult}
	if scored.V2 != nil && scored.V2.Discarded {
		out.Discarded = true
		if !prior.Discarded() {
			m.notify(ctx, alerting.Notification{
				Kind: alerting.KindWhaleDiscarded, Whale: addr, Mode: prior.DiscoveryMode,
				Score: scored.Score, Reason: scored.V2.Reason,
			})
		}
	}
	m.logger.Info().
		Str("whale", addr).
		Float64("pnl", pnl).
		Float64("score", scored.Score).
		Float64("risk_multiplier", mult).
		Msg("trade settled")
	return out, nil
}

// RestoreRisk seeds the risk manager with persisted multipliers. Cumulative
// PnL restarts at zero because the stored value includes the bootstrap
// estimate. Discarded whales are skipped.
func (m *Mirror) RestoreRisk(ctx context.Context) (int, error) {
	whales, err := m.repo.ListWhales(ctx, storage.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("list whales: %w", err)
	}
	for _, w := range whales {
		m.risk.Seed(w.Address, decimal.Zero, w.RiskMultiplier)
	}
	return len(whales), nil
}

// ensureRisk starts an unknown whale at its persisted multiplier.
func (m *Mirror) ensureRisk(rec storage.WhaleRecord) {
	if !m.risk.Known(rec.Address) && rec.RiskMultiplier > 0 {
		m.risk.Seed(rec.Address, decimal.Zero, rec.RiskMultiplier)
	}
}

func (m *Mirror) done(out Outcome) Outcome {
	m.metrics.ObserveDecision(out.Status)
	return out
}

func (m *Mirror) notify(ctx context.Context, note alerting.Notification) {
	if m.notifier == nil {
		return
	}
	note.Time = m.now()
	if err := m.notifier.Notify(ctx, note); err != nil {
		m.logger.Warn().Err(err).Str("kind", note.Kind).Msg("notification failed")
	}
}
