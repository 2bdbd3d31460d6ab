package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"whale-mirror/internal/storage"
)

// Settle feeds a realized PnL (ETH) for a whale back into scores and risk.
func (a *App) Settle(ctx context.Context, address string, pnl float64) error {
	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.mirror.Settle(ctx, address, pnl)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s settled %+.6f ETH: score %.2f, win rate %.2f, risk multiplier %.2f\n",
		res.Address, pnl, res.Score.Score, res.Score.Rolling.WinRate, res.RiskMultiplier)
	if res.Discarded && res.Score.V2 != nil {
		fmt.Fprintf(os.Stdout, "%s discarded: %s\n", res.Address, res.Score.V2.Reason)
	}
	return nil
}

// Risk prints the configured limits and the persisted risk state.
func (a *App) Risk(ctx context.Context) error {
	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.mirror.RestoreRisk(ctx); err != nil {
		return err
	}
	snap := c.risk.Metrics()
	fmt.Fprintf(os.Stdout, "limits: %s\n", snap.Limits)
	fmt.Fprintf(os.Stdout, "tracked whales %d, average multiplier %.3f\n", snap.TrackedWhales, snap.AverageMultiplier)

	profiles := c.risk.Profiles()
	if len(profiles) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Address\tMultiplier\tPositionLimit")
	for _, p := range profiles {
		fmt.Fprintf(w, "%s\t%.3f\t%.2f\n", storage.NormalizeAddress(p.Address), p.Multiplier, p.PositionLimit)
	}
	return w.Flush()
}
