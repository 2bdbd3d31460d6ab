package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"whale-mirror/internal/scoring"
	"whale-mirror/internal/storage"
)

// RecalculateOptions select the whales to rescore.
type RecalculateOptions struct {
	OnlyDiscarded bool
}

// recalcRow is one line of the recalculate report.
type recalcRow struct {
	Address string
	Before  float64
	After   float64
	Status  string
	Reason  string
}

// Rescan clears a discard, refetches the token breakdown and recomputes
// Score v2.0, which may discard the whale again.
func (a *App) Rescan(ctx context.Context, address string) error {
	if a.Config.Moralis.APIKey == "" {
		return errors.New("moralis.api_key is required to refetch token data")
	}
	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	addr := storage.NormalizeAddress(address)
	rec, err := c.repo.GetWhale(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("whale %s is not tracked", address)
	}
	if err != nil {
		return err
	}
	if rec.Discarded() {
		if err := c.repo.ClearDiscarded(ctx, addr); err != nil {
			return fmt.Errorf("clear discard: %w", err)
		}
		a.Logger.Info().Str("address", addr).Str("previous_reason", rec.DiscardReason).Msg("discard cleared for rescan")
	}

	if err := c.validator.RefreshTokens(ctx, addr, true); err != nil {
		return err
	}
	after, err := c.repo.GetWhale(ctx, addr)
	if err != nil {
		return err
	}

	status := "active"
	if after.Discarded() {
		status = "discarded: " + after.DiscardReason
	}
	fmt.Fprintf(os.Stdout, "%s score %.2f -> %.2f (%s)\n", addr, rec.Score, after.Score, status)
	return nil
}

// Recalculate recomputes Score v2.0 for every whale with token data,
// discarding or restoring each according to the gate.
func (a *App) Recalculate(ctx context.Context, opts RecalculateOptions) error {
	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	whales, err := c.repo.ListWhales(ctx, storage.ListOptions{
		SortByScore:      true,
		IncludeDiscarded: true,
		OnlyDiscarded:    opts.OnlyDiscarded,
	})
	if err != nil {
		return err
	}

	rows, failed := recalculateAll(ctx, c.repo, c.engine, whales)
	printRecalc(os.Stdout, rows)
	if failed > 0 {
		return fmt.Errorf("%d whales could not be rescored", failed)
	}
	return nil
}

func recalculateAll(ctx context.Context, repo storage.Repository, engine *scoring.Engine, whales []storage.WhaleRecord) ([]recalcRow, int) {
	rows := make([]recalcRow, 0, len(whales))
	failed := 0
	for _, rec := range whales {
		if ctx.Err() != nil {
			break
		}
		row := recalcRow{Address: rec.Address, Before: rec.Score, After: rec.Score}

		tokens, err := repo.GetTokenBreakdown(ctx, rec.Address)
		if err != nil {
			row.Status, row.Reason = "error", err.Error()
			failed++
			rows = append(rows, row)
			continue
		}
		if !scoring.HasTokenData(tokens) {
			row.Status, row.Reason = "skipped", "no token data"
			rows = append(rows, row)
			continue
		}

		res, err := engine.Recalculate(ctx, rec.Address)
		switch {
		case err != nil:
			row.Status, row.Reason = "error", err.Error()
			failed++
		case res.Discarded && rec.Discarded():
			row.Status, row.Reason = "still discarded", res.Reason
		case res.Discarded:
			row.Status, row.Reason = "discarded", res.Reason
		case rec.Discarded():
			row.Status = "restored"
		default:
			row.Status = "active"
		}
		if err == nil {
			row.After = res.Score
		}
		rows = append(rows, row)
	}
	return rows, failed
}

func printRecalc(out io.Writer, rows []recalcRow) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "no whales to recalculate")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Address\tBefore\tAfter\tStatus\tReason")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%s\t%s\n", r.Address, r.Before, r.After, r.Status, sanitizeInline(r.Reason))
	}
	w.Flush()
}
