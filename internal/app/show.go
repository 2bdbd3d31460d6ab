package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"whale-mirror/internal/api"
	"whale-mirror/internal/storage"
)

// ShowOptions configure the ranking listings.
type ShowOptions struct {
	Limit            int
	IncludeDiscarded bool
	JSON             bool
}

// Top prints the whale ranking, best score first.
func (a *App) Top(ctx context.Context, opts ShowOptions) error {
	return a.listWhales(ctx, storage.ListOptions{
		SortByScore:      true,
		IncludeDiscarded: opts.IncludeDiscarded,
		Limit:            opts.Limit,
	}, opts.JSON)
}

// Discarded prints whales excluded by the Score v2.0 gate with their reasons.
func (a *App) Discarded(ctx context.Context, opts ShowOptions) error {
	return a.listWhales(ctx, storage.ListOptions{SortByScore: true, OnlyDiscarded: true, Limit: opts.Limit}, opts.JSON)
}

func (a *App) listWhales(ctx context.Context, opts storage.ListOptions, asJSON bool) error {
	repo, _, closeRepo, err := a.openRepository(ctx, true)
	if err != nil {
		return err
	}
	defer closeRepo()

	whales, err := repo.ListWhales(ctx, opts)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(os.Stdout, whales)
	}
	if len(whales) == 0 {
		fmt.Fprintln(os.Stdout, "no whales found")
		return nil
	}
	printWhales(os.Stdout, whales)
	return nil
}

func printWhales(out io.Writer, whales []storage.WhaleRecord) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tAddress\tScore\tWinRate\tROI%\tTrades\tMirrored\tRiskMult\tCumPnL\tMode\tDiscarded")
	for i, rec := range whales {
		discarded := ""
		if rec.Discarded() {
			discarded = sanitizeInline(rec.DiscardReason)
		}
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%.2f\t%.2f\t%d\t%d\t%.2f\t%s\t%s\t%s\n",
			i+1, rec.Address, rec.Score, rec.WinRate, rec.ExternalROIPct,
			rec.ExternalTradeCount, rec.MirroredTradeCount, rec.RiskMultiplier,
			rec.CumulativePnL.StringFixed(4), rec.DiscoveryMode, discarded)
	}
	w.Flush()
}

// Details prints the detail view and suitability report of one whale.
func (a *App) Details(ctx context.Context, address string, asJSON bool) error {
	repo, _, closeRepo, err := a.openRepository(ctx, true)
	if err != nil {
		return err
	}
	defer closeRepo()

	d, err := api.LoadDetails(ctx, repo, nil, nil, address, 10)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("whale %s is not tracked", address)
	}
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(os.Stdout, d)
	}
	printDetails(os.Stdout, d)
	return nil
}

func printDetails(out io.Writer, d api.WhaleDetails) {
	rec, rep := d.Whale, d.Report
	fmt.Fprintf(out, "Whale %s\n", rec.Address)
	fmt.Fprintf(out, "  mode %s, bootstrapped %s, refreshed %s\n",
		rec.DiscoveryMode, rec.BootstrapTime.Format(time.RFC3339), rec.LastRefresh.Format(time.RFC3339))
	if rec.Discarded() {
		fmt.Fprintf(out, "  DISCARDED %s: %s\n", rec.DiscardedAt.Format(time.RFC3339), rec.DiscardReason)
	}
	fmt.Fprintf(out, "  score %.2f, win rate %.2f, cumulative pnl %s ETH, risk multiplier %.2f\n",
		rec.Score, rec.WinRate, rec.CumulativePnL.StringFixed(4), d.Risk.Multiplier)
	fmt.Fprintf(out, "  external roi %.2f%%, profit $%.2f, trades %d; mirrored trades %d\n",
		rec.ExternalROIPct, rec.ExternalProfitUSD, rec.ExternalTradeCount, rec.MirroredTradeCount)

	fmt.Fprintf(out, "\nSuitability %.1f/100 -> %s (risk %s)\n", rep.Suitability, rep.Recommendation, rep.RiskLevel)
	fmt.Fprintf(out, "  diversification %.1f, concentration %.1f%%, tokens %d\n",
		rep.DiversificationScore, rep.ConcentrationRisk, rep.TokenCount)
	for _, r := range rep.Reasons {
		fmt.Fprintf(out, "  - %s\n", r)
	}

	if len(d.Tokens) > 0 {
		fmt.Fprintln(out, "\nTokens")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  Symbol\tPnL (ETH)\tTrades\tUpdated")
		for _, tok := range d.Tokens {
			fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n", tok.Symbol, tok.CumulativePnL.StringFixed(4), tok.TradeCount, tok.LastUpdated.Format(time.RFC3339))
		}
		w.Flush()
	}

	if len(d.Trades) > 0 {
		fmt.Fprintln(out, "\nRecent mirrored trades")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  Time\tIn\tOut\tAmount\tAllocation\tMult\tTx")
		for _, t := range d.Trades {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%.2f\t%s\n", t.Timestamp.Format(time.RFC3339), t.TokenIn, t.TokenOut,
				t.AmountIn.StringFixed(4), t.Allocation.StringFixed(4), t.RiskMultiplier, t.TxHash)
		}
		w.Flush()
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	return strings.ReplaceAll(cleaned, "\r", " ")
}
