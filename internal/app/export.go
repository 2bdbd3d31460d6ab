package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"whale-mirror/internal/storage"
)

// ExportOptions control the ranking export.
type ExportOptions struct {
	CSVPath          string
	PNGPath          string
	Limit            int
	IncludeDiscarded bool
}

// Export writes the whale ranking as CSV and/or a PNG bar chart of scores.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	opts.Limit = a.Config.ResolveMaxRows(opts.Limit)

	repo, _, closeRepo, err := a.openRepository(ctx, true)
	if err != nil {
		return err
	}
	defer closeRepo()

	whales, err := repo.ListWhales(ctx, storage.ListOptions{
		SortByScore:      true,
		IncludeDiscarded: opts.IncludeDiscarded,
		Limit:            opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(whales) == 0 {
		a.Logger.Info().Msg("no whales to export")
		return nil
	}
	a.Logger.Info().Int("whales", len(whales)).Msg("exporting ranking")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeWhalesCSV(w, whales) }); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return renderScoreChart(w, whales) }); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func writeWhalesCSV(out io.Writer, whales []storage.WhaleRecord) error {
	writer := csv.NewWriter(out)
	header := []string{
		"rank", "address", "score", "win_rate", "external_roi_pct", "external_profit_usd",
		"external_trade_count", "mirrored_trade_count", "cumulative_pnl_eth", "risk_multiplier",
		"allocation_size", "discovery_mode", "bootstrap_time", "last_refresh", "discard_reason",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for i, w := range whales {
		record := []string{
			strconv.Itoa(i + 1),
			w.Address,
			formatFloat(w.Score, 4),
			formatFloat(w.WinRate, 4),
			formatFloat(w.ExternalROIPct, 2),
			formatFloat(w.ExternalProfitUSD, 2),
			strconv.Itoa(w.ExternalTradeCount),
			strconv.Itoa(w.MirroredTradeCount),
			w.CumulativePnL.String(),
			formatFloat(w.RiskMultiplier, 4),
			w.AllocationSize.String(),
			w.DiscoveryMode,
			w.BootstrapTime.UTC().Format(time.RFC3339),
			w.LastRefresh.UTC().Format(time.RFC3339),
			w.DiscardReason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func renderScoreChart(out io.Writer, whales []storage.WhaleRecord) error {
	bars := make([]chart.Value, 0, len(whales))
	for _, w := range whales {
		bars = append(bars, chart.Value{Label: shortAddress(w.Address), Value: w.Score})
	}

	graph := chart.BarChart{
		Title:    "Whale score",
		Width:    1280,
		Height:   720,
		BarWidth: barWidth(len(bars)),
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		Bars: bars,
	}
	return graph.Render(chart.PNG, out)
}

func barWidth(n int) int {
	if n <= 0 {
		return 40
	}
	w := 1100 / n
	switch {
	case w > 60:
		return 60
	case w < 8:
		return 8
	}
	return w
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + ".." + addr[len(addr)-4:]
}

func formatFloat(v float64, places int) string {
	return strconv.FormatFloat(v, 'f', places, 64)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
