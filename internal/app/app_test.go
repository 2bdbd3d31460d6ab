package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-mirror/internal/chain"
	"whale-mirror/internal/scoring"
	"whale-mirror/internal/storage"
	"whale-mirror/internal/storage/memory"
)

const (
	whaleA = "0x00000000000000000000000000000000000000aa"
	whaleB = "0x00000000000000000000000000000000000000bb"
	whaleC = "0x00000000000000000000000000000000000000cc"
)

func seedRepo(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, addr := range []string{whaleA, whaleB, whaleC} {
		require.NoError(t, repo.SaveWhale(ctx, storage.WhaleRecord{
			Address:            addr,
			ExternalROIPct:     40,
			ExternalProfitUSD:  12000,
			ExternalTradeCount: 25,
			CumulativePnL:      decimal.NewFromFloat(1.5),
			RiskMultiplier:     1.2,
			Score:              float64(10 * (i + 1)),
			WinRate:            0.6,
			DiscoveryMode:      "active_whale",
			BootstrapTime:      at,
			LastRefresh:        at,
		}))
	}
	require.NoError(t, repo.MarkDiscarded(ctx, whaleC, "low diversification"))
	return repo
}

func TestRecalculateAllSkipsWhalesWithoutTokens(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	engine := scoring.NewEngine(repo, chain.StaticPrice(2000), scoring.Options{}, zerolog.Nop())

	require.NoError(t, repo.UpsertTokenPnL(ctx, whaleA, storage.ProcessedSentinel, "", decimal.Zero, 0))
	for _, sym := range []string{"PEPE", "LINK", "UNI", "AAVE", "MKR"} {
		require.NoError(t, repo.UpsertTokenPnL(ctx, whaleB, sym, "", decimal.NewFromFloat(0.4), 5))
	}

	whales, err := repo.ListWhales(ctx, storage.ListOptions{SortByScore: true, IncludeDiscarded: true})
	require.NoError(t, err)

	rows, failed := recalculateAll(ctx, repo, engine, whales)
	assert.Equal(t, 0, failed)
	require.Len(t, rows, 3)

	byAddr := map[string]recalcRow{}
	for _, r := range rows {
		byAddr[r.Address] = r
	}
	assert.Equal(t, "skipped", byAddr[whaleA].Status)
	assert.Equal(t, "skipped", byAddr[whaleC].Status)
	assert.Equal(t, 30.0, byAddr[whaleC].After)

	b := byAddr[whaleB]
	assert.Contains(t, []string{"active", "discarded"}, b.Status)
	assert.Equal(t, 20.0, b.Before)
	stored, err := repo.GetWhale(ctx, whaleB)
	require.NoError(t, err)
	assert.Equal(t, stored.Score, b.After)
}

func TestRecalculateAllStopsOnCancel(t *testing.T) {
	repo := seedRepo(t)
	engine := scoring.NewEngine(repo, chain.StaticPrice(2000), scoring.Options{}, zerolog.Nop())
	whales, err := repo.ListWhales(context.Background(), storage.ListOptions{IncludeDiscarded: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rows, failed := recalculateAll(ctx, repo, engine, whales)
	assert.Empty(t, rows)
	assert.Zero(t, failed)
}

func TestPrintWhales(t *testing.T) {
	repo := seedRepo(t)
	whales, err := repo.ListWhales(context.Background(), storage.ListOptions{SortByScore: true, IncludeDiscarded: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	printWhales(&buf, whales)
	out := buf.String()
	assert.Contains(t, out, "Address")
	assert.Contains(t, out, whaleC)
	assert.Contains(t, out, "low diversification")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte(whaleC)), bytes.Index(buf.Bytes(), []byte(whaleA)))
}

func TestPrintRecalcEmpty(t *testing.T) {
	var buf bytes.Buffer
	printRecalc(&buf, nil)
	assert.Equal(t, "no whales to recalculate\n", buf.String())

	buf.Reset()
	printRecalc(&buf, []recalcRow{{Address: whaleA, Before: 1, After: 2, Status: "error", Reason: "line1\nline2"}})
	assert.Contains(t, buf.String(), "line1 line2")
}

func TestWriteWhalesCSV(t *testing.T) {
	repo := seedRepo(t)
	whales, err := repo.ListWhales(context.Background(), storage.ListOptions{SortByScore: true, IncludeDiscarded: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeWhalesCSV(&buf, whales))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "rank", records[0][0])
	assert.Equal(t, []string{"1", whaleC, "30.0000"}, records[1][:3])
	assert.Equal(t, "low diversification", records[1][len(records[1])-1])
	assert.Equal(t, "2024-05-01T12:00:00Z", records[2][12])
}

func TestRenderScoreChart(t *testing.T) {
	repo := seedRepo(t)
	whales, err := repo.ListWhales(context.Background(), storage.ListOptions{SortByScore: true, IncludeDiscarded: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, renderScoreChart(&buf, whales))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
}

func TestCopyWhale(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	require.NoError(t, repo.UpsertTokenPnL(ctx, whaleC, "PEPE", "0xpepe", decimal.NewFromInt(2), 3))

	scratch, err := copyWhale(ctx, repo, whaleC)
	require.NoError(t, err)

	rec, err := scratch.GetWhale(ctx, whaleC)
	require.NoError(t, err)
	assert.True(t, rec.Discarded())
	assert.Equal(t, "low diversification", rec.DiscardReason)

	toks, err := scratch.GetTokenBreakdown(ctx, whaleC)
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, 3, toks[0].TradeCount)

	_, err = copyWhale(ctx, repo, "0x00000000000000000000000000000000000000dd")
	assert.ErrorContains(t, err, "not tracked")
}

func TestChartHelpers(t *testing.T) {
	assert.Equal(t, "0x0000..00aa", shortAddress(whaleA))
	assert.Equal(t, "short", shortAddress("short"))
	assert.Equal(t, 60, barWidth(3))
	assert.Equal(t, 8, barWidth(500))
	assert.Equal(t, 40, barWidth(0))
}

func TestResolveToken(t *testing.T) {
	ctx := context.Background()
	resolver := chain.NewTokenResolver(nil, zerolog.Nop())

	tok, err := resolveToken(ctx, resolver, "weth")
	require.NoError(t, err)
	assert.Equal(t, chain.WETHAddress, tok.Address)

	tok, err = resolveToken(ctx, resolver, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	require.NoError(t, err)
	assert.Equal(t, "USDC", tok.Symbol)

	_, err = resolveToken(ctx, resolver, "PEPE")
	assert.ErrorContains(t, err, "unknown token")
}
