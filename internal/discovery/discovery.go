// Package discovery finds whale candidates from router traffic.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/chain"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/market"
	"whale-mirror/internal/sampler"
)

// AdaptiveMode names the percentile discovery unit in round summaries.
const AdaptiveMode = "adaptive"

// Candidate is an address that met a mode's activity thresholds.
type Candidate struct {
	Address      string          `json:"address"`
	TradeCount   int             `json:"trade_count"`
	ETHVolume    decimal.Decimal `json:"eth_volume"`
	Mode         string          `json:"mode"`
	DiscoveredAt time.Time       `json:"discovered_at"`
}

// Profile is a named fixed-threshold discovery mode.
type Profile struct {
	Name              string
	BlocksBack        uint64
	MinTrades         int
	MinPnL            float64
	ProfitWindowHours int
	MinROI            float64
}

// Result is the outcome of one discovery pass.
type Result struct {
	Mode              string             `json:"mode"`
	Candidates        []Candidate        `json:"candidates"`
	ActivityThreshold float64            `json:"activity_threshold"`
	ProfitThreshold   float64            `json:"profit_threshold"`
	TotalAddresses    int                `json:"total_addresses"`
	BlocksProcessed   int                `json:"blocks_processed"`
	BlocksFailed      int                `json:"blocks_failed"`
	Conditions        *market.Conditions `json:"market_conditions,omitempty"`
}

// Fixed applies a profile's absolute thresholds to a stride-1 scan.
type Fixed struct {
	reader  chain.Reader
	sampler *sampler.Sampler
	routers sampler.RouterSet
	logger  zerolog.Logger
	now     func() time.Time
}

// NewFixed constructs fixed-threshold discovery over reader.
func NewFixed(reader chain.Reader, routers sampler.RouterSet, logger zerolog.Logger) *Fixed {
	return &Fixed{
		reader:  reader,
		sampler: sampler.New(reader, logger),
		routers: routers,
		logger:  logging.Component(logger, "fixed_discovery"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Discover scans [head-BlocksBack, head] and keeps addresses with
// trade_count >= MinTrades and eth_volume >= MinPnL. A cancelled context
// returns the partial result together with the context error.
func (f *Fixed) Discover(ctx context.Context, p Profile) (Result, error) {
	res := Result{Mode: p.Name, Candidates: []Candidate{}, ActivityThreshold: float64(p.MinTrades), ProfitThreshold: p.MinPnL}

	head, err := f.reader.CurrentHeight(ctx)
	if err != nil {
		return res, fmt.Errorf("current height: %w", err)
	}
	start, end := sampler.Range(head, p.BlocksBack)
	sample, err := f.sampler.Sample(ctx, start, end, f.routers, 1)
	res.TotalAddresses = len(sample.Stats)
	res.BlocksProcessed = sample.BlocksProcessed
	res.BlocksFailed = sample.BlocksFailed

	minPnL := decimal.NewFromFloat(p.MinPnL)
	res.Candidates = filter(sample.Stats, p.Name, f.now(), func(s *sampler.AddressStats) bool {
		return s.TradeCount >= p.MinTrades && s.ETHVolume.GreaterThanOrEqual(minPnL)
	})

	f.logger.Info().
		Str("mode", p.Name).
		Uint64("start", start).
		Uint64("end", end).
		Int("min_trades", p.MinTrades).
		Float64("min_pnl", p.MinPnL).
		Int("addresses", res.TotalAddresses).
		Int("candidates", len(res.Candidates)).
		Msg("fixed discovery complete")
	return res, err
}

// filter returns matching addresses ordered by trade count then volume, both
// descending, then address.
func filter(stats map[string]*sampler.AddressStats, mode string, at time.Time, keep func(*sampler.AddressStats) bool) []Candidate {
	out := []Candidate{}
	for addr, s := range stats {
		if !keep(s) {
			continue
		}
		out = append(out, Candidate{Address: addr, TradeCount: s.TradeCount, ETHVolume: s.ETHVolume, Mode: mode, DiscoveredAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TradeCount != out[j].TradeCount {
			return out[i].TradeCount > out[j].TradeCount
		}
		if c := out[i].ETHVolume.Cmp(out[j].ETHVolume); c != 0 {
			return c > 0
		}
		return out[i].Address < out[j].Address
	})
	return out
}
