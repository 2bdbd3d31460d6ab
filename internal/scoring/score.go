// Package scoring maintains whale scores: the rolling mirrored-trade score,
// Score v2.0 with its diversification penalty, and bootstrap seeding.
package scoring

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"whale-mirror/internal/stats"
	"whale-mirror/internal/storage"
)

// Rolling is the score derived from recent mirrored-trade PnL.
type Rolling struct {
	Trades     int     `json:"trades"`
	TotalPnL   float64 `json:"total_pnl"`
	WinRate    float64 `json:"win_rate"`
	Volatility float64 `json:"volatility"`
	Sharpe     float64 `json:"sharpe"`
	Score      float64 `json:"score"`
}

// ComputeRolling scores a PnL history. Volatility is the population standard
// deviation, or 1 with fewer than two samples.
func ComputeRolling(pnls []float64) Rolling {
	r := Rolling{Trades: len(pnls), Volatility: 1}
	if len(pnls) == 0 {
		return r
	}
	wins := 0
	for _, p := range pnls {
		r.TotalPnL += p
		if p > 0 {
			wins++
		}
	}
	r.WinRate = float64(wins) / float64(len(pnls))
	if len(pnls) >= 2 {
		r.Volatility = stats.PopulationStdDev(pnls)
	}
	if r.Volatility > 0 {
		r.Score = r.TotalPnL * r.WinRate / r.Volatility
	} else {
		r.Score = r.TotalPnL * r.WinRate
	}
	r.Sharpe = Sharpe(pnls)
	return r
}

// Sharpe is mean/stdev of the history; 0 with fewer than two samples or no dispersion.
func Sharpe(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}
	sd := stats.SampleStdDev(pnls)
	if sd == 0 {
		return 0
	}
	return stats.Mean(pnls) / sd
}

// Diversification summarises the token breakdown of a whale.
type Diversification struct {
	Factor         float64 `json:"factor"`
	Herfindahl     float64 `json:"herfindahl"`
	TokenCount     int     `json:"token_count"`
	PositiveTokens int     `json:"positive_tokens"`
}

// ComputeDiversification ignores the sentinel row. Only positive-PnL tokens
// enter the Herfindahl index; fewer than two of them yields the 0.1 floor and
// the factor never exceeds 0.6.
func ComputeDiversification(tokens []storage.TokenPnL) Diversification {
	var (
		d        Diversification
		positive []float64
		total    float64
	)
	for _, tok := range tokens {
		if tok.IsSentinel() {
			continue
		}
		d.TokenCount++
		if pnl := tok.CumulativePnL.InexactFloat64(); pnl > 0 {
			positive = append(positive, pnl)
			total += pnl
		}
	}
	d.PositiveTokens = len(positive)
	if len(positive) < 2 {
		d.Factor = 0.1
		if len(positive) == 1 {
			d.Herfindahl = 1
		}
		return d
	}
	for _, pnl := range positive {
		share := pnl / total
		d.Herfindahl += share * share
	}
	d.Factor = math.Min(1-d.Herfindahl, 0.6)
	return d
}

// V2Input carries the Score v2.0 inputs.
type V2Input struct {
	ROIPct        float64
	WinRate       float64
	TradeCount    int
	CumulativePnL float64
	Tokens        []storage.TokenPnL
}

// V2Result is a Score v2.0 evaluation.
type V2Result struct {
	BaseScore       float64         `json:"base_score"`
	Diversification Diversification `json:"diversification"`
	Score           float64         `json:"score"`
	Discarded       bool            `json:"discarded"`
	Reason          string          `json:"reason,omitempty"`
}

// ScoreV2 applies the minimum-requirements gate and the diversification
// penalty. A gated whale scores 0.
func ScoreV2(in V2Input, minTrades, minTokens int) V2Result {
	res := V2Result{
		BaseScore: 0.35*in.ROIPct +
			0.25*(in.WinRate*100) +
			0.15*math.Log(float64(in.TradeCount)+1) +
			0.15*in.CumulativePnL,
		Diversification: ComputeDiversification(in.Tokens),
	}

	switch {
	case in.TradeCount < minTrades:
		res.Discarded = true
		res.Reason = fmt.Sprintf("insufficient trades: %d < %d", in.TradeCount, minTrades)
	case res.Diversification.TokenCount < minTokens:
		res.Discarded = true
		res.Reason = fmt.Sprintf("insufficient tokens: %d < %d", res.Diversification.TokenCount, minTokens)
	}
	if res.Discarded {
		return res
	}

	res.Score = math.Max(0, res.BaseScore*(0.1+0.9*res.Diversification.Factor))
	return res
}

// Seed holds provisional values derived from the external snapshot before
// any mirrored trade. They are approximations.
type Seed struct {
	RiskMultiplier float64
	WinRate        float64
	Score          float64
	CumulativePnL  decimal.Decimal
}

// SeedFromSnapshot bands ROI into a starting multiplier and win rate and
// converts USD profit at ethUSD.
func SeedFromSnapshot(roiPct, profitUSD float64, trades int, ethUSD float64) Seed {
	s := Seed{CumulativePnL: decimal.Zero}
	switch {
	case roiPct > 50:
		s.RiskMultiplier = 1.5
	case roiPct > 20:
		s.RiskMultiplier = 1.2
	case roiPct > 0:
		s.RiskMultiplier = 1.0
	default:
		s.RiskMultiplier = 0.8
	}
	switch {
	case roiPct > 30:
		s.WinRate = 0.7
	case roiPct > 10:
		s.WinRate = 0.6
	case roiPct > 0:
		s.WinRate = 0.55
	default:
		s.WinRate = 0.4
	}
	s.Score = roiPct * math.Sqrt(float64(max(trades, 0))) / 10
	if ethUSD > 0 {
		s.CumulativePnL = decimal.NewFromFloat(profitUSD).Div(decimal.NewFromFloat(ethUSD))
	}
	return s
}
