package scoring

import (
	"fmt"
	"math"
	"sort"

	"whale-mirror/internal/stats"
	"whale-mirror/internal/storage"
)

// Risk levels.
const (
	RiskVeryHigh = "VERY HIGH"
	RiskHigh     = "HIGH"
	RiskMedium   = "MEDIUM"
	RiskLow      = "LOW"
)

// Recommendations.
const (
	RecommendExcellent = "EXCELLENT"
	RecommendGood      = "GOOD"
	RecommendFair      = "FAIR"
	RecommendPoor      = "POOR"
	RecommendAvoid     = "AVOID"
)

// Report rates a whale for copy trading.
type Report struct {
	Address              string   `json:"address"`
	ScoreV2              float64  `json:"score_v2"`
	TradeCount           int      `json:"trade_count"`
	TokenCount           int      `json:"token_count"`
	WinRate              float64  `json:"win_rate"`
	ROIPct               float64  `json:"roi_pct"`
	RiskMultiplier       float64  `json:"risk_multiplier"`
	DiversificationScore float64  `json:"diversification_score"`
	ConcentrationRisk    float64  `json:"concentration_risk"`
	Suitability          float64  `json:"suitability"`
	RiskLevel            string   `json:"risk_level"`
	Recommendation       string   `json:"recommendation"`
	Reasons              []string `json:"reasons"`
}

// BuildReport derives the suitability report from a record and its tokens.
func BuildReport(rec storage.WhaleRecord, tokens []storage.TokenPnL) Report {
	pnls := tokenPnLs(tokens)
	r := Report{
		Address:              rec.Address,
		ScoreV2:              rec.Score,
		TradeCount:           rec.ExternalTradeCount + rec.MirroredTradeCount,
		TokenCount:           len(pnls),
		WinRate:              rec.WinRate,
		ROIPct:               rec.ExternalROIPct,
		RiskMultiplier:       rec.RiskMultiplier,
		DiversificationScore: DiversificationScore(pnls),
		ConcentrationRisk:    ConcentrationRisk(pnls),
	}
	r.Suitability = stats.Clamp(
		math.Min(r.ScoreV2/5, 100)+
			0.3*r.DiversificationScore+
			math.Min(float64(r.TradeCount)/25, 20)+
			15*r.WinRate-
			0.25*r.ConcentrationRisk+
			math.Min(float64(r.TokenCount)/2, 10),
		0, 100)
	r.RiskLevel = RiskLevel(r.ConcentrationRisk, r.RiskMultiplier)
	r.Recommendation = Recommendation(r.Suitability)
	r.Reasons = reasons(r)
	return r
}

func tokenPnLs(tokens []storage.TokenPnL) []float64 {
	out := make([]float64, 0, len(tokens))
	for _, tok := range tokens {
		if tok.IsSentinel() {
			continue
		}
		out = append(out, tok.CumulativePnL.InexactFloat64())
	}
	return out
}

// DiversificationScore is (1-HHI)*100 over profitable tokens plus a token
// count bonus, in [0,100].
func DiversificationScore(pnls []float64) float64 {
	if len(pnls) == 0 {
		return 0
	}
	total := 0.0
	for _, p := range pnls {
		total += p
	}
	if total <= 0 {
		return 0
	}
	hhi := 0.0
	for _, p := range pnls {
		if p > 0 {
			w := p / total
			hhi += w * w
		}
	}
	bonus := math.Min(float64(2*len(pnls)), 20)
	return math.Min((1-hhi)*100+bonus, 100)
}

// ConcentrationRisk weighs the top token and top three tokens' share of total
// PnL, in [0,100]. No tokens or a non-positive total is maximal risk.
func ConcentrationRisk(pnls []float64) float64 {
	if len(pnls) == 0 {
		return 100
	}
	total := 0.0
	for _, p := range pnls {
		total += p
	}
	if total <= 0 {
		return 100
	}
	sorted := append([]float64(nil), pnls...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	top3 := 0.0
	for i := 0; i < len(sorted) && i < 3; i++ {
		top3 += sorted[i]
	}
	risk := sorted[0]/total*100*0.7 + top3/total*100*0.3
	return math.Min(risk, 100)
}

// RiskLevel bands concentration and risk multiplier.
func RiskLevel(concentration, multiplier float64) string {
	switch {
	case concentration > 80 || multiplier > 1.4:
		return RiskVeryHigh
	case concentration > 60 || multiplier > 1.2:
		return RiskHigh
	case concentration > 40 || multiplier > 1.1:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Recommendation bands the suitability score.
func Recommendation(suitability float64) string {
	switch {
	case suitability >= 80:
		return RecommendExcellent
	case suitability >= 65:
		return RecommendGood
	case suitability >= 50:
		return RecommendFair
	case suitability >= 35:
		return RecommendPoor
	default:
		return RecommendAvoid
	}
}

func reasons(r Report) []string {
	var out []string
	switch {
	case r.TradeCount >= 300:
		out = append(out, fmt.Sprintf("high trade volume (%d trades)", r.TradeCount))
	case r.TradeCount >= 200:
		out = append(out, fmt.Sprintf("good trade volume (%d trades)", r.TradeCount))
	case r.TradeCount < 100:
		out = append(out, fmt.Sprintf("low trade volume (%d trades)", r.TradeCount))
	}
	switch {
	case r.TokenCount >= 15:
		out = append(out, fmt.Sprintf("excellent diversification (%d tokens)", r.TokenCount))
	case r.TokenCount >= 10:
		out = append(out, fmt.Sprintf("good diversification (%d tokens)", r.TokenCount))
	case r.TokenCount < 5:
		out = append(out, fmt.Sprintf("poor diversification (%d tokens)", r.TokenCount))
	}
	switch {
	case r.DiversificationScore >= 70:
		out = append(out, "well-balanced token allocation")
	case r.DiversificationScore < 30:
		out = append(out, "highly concentrated in few tokens")
	}
	switch {
	case r.ConcentrationRisk > 80:
		out = append(out, "very high concentration risk")
	case r.ConcentrationRisk > 60:
		out = append(out, "high concentration risk")
	}
	switch {
	case r.WinRate >= 0.7:
		out = append(out, fmt.Sprintf("high win rate (%.1f%%)", r.WinRate*100))
	case r.WinRate < 0.5:
		out = append(out, fmt.Sprintf("low win rate (%.1f%%)", r.WinRate*100))
	}
	switch {
	case r.ROIPct >= 100:
		out = append(out, fmt.Sprintf("excellent ROI (%.1f%%)", r.ROIPct))
	case r.ROIPct >= 50:
		out = append(out, fmt.Sprintf("good ROI (%.1f%%)", r.ROIPct))
	case r.ROIPct < 0:
		out = append(out, fmt.Sprintf("negative ROI (%.1f%%)", r.ROIPct))
	}
	switch {
	case r.RiskMultiplier > 1.3:
		out = append(out, fmt.Sprintf("high risk multiplier (%.2f)", r.RiskMultiplier))
	case r.RiskMultiplier < 1.1:
		out = append(out, fmt.Sprintf("conservative risk (%.2f)", r.RiskMultiplier))
	}
	return out
}
