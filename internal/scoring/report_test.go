package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"whale-mirror/internal/storage"
)

func TestDiversificationScore(t *testing.T) {
	assert.Zero(t, DiversificationScore(nil))
	assert.Zero(t, DiversificationScore([]float64{-1, -2}))
	// ten equal tokens: (1-0.1)*100 + min(20, 20) capped at 100
	assert.InDelta(t, 100.0, DiversificationScore(equal(10, 1)), 1e-9)
	// two tokens 3:1 -> HHI 0.625 -> 37.5 + 4
	assert.InDelta(t, 41.5, DiversificationScore([]float64{3, 1}), 1e-9)
}

func TestConcentrationRisk(t *testing.T) {
	assert.Equal(t, 100.0, ConcentrationRisk(nil))
	assert.Equal(t, 100.0, ConcentrationRisk([]float64{-5}))
	// top 40%, top3 90%
	assert.InDelta(t, 40*0.7+90*0.3, ConcentrationRisk([]float64{1, 4, 3, 2}), 1e-9)
}

func TestRiskLevelAndRecommendationBands(t *testing.T) {
	assert.Equal(t, RiskVeryHigh, RiskLevel(81, 1.0))
	assert.Equal(t, RiskVeryHigh, RiskLevel(10, 1.5))
	assert.Equal(t, RiskHigh, RiskLevel(61, 1.0))
	assert.Equal(t, RiskMedium, RiskLevel(10, 1.15))
	assert.Equal(t, RiskLow, RiskLevel(40, 1.1))

	assert.Equal(t, RecommendExcellent, Recommendation(80))
	assert.Equal(t, RecommendGood, Recommendation(65))
	assert.Equal(t, RecommendFair, Recommendation(50))
	assert.Equal(t, RecommendPoor, Recommendation(35))
	assert.Equal(t, RecommendAvoid, Recommendation(34.9))
}

func TestBuildReportClampsAndIgnoresSentinel(t *testing.T) {
	rec := storage.WhaleRecord{Address: whale, Score: 1000, ExternalTradeCount: 600, WinRate: 1, RiskMultiplier: 1}
	toks := append(tokens(equal(10, 1)...), storage.TokenPnL{Symbol: storage.ProcessedSentinel})

	r := BuildReport(rec, toks)
	assert.Equal(t, 10, r.TokenCount)
	assert.Equal(t, 100.0, r.Suitability)
	assert.Equal(t, RecommendExcellent, r.Recommendation)
	assert.Equal(t, RiskLow, r.RiskLevel)

	empty := BuildReport(storage.WhaleRecord{Address: whale}, nil)
	assert.Zero(t, empty.Suitability)
	assert.Equal(t, RecommendAvoid, empty.Recommendation)
	assert.Equal(t, RiskVeryHigh, empty.RiskLevel)
	assert.Contains(t, empty.Reasons, "poor diversification (0 tokens)")
}
