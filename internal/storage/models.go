package storage

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProcessedSentinel marks a token refresh that found nothing material. It is
// never an analytic token.
const ProcessedSentinel = "PROCESSED"

// SimulatedTxHash is recorded for trades that were not submitted.
const SimulatedTxHash = "SIMULATED"

// WhaleRecord is a tracked address.
type WhaleRecord struct {
	Address            string          `json:"address"`
	ExternalROIPct     float64         `json:"external_roi_pct"`
	ExternalProfitUSD  float64         `json:"external_profit_usd"`
	ExternalTradeCount int             `json:"external_trade_count"`
	CumulativePnL      decimal.Decimal `json:"cumulative_pnl"`
	RiskMultiplier     float64         `json:"risk_multiplier"`
	AllocationSize     decimal.Decimal `json:"allocation_size"`
	Score              float64         `json:"score"`
	WinRate            float64         `json:"win_rate"`
	MirroredTradeCount int             `json:"mirrored_trade_count"`
	DiscoveryMode      string          `json:"discovery_mode"`
	BootstrapTime      time.Time       `json:"bootstrap_time"`
	LastRefresh        time.Time       `json:"last_refresh"`
	DiscardedAt        *time.Time      `json:"discarded_at,omitempty"`
	DiscardReason      string          `json:"discard_reason,omitempty"`
}

// Discarded reports whether the whale is excluded from active listings.
func (w WhaleRecord) Discarded() bool {
	return w.DiscardedAt != nil
}

// TokenPnL accumulates per-token results for one whale.
type TokenPnL struct {
	WhaleAddress  string          `json:"whale_address"`
	Symbol        string          `json:"token_symbol"`
	TokenAddress  string          `json:"token_address,omitempty"`
	CumulativePnL decimal.Decimal `json:"cumulative_pnl"`
	TradeCount    int             `json:"trade_count"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// IsSentinel reports whether the row is the processed marker.
func (t TokenPnL) IsSentinel() bool {
	return t.Symbol == ProcessedSentinel
}

// TradeRecord is one mirrored-trade attempt.
type TradeRecord struct {
	ID             int64           `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	WhaleAddress   string          `json:"whale_address"`
	Router         string          `json:"router"`
	TokenIn        string          `json:"token_in"`
	TokenOut       string          `json:"token_out"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	Allocation     decimal.Decimal `json:"allocation"`
	PnL            decimal.Decimal `json:"pnl"`
	CumulativePnL  decimal.Decimal `json:"cumulative_pnl"`
	RiskMultiplier float64         `json:"risk_multiplier"`
	Mode           string          `json:"mode"`
	TxHash         string          `json:"tx_hash"`
}

// WhaleUpdate is a partial update; nil fields are left unchanged. LastRefresh
// is always bumped.
type WhaleUpdate struct {
	ExternalROIPct     *float64
	ExternalProfitUSD  *float64
	ExternalTradeCount *int
	CumulativePnL      *decimal.Decimal
	RiskMultiplier     *float64
	AllocationSize     *decimal.Decimal
	Score              *float64
	WinRate            *float64
	MirroredTradeCount *int
}

// Empty reports whether the update changes nothing besides LastRefresh.
func (u WhaleUpdate) Empty() bool {
	return u.ExternalROIPct == nil && u.ExternalProfitUSD == nil && u.ExternalTradeCount == nil &&
		u.CumulativePnL == nil && u.RiskMultiplier == nil && u.AllocationSize == nil &&
		u.Score == nil && u.WinRate == nil && u.MirroredTradeCount == nil
}

// ListOptions filter whale listings.
type ListOptions struct {
	SortByScore      bool
	IncludeDiscarded bool
	OnlyDiscarded    bool
	Limit            int
}

// NormalizeAddress returns the canonical lower-case hex form.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
