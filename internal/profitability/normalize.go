package profitability

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Field fallbacks: the first key present wins. Endpoint versions disagree on
// naming so every accessor goes through one of these.
var (
	summaryROIFields    = []string{"total_realized_profit_percentage", "realized_profit_percentage", "roi_pct", "roi"}
	summaryProfitFields = []string{"total_realized_profit_usd", "realized_profit_usd", "profit_usd"}
	summaryTradeFields  = []string{"total_count_of_trades", "count_of_trades", "total_trades", "trade_count"}

	tokenSymbolFields  = []string{"symbol", "token_symbol"}
	tokenAddressFields = []string{"token_address", "address"}
	tokenProfitFields  = []string{"realized_profit_usd", "total_realized_profit_usd", "profit_usd"}
	tokenTradeFields   = []string{"count_of_trades", "total_count_of_trades", "trade_count"}
)

type normalizer struct {
	logger  zerolog.Logger
	address string
}

// summary maps a raw payload; ok is false when none of the known fields exist.
func (n normalizer) summary(raw map[string]any) (Summary, bool) {
	roi, hasROI := n.float(raw, summaryROIFields)
	profit, hasProfit := n.float(raw, summaryProfitFields)
	trades, hasTrades := n.float(raw, summaryTradeFields)
	if !hasROI && !hasProfit && !hasTrades {
		return Summary{}, false
	}
	return Summary{ROIPct: roi, ProfitUSD: profit, TradeCount: int(trades)}, true
}

func (n normalizer) token(raw map[string]any) TokenProfit {
	profit, _ := n.float(raw, tokenProfitFields)
	trades, _ := n.float(raw, tokenTradeFields)
	return TokenProfit{
		Symbol:            strings.ToUpper(strings.TrimSpace(n.str(raw, tokenSymbolFields))),
		Address:           strings.ToLower(strings.TrimSpace(n.str(raw, tokenAddressFields))),
		RealizedProfitUSD: profit,
		TradeCount:        int(trades),
	}
}

// float returns the first present field as a number. Malformed or null values
// become 0 with a warning.
func (n normalizer) float(raw map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		f, valid := toFloat(value)
		if !valid {
			n.logger.Warn().Str("address", n.address).Str("field", key).Interface("value", value).Msg("malformed numeric field, using 0")
			return 0, true
		}
		return f, true
	}
	return 0, false
}

func (n normalizer) str(raw map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func toFloat(value any) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
