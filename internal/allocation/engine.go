// Package allocation sizes mirrored trades. Decisions are pure functions of
// their inputs.
package allocation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// WhaleSnapshot is the whale performance a decision is biased by.
type WhaleSnapshot struct {
	Score   float64
	WinRate float64
	Trades  int
}

// Biases records each multiplicative factor applied.
type Biases struct {
	Router   float64 `json:"router"`
	Function float64 `json:"function"`
	Token    float64 `json:"token"`
	Whale    float64 `json:"whale"`
}

// Decision is the outcome of sizing one trade.
type Decision struct {
	ShouldTrade bool            `json:"should_trade"`
	Size        decimal.Decimal `json:"allocation_size"`
	Confidence  float64         `json:"confidence"`
	Reason      string          `json:"reason"`
	Biases      Biases          `json:"biases"`
}

// Options tune sizing. Bias tables are looked up case-insensitively.
type Options struct {
	BaseRisk       float64
	MirrorFraction float64
	MaxAllocation  float64
	DustFloor      float64
	RouterBias     map[string]float64
	FunctionBias   map[string]float64
	TokenBias      map[string]float64
}

// DefaultRouterBias prefers V3 and discounts V2 and Sushiswap.
func DefaultRouterBias() map[string]float64 {
	return map[string]float64{
		string(RouterUniswapV2): 0.8,
		string(RouterUniswapV3): 1.2,
		string(RouterBalancer):  1.0,
		string(RouterSushiswap): 0.9,
	}
}

// DefaultFunctionBias favours exact-input V3 calls and discounts ETH-in swaps.
func DefaultFunctionBias() map[string]float64 {
	return map[string]float64{
		"exactInputSingle":         1.5,
		"exactInput":               1.2,
		"swapExactTokensForTokens": 1.0,
		"swapExactETHForTokens":    0.5,
		"swapTokensForExactTokens": 0.8,
	}
}

// DefaultTokenBias slightly favours USDC.
func DefaultTokenBias() map[string]float64 {
	return map[string]float64{"WETH": 1.0, "USDC": 1.1, "USDT": 1.0, "DAI": 1.0}
}

// Engine applies the sizing rules.
type Engine struct {
	baseRisk       decimal.Decimal
	mirrorFraction decimal.Decimal
	maxAllocation  decimal.Decimal
	dustFloor      decimal.Decimal
	routerBias     map[string]float64
	functionBias   map[string]float64
	tokenBias      map[string]float64
}

// New builds an engine; zero options take reference defaults and nil bias
// tables take the defaults above.
func New(opts Options) *Engine {
	if opts.BaseRisk <= 0 {
		opts.BaseRisk = 0.05
	}
	if opts.MirrorFraction <= 0 {
		opts.MirrorFraction = 0.1
	}
	if opts.MaxAllocation <= 0 {
		opts.MaxAllocation = 5000
	}
	if opts.DustFloor < 0 {
		opts.DustFloor = 0
	}
	if opts.RouterBias == nil {
		opts.RouterBias = DefaultRouterBias()
	}
	if opts.FunctionBias == nil {
		opts.FunctionBias = DefaultFunctionBias()
	}
	if opts.TokenBias == nil {
		opts.TokenBias = DefaultTokenBias()
	}
	return &Engine{
		baseRisk:       decimal.NewFromFloat(opts.BaseRisk),
		mirrorFraction: decimal.NewFromFloat(opts.MirrorFraction),
		maxAllocation:  decimal.NewFromFloat(opts.MaxAllocation),
		dustFloor:      decimal.NewFromFloat(opts.DustFloor),
		routerBias:     lowerKeys(opts.RouterBias),
		functionBias:   lowerKeys(opts.FunctionBias),
		tokenBias:      lowerKeys(opts.TokenBias),
	}
}

// Decide sizes a mirror of sig. whale may be nil when no score exists yet.
func (e *Engine) Decide(sig TradeSignal, whale *WhaleSnapshot, riskMultiplier float64) Decision {
	amount := sig.AmountIn
	if !amount.IsPositive() {
		return Decision{Size: decimal.Zero, Reason: "invalid trade amount"}
	}
	if amount.LessThan(e.dustFloor) {
		return Decision{Size: decimal.Zero, Reason: "trade amount below dust floor"}
	}

	biases := Biases{
		Router:   e.lookup(e.routerBias, string(sig.RouterKind)),
		Function: e.lookup(e.functionBias, sig.Function),
		Token:    (e.lookup(e.tokenBias, sig.TokenIn.Symbol) + e.lookup(e.tokenBias, sig.TokenOut.Symbol)) / 2,
		Whale:    whaleBias(whale),
	}

	size := amount.Mul(e.mirrorFraction).
		Mul(decimal.NewFromFloat(riskMultiplier)).
		Mul(e.baseRisk).
		Mul(decimal.NewFromFloat(biases.Router)).
		Mul(decimal.NewFromFloat(biases.Function)).
		Mul(decimal.NewFromFloat(biases.Token)).
		Mul(decimal.NewFromFloat(biases.Whale))
	if size.GreaterThan(e.maxAllocation) {
		size = e.maxAllocation
	}

	confidence := Confidence(amount, sig.Advanced(), whale)
	d := Decision{
		ShouldTrade: size.IsPositive() && confidence > 0.3,
		Size:        size,
		Confidence:  confidence,
		Biases:      biases,
	}
	d.Reason = reason(d)
	return d
}

func (e *Engine) lookup(table map[string]float64, key string) float64 {
	if v, ok := table[strings.ToLower(key)]; ok {
		return v
	}
	return 1.0
}

func whaleBias(w *WhaleSnapshot) float64 {
	if w == nil {
		return 1.0
	}
	switch {
	case w.Score > 100:
		return 1.5
	case w.Score > 50:
		return 1.2
	case w.Score > 0:
		return 1.0
	case w.Score > -50:
		return 0.8
	default:
		return 0.5
	}
}

// Confidence starts at 0.5 and is adjusted by trade size, call shape and
// whale score, clamped to [0,1].
func Confidence(amount decimal.Decimal, advanced bool, whale *WhaleSnapshot) float64 {
	c := 0.5
	switch {
	case amount.GreaterThan(decimal.NewFromInt(10000)):
		c += 0.2
	case amount.GreaterThan(decimal.NewFromInt(1000)):
		c += 0.1
	}
	if advanced {
		c += 0.1
	}
	if whale != nil {
		switch {
		case whale.Score > 100:
			c += 0.2
		case whale.Score > 50:
			c += 0.1
		case whale.Score < -50:
			c -= 0.2
		}
	}
	return clamp(c)
}

func reason(d Decision) string {
	if !d.ShouldTrade {
		return fmt.Sprintf("confidence %.2f too low", d.Confidence)
	}
	var factors []string
	add := func(name string, v float64) {
		if v != 1.0 {
			factors = append(factors, fmt.Sprintf("%s_bias=%.2f", name, v))
		}
	}
	add("router", d.Biases.Router)
	add("function", d.Biases.Function)
	add("token", d.Biases.Token)
	add("whale", d.Biases.Whale)

	out := fmt.Sprintf("allocation %s, confidence %.2f", d.Size.StringFixed(4), d.Confidence)
	if len(factors) > 0 {
		out += " (" + strings.Join(factors, ", ") + ")"
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func lowerKeys(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}
