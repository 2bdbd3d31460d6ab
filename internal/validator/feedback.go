package validator

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Thresholds are the validator minimums feedback suggestions adjust.
type Thresholds struct {
	MinROIPct    float64 `json:"min_roi_pct"`
	MinProfitUSD float64 `json:"min_profit_usd"`
	MinTrades    int     `json:"min_trades"`
}

// Outcome is one recorded verdict. TradeCount and ETHVolume are the
// on-chain activity that surfaced the candidate; Minimums are the thresholds
// its mode validated against.
type Outcome struct {
	Address    string     `json:"address"`
	Mode       string     `json:"mode"`
	Accepted   bool       `json:"accepted"`
	Reason     string     `json:"reason"`
	TradeCount int        `json:"trade_count,omitempty"`
	ETHVolume  float64    `json:"eth_volume,omitempty"`
	Minimums   Thresholds `json:"minimums"`
	At         time.Time  `json:"at"`
}

// Suggestion proposes a new value for one threshold.
type Suggestion struct {
	Parameter string  `json:"parameter"`
	Current   float64 `json:"current"`
	Suggested float64 `json:"suggested"`
	Direction string  `json:"direction"`
	Reason    string  `json:"reason"`
}

// Analysis summarises outcomes over the trailing window.
type Analysis struct {
	Mode           string         `json:"mode,omitempty"`
	Total          int            `json:"total"`
	Accepted       int            `json:"accepted"`
	Rejected       int            `json:"rejected"`
	AcceptanceRate float64        `json:"acceptance_rate"`
	ReasonCounts   map[string]int `json:"reason_counts"`
	DominantReason string         `json:"dominant_reason,omitempty"`
	Confident      bool           `json:"confident"`
	Confidence     float64        `json:"confidence"`
	Minimums       Thresholds     `json:"minimums"`
	AvgTradeCount  float64        `json:"avg_trade_count"`
	AvgETHVolume   float64        `json:"avg_eth_volume"`
	Suggestions    []Suggestion   `json:"suggestions,omitempty"`
}

// FeedbackOptions tune the tracker.
type FeedbackOptions struct {
	Capacity     int
	MinSamples   int
	Window       time.Duration
	Sensitivity  float64
	MinVolumeETH float64
}

// FeedbackTracker keeps the last Capacity accepted and rejected outcomes.
type FeedbackTracker struct {
	opts       FeedbackOptions
	thresholds Thresholds
	now        func() time.Time

	mu       sync.Mutex
	accepted *ring
	rejected *ring
}

// NewFeedbackTracker constructs a tracker; zero options take reference defaults.
func NewFeedbackTracker(opts FeedbackOptions, thresholds Thresholds, now func() time.Time) *FeedbackTracker {
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 10
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.Sensitivity <= 0 {
		opts.Sensitivity = 0.1
	}
	if opts.MinVolumeETH <= 0 {
		opts.MinVolumeETH = 1
	}
	if now == nil {
		now = time.Now
	}
	return &FeedbackTracker{
		opts:       opts,
		thresholds: thresholds,
		now:        now,
		accepted:   newRing(opts.Capacity),
		rejected:   newRing(opts.Capacity),
	}
}

// Record stores an outcome, stamping it when At is zero.
func (f *FeedbackTracker) Record(out Outcome) {
	if out.At.IsZero() {
		out.At = f.now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if out.Accepted {
		f.accepted.push(out)
	} else {
		f.rejected.push(out)
	}
}

// Analyze evaluates outcomes within the window; an empty mode covers all modes.
func (f *FeedbackTracker) Analyze(mode string) Analysis {
	f.mu.Lock()
	acc := f.accepted.since(f.now().Add(-f.opts.Window), mode)
	rej := f.rejected.since(f.now().Add(-f.opts.Window), mode)
	f.mu.Unlock()
	return f.analyze(mode, acc, rej)
}

// Summary analyzes every mode seen in the window.
func (f *FeedbackTracker) Summary() []Analysis {
	f.mu.Lock()
	cutoff := f.now().Add(-f.opts.Window)
	modes := make(map[string]struct{})
	for _, out := range append(f.accepted.since(cutoff, ""), f.rejected.since(cutoff, "")...) {
		modes[out.Mode] = struct{}{}
	}
	f.mu.Unlock()

	names := make([]string, 0, len(modes))
	for m := range modes {
		names = append(names, m)
	}
	sort.Strings(names)
	out := make([]Analysis, 0, len(names))
	for _, m := range names {
		out = append(out, f.Analyze(m))
	}
	return out
}

// Recent returns up to limit outcomes, newest first.
func (f *FeedbackTracker) Recent(limit int) []Outcome {
	f.mu.Lock()
	all := append(f.accepted.since(time.Time{}, ""), f.rejected.since(time.Time{}, "")...)
	f.mu.Unlock()
	sort.SliceStable(all, func(i, j int) bool { return all[i].At.After(all[j].At) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func (f *FeedbackTracker) analyze(mode string, accepted, rejected []Outcome) Analysis {
	a := Analysis{
		Mode:         mode,
		Accepted:     len(accepted),
		Rejected:     len(rejected),
		Total:        len(accepted) + len(rejected),
		ReasonCounts: make(map[string]int),
		Minimums:     f.minimums(mode, accepted, rejected),
	}
	if a.Total == 0 {
		return a
	}
	a.AcceptanceRate = float64(a.Accepted) / float64(a.Total)
	a.Confident = a.Total >= f.opts.MinSamples
	a.Confidence = math.Min(1, float64(a.Total)/float64(3*f.opts.MinSamples))
	var withData int
	a.AvgTradeCount, a.AvgETHVolume, withData = activity(accepted)

	best := 0
	for _, out := range rejected {
		a.ReasonCounts[out.Reason]++
	}
	for reason, n := range a.ReasonCounts {
		if n > best || (n == best && reason < a.DominantReason) {
			best, a.DominantReason = n, reason
		}
	}
	if !a.Confident {
		return a
	}

	s := f.opts.Sensitivity
	m := a.Minimums
	rejectionRate := 1 - a.AcceptanceRate
	switch {
	case rejectionRate > 0.8 && float64(best) >= 0.5*float64(a.Rejected):
		if sug, ok := loosen(m, a.DominantReason, s); ok {
			a.Suggestions = append(a.Suggestions, sug)
		}
	case a.AcceptanceRate > 0.7 && f.healthyVolume(a, withData):
		a.Suggestions = append(a.Suggestions,
			suggestion("min_roi_pct", m.MinROIPct, m.MinROIPct*(1+s), "tighten", "high acceptance rate"),
			suggestion("min_profit_usd", m.MinProfitUSD, m.MinProfitUSD*(1+s), "tighten", "high acceptance rate"),
			suggestion("min_trades", float64(m.MinTrades), math.Ceil(float64(m.MinTrades)*(1+s)), "tighten", "high acceptance rate"),
		)
	}
	return a
}

// minimums returns the thresholds mode was last validated against, falling
// back to the tracker defaults when outcomes span modes or carry none.
func (f *FeedbackTracker) minimums(mode string, accepted, rejected []Outcome) Thresholds {
	if mode == "" {
		return f.thresholds
	}
	var latest Outcome
	for _, outs := range [][]Outcome{accepted, rejected} {
		for _, out := range outs {
			if out.Minimums != (Thresholds{}) && !out.At.Before(latest.At) {
				latest = out
			}
		}
	}
	if latest.Minimums == (Thresholds{}) {
		return f.thresholds
	}
	return latest.Minimums
}

// healthyVolume holds when most accepted candidates carried on-chain activity
// and that activity clears both the trade minimum and MinVolumeETH.
func (f *FeedbackTracker) healthyVolume(a Analysis, withData int) bool {
	if withData == 0 || 2*withData < a.Accepted {
		return false
	}
	return a.AvgTradeCount >= float64(a.Minimums.MinTrades) && a.AvgETHVolume >= f.opts.MinVolumeETH
}

// activity averages the on-chain activity of outcomes that carry any.
func activity(outcomes []Outcome) (trades, volume float64, n int) {
	for _, out := range outcomes {
		if out.TradeCount == 0 && out.ETHVolume == 0 {
			continue
		}
		n++
		trades += float64(out.TradeCount)
		volume += out.ETHVolume
	}
	if n == 0 {
		return 0, 0, 0
	}
	return trades / float64(n), volume / float64(n), n
}

func loosen(m Thresholds, reason string, s float64) (Suggestion, bool) {
	why := "rejections dominated by " + reason
	switch reason {
	case ReasonLowROI:
		return suggestion("min_roi_pct", m.MinROIPct, m.MinROIPct*(1-s), "loosen", why), true
	case ReasonLowProfit:
		return suggestion("min_profit_usd", m.MinProfitUSD, m.MinProfitUSD*(1-s), "loosen", why), true
	case ReasonLowTrades:
		trades := math.Max(1, math.Floor(float64(m.MinTrades)*(1-s)))
		return suggestion("min_trades", float64(m.MinTrades), trades, "loosen", why), true
	default:
		return Suggestion{}, false
	}
}

func suggestion(param string, current, suggested float64, direction, reason string) Suggestion {
	return Suggestion{Parameter: param, Current: current, Suggested: suggested, Direction: direction, Reason: reason}
}

// ring is a fixed-capacity FIFO of outcomes.
type ring struct {
	buf  []Outcome
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Outcome, capacity)}
}

func (r *ring) push(out Outcome) {
	r.buf[r.next] = out
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// since returns outcomes at or after cutoff, oldest first, filtered by mode.
func (r *ring) since(cutoff time.Time, mode string) []Outcome {
	n := r.len()
	out := make([]Outcome, 0, n)
	start := 0
	if r.full {
		start = r.next
	}
	for i := 0; i < n; i++ {
		o := r.buf[(start+i)%len(r.buf)]
		if o.At.Before(cutoff) {
			continue
		}
		if mode != "" && o.Mode != mode {
			continue
		}
		out = append(out, o)
	}
	return out
}
