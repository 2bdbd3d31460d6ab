// Package risk tracks per-whale risk multipliers and enforces loss and
// exposure caps on mirrored trades.
package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/logging"
	"whale-mirror/internal/storage"
)

// Reasons returned by ShouldExecute.
const (
	ReasonAllowed        = "allowed"
	ReasonDailyLoss      = "daily_loss_limit"
	ReasonWhaleLoss      = "whale_loss_floor"
	ReasonPositionLimits = "position_limits"
)

var (
	thousand  = decimal.NewFromInt(1000)
	stepPerK  = decimal.NewFromFloat(0.1)
	one       = decimal.NewFromInt(1)
	mirrorCut = decimal.NewFromFloat(0.1)
)

// Limits are the hard caps the manager enforces. Amounts are ETH.
type Limits struct {
	BaseCapital      float64 `json:"base_capital"`
	BaseRisk         float64 `json:"base_risk"`
	MinMultiplier    float64 `json:"min_multiplier"`
	MaxMultiplier    float64 `json:"max_multiplier"`
	MaxPosition      float64 `json:"max_position"`
	MaxDailyLoss     float64 `json:"max_daily_loss"`
	MaxTotalExposure float64 `json:"max_total_exposure"`
	WhaleLossFloor   float64 `json:"whale_loss_floor"`
}

// DefaultLimits mirror the shipped configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		BaseCapital:      2000,
		BaseRisk:         0.05,
		MinMultiplier:    0.25,
		MaxMultiplier:    3.0,
		MaxPosition:      10000,
		MaxDailyLoss:     1000,
		MaxTotalExposure: 50000,
		WhaleLossFloor:   5000,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.BaseCapital <= 0 {
		l.BaseCapital = d.BaseCapital
	}
	if l.BaseRisk <= 0 {
		l.BaseRisk = d.BaseRisk
	}
	if l.MinMultiplier <= 0 {
		l.MinMultiplier = d.MinMultiplier
	}
	if l.MaxMultiplier <= 0 {
		l.MaxMultiplier = d.MaxMultiplier
	}
	if l.MinMultiplier > l.MaxMultiplier {
		l.MinMultiplier = l.MaxMultiplier
	}
	if l.MaxPosition <= 0 {
		l.MaxPosition = d.MaxPosition
	}
	if l.MaxDailyLoss <= 0 {
		l.MaxDailyLoss = d.MaxDailyLoss
	}
	if l.MaxTotalExposure <= 0 {
		l.MaxTotalExposure = d.MaxTotalExposure
	}
	if l.WhaleLossFloor <= 0 {
		l.WhaleLossFloor = d.WhaleLossFloor
	}
	return l
}

// Profile is the risk view of one whale.
type Profile struct {
	Address       string          `json:"address"`
	CumulativePnL decimal.Decimal `json:"cumulative_pnl"`
	Multiplier    float64         `json:"risk_multiplier"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	PositionLimit float64         `json:"position_limit"`
}

// Snapshot aggregates state across all tracked whales.
type Snapshot struct {
	TrackedWhales     int             `json:"tracked_whales"`
	ActiveWhales      int             `json:"active_whales"`
	TotalExposure     decimal.Decimal `json:"total_exposure"`
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	AverageMultiplier float64         `json:"average_multiplier"`
	Limits            Limits          `json:"limits"`
}

type whaleState struct {
	pnl        decimal.Decimal
	multiplier decimal.Decimal
}

// Gauge receives exposure updates; *metrics.Metrics satisfies it.
type Gauge interface {
	SetRisk(tracked int, exposure float64)
}

// Manager holds per-whale multipliers and the daily loss accumulator.
type Manager struct {
	limits Limits
	logger zerolog.Logger
	gauge  Gauge
	now    func() time.Time

	mu         sync.Mutex
	whales     map[string]*whaleState
	dailyPnL   decimal.Decimal
	dailyReset time.Time
}

// NewManager builds a manager. Zero limits take DefaultLimits values.
func NewManager(limits Limits, gauge Gauge, logger zerolog.Logger) *Manager {
	return &Manager{
		limits: limits.withDefaults(),
		logger: logging.Component(logger, "risk"),
		gauge:  gauge,
		now:    time.Now,
		whales: make(map[string]*whaleState),
	}
}

// WithClock swaps the time source used for the daily reset.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Limits returns the effective limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

// UpdatePnL adds pnl to the whale's cumulative total and recomputes its
// multiplier. It returns the new multiplier.
func (m *Manager) UpdatePnL(whale string, pnl decimal.Decimal) float64 {
	whale = storage.NormalizeAddress(whale)

	m.mu.Lock()
	st := m.state(whale)
	st.pnl = st.pnl.Add(pnl)
	st.multiplier = m.multiplierFor(st.pnl)

	now := m.now()
	if now.Sub(m.dailyReset) > 24*time.Hour {
		m.dailyPnL = decimal.Zero
		m.dailyReset = now
	}
	m.dailyPnL = m.dailyPnL.Add(pnl)

	mult := st.multiplier.InexactFloat64()
	cumulative := st.pnl
	m.mu.Unlock()

	m.publish()
	m.logger.Debug().
		Str("address", whale).
		Str("cumulative_pnl", cumulative.String()).
		Float64("risk_multiplier", mult).
		Msg("risk updated")
	return mult
}

// multiplierFor moves 0.1 per 1000 ETH of cumulative PnL, bounded by the
// configured multiplier range.
func (m *Manager) multiplierFor(cumulative decimal.Decimal) decimal.Decimal {
	step := cumulative.Abs().Div(thousand).Mul(stepPerK)
	lo := decimal.NewFromFloat(m.limits.MinMultiplier)
	hi := decimal.NewFromFloat(m.limits.MaxMultiplier)
	var v decimal.Decimal
	if cumulative.IsPositive() {
		v = decimal.Min(hi, one.Add(step))
	} else {
		v = decimal.Max(lo, one.Sub(step))
	}
	return decimal.Min(hi, decimal.Max(lo, v))
}

// Multiplier returns the whale's current multiplier (1.0 when untracked,
// clamped into range).
func (m *Manager) Multiplier(whale string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.multiplierLocked(storage.NormalizeAddress(whale)).InexactFloat64()
}

func (m *Manager) multiplierLocked(whale string) decimal.Decimal {
	if st, ok := m.whales[whale]; ok {
		return st.multiplier
	}
	return decimal.Min(decimal.NewFromFloat(m.limits.MaxMultiplier), decimal.Max(decimal.NewFromFloat(m.limits.MinMultiplier), one))
}

// PositionSize returns the ETH size the limits allow for a whale trade of
// amount: the smaller of capital·base_risk·multiplier and 10% of the whale
// trade, capped by max position and the remaining total exposure.
func (m *Manager) PositionSize(whale string, amount decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked(storage.NormalizeAddress(whale), amount)
}

func (m *Manager) positionLocked(whale string, amount decimal.Decimal) decimal.Decimal {
	if m.dailyLossExceeded() {
		return decimal.Zero
	}
	base := decimal.NewFromFloat(m.limits.BaseCapital).
		Mul(decimal.NewFromFloat(m.limits.BaseRisk)).
		Mul(m.multiplierLocked(whale))
	pos := decimal.Min(base, amount.Mul(mirrorCut))
	pos = decimal.Min(pos, decimal.NewFromFloat(m.limits.MaxPosition))

	exposure := m.exposureLocked()
	limit := decimal.NewFromFloat(m.limits.MaxTotalExposure)
	if exposure.Add(pos).GreaterThan(limit) {
		pos = decimal.Max(decimal.Zero, limit.Sub(exposure))
	}
	return pos
}

// ShouldExecute gates a mirrored trade of amount for whale. The reason is
// one of the Reason constants.
func (m *Manager) ShouldExecute(whale string, amount decimal.Decimal) (bool, string) {
	whale = storage.NormalizeAddress(whale)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dailyLossExceeded() {
		m.logger.Warn().Str("address", whale).Str("daily_pnl", m.dailyPnL.String()).Msg("trade blocked: daily loss limit reached")
		return false, ReasonDailyLoss
	}
	if st, ok := m.whales[whale]; ok && st.pnl.LessThan(decimal.NewFromFloat(-m.limits.WhaleLossFloor)) {
		m.logger.Warn().Str("address", whale).Str("cumulative_pnl", st.pnl.String()).Msg("trade blocked: whale loss floor breached")
		return false, ReasonWhaleLoss
	}
	if !m.positionLocked(whale, amount).IsPositive() {
		m.logger.Warn().Str("address", whale).Str("amount", amount.String()).Msg("trade blocked: position size exhausted")
		return false, ReasonPositionLimits
	}
	return true, ReasonAllowed
}

func (m *Manager) dailyLossExceeded() bool {
	return m.dailyPnL.LessThan(decimal.NewFromFloat(-m.limits.MaxDailyLoss))
}

func (m *Manager) exposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, st := range m.whales {
		total = total.Add(st.pnl)
	}
	return total
}

func (m *Manager) state(whale string) *whaleState {
	st, ok := m.whales[whale]
	if !ok {
		st = &whaleState{multiplier: m.multiplierLocked(whale)}
		m.whales[whale] = st
	}
	return st
}

// Seed restores persisted state for a whale without touching the daily
// accumulator. The multiplier is clamped into range.
func (m *Manager) Seed(whale string, cumulative decimal.Decimal, multiplier float64) {
	whale = storage.NormalizeAddress(whale)
	lo, hi := m.limits.MinMultiplier, m.limits.MaxMultiplier
	if multiplier < lo {
		multiplier = lo
	}
	if multiplier > hi {
		multiplier = hi
	}
	m.mu.Lock()
	m.whales[whale] = &whaleState{pnl: cumulative, multiplier: decimal.NewFromFloat(multiplier)}
	m.mu.Unlock()
	m.publish()
}

// Known reports whether the manager holds state for whale.
func (m *Manager) Known(whale string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.whales[storage.NormalizeAddress(whale)]
	return ok
}

// Profile reports the risk state of one whale.
func (m *Manager) Profile(whale string) Profile {
	whale = storage.NormalizeAddress(whale)
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Profile{
		Address:       whale,
		CumulativePnL: decimal.Zero,
		Multiplier:    m.multiplierLocked(whale).InexactFloat64(),
		DailyPnL:      m.dailyPnL,
		PositionLimit: m.limits.MaxPosition,
	}
	if st, ok := m.whales[whale]; ok {
		p.CumulativePnL = st.pnl
	}
	return p
}

// Profiles lists every tracked whale sorted by address.
func (m *Manager) Profiles() []Profile {
	m.mu.Lock()
	addrs := make([]string, 0, len(m.whales))
	for addr := range m.whales {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()
	sort.Strings(addrs)

	out := make([]Profile, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, m.Profile(addr))
	}
	return out
}

// Metrics aggregates across all whales.
func (m *Manager) Metrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		TrackedWhales:     len(m.whales),
		TotalExposure:     m.exposureLocked(),
		DailyPnL:          m.dailyPnL,
		AverageMultiplier: 1,
		Limits:            m.limits,
	}
	if len(m.whales) == 0 {
		return s
	}
	var sum float64
	for _, st := range m.whales {
		if !st.pnl.IsZero() {
			s.ActiveWhales++
		}
		sum += st.multiplier.InexactFloat64()
	}
	s.AverageMultiplier = sum / float64(len(m.whales))
	return s
}

// ResetWhale zeroes one whale's PnL and multiplier.
func (m *Manager) ResetWhale(whale string) {
	whale = storage.NormalizeAddress(whale)
	m.mu.Lock()
	m.whales[whale] = &whaleState{pnl: decimal.Zero, multiplier: m.multiplierFor(decimal.Zero)}
	m.mu.Unlock()
	m.publish()
	m.logger.Info().Str("address", whale).Msg("risk profile reset")
}

// EmergencyStop clears every whale and the daily accumulator.
func (m *Manager) EmergencyStop() {
	m.mu.Lock()
	m.whales = make(map[string]*whaleState)
	m.dailyPnL = decimal.Zero
	m.mu.Unlock()
	m.publish()
	m.logger.Warn().Msg("emergency stop: all risk profiles cleared")
}

func (m *Manager) publish() {
	if m.gauge == nil {
		return
	}
	s := m.Metrics()
	m.gauge.SetRisk(s.TrackedWhales, s.TotalExposure.InexactFloat64())
}

// String renders the limits for CLI output.
func (l Limits) String() string {
	return fmt.Sprintf("capital=%.2f base_risk=%.3f multiplier=[%.2f,%.2f] max_position=%.2f max_daily_loss=%.2f max_exposure=%.2f whale_floor=%.2f",
		l.BaseCapital, l.BaseRisk, l.MinMultiplier, l.MaxMultiplier, l.MaxPosition, l.MaxDailyLoss, l.MaxTotalExposure, l.WhaleLossFloor)
}
