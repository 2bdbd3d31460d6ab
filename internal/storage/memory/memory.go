// Package memory is an in-process storage.Repository used by tests and
// database-less runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"whale-mirror/internal/storage"
)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu     sync.RWMutex
	whales map[string]storage.WhaleRecord
	tokens map[string]map[string]storage.TokenPnL
	trades []storage.TradeRecord
	nextID int64
	now    func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		whales: make(map[string]storage.WhaleRecord),
		tokens: make(map[string]map[string]storage.TokenPnL),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// GetWhale implements storage.WhaleStore.
func (s *Store) GetWhale(_ context.Context, address string) (storage.WhaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.whales[storage.NormalizeAddress(address)]
	if !ok {
		return storage.WhaleRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// SaveWhale implements storage.WhaleStore.
func (s *Store) SaveWhale(_ context.Context, rec storage.WhaleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Address = storage.NormalizeAddress(rec.Address)
	now := s.now()
	if prev, ok := s.whales[rec.Address]; ok {
		rec.BootstrapTime = prev.BootstrapTime
	} else if rec.BootstrapTime.IsZero() {
		rec.BootstrapTime = now
	}
	if rec.DiscardedAt == nil {
		rec.DiscardReason = ""
	}
	rec.LastRefresh = now
	s.whales[rec.Address] = rec
	return nil
}

// UpdateWhale implements storage.WhaleStore.
func (s *Store) UpdateWhale(_ context.Context, address string, u storage.WhaleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.NormalizeAddress(address)
	rec, ok := s.whales[key]
	if !ok {
		return storage.ErrNotFound
	}
	if u.ExternalROIPct != nil {
		rec.ExternalROIPct = *u.ExternalROIPct
	}
	if u.ExternalProfitUSD != nil {
		rec.ExternalProfitUSD = *u.ExternalProfitUSD
	}
	if u.ExternalTradeCount != nil {
		rec.ExternalTradeCount = *u.ExternalTradeCount
	}
	if u.CumulativePnL != nil {
		rec.CumulativePnL = *u.CumulativePnL
	}
	if u.RiskMultiplier != nil {
		rec.RiskMultiplier = *u.RiskMultiplier
	}
	if u.AllocationSize != nil {
		rec.AllocationSize = *u.AllocationSize
	}
	if u.Score != nil {
		rec.Score = *u.Score
	}
	if u.WinRate != nil {
		rec.WinRate = *u.WinRate
	}
	if u.MirroredTradeCount != nil {
		rec.MirroredTradeCount = *u.MirroredTradeCount
	}
	rec.LastRefresh = s.now()
	s.whales[key] = rec
	return nil
}

// MarkDiscarded implements storage.WhaleStore.
func (s *Store) MarkDiscarded(_ context.Context, address, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.NormalizeAddress(address)
	rec, ok := s.whales[key]
	if !ok {
		return storage.ErrNotFound
	}
	now := s.now()
	rec.DiscardedAt = &now
	rec.DiscardReason = reason
	rec.LastRefresh = now
	s.whales[key] = rec
	return nil
}

// ClearDiscarded implements storage.WhaleStore.
func (s *Store) ClearDiscarded(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.NormalizeAddress(address)
	rec, ok := s.whales[key]
	if !ok {
		return storage.ErrNotFound
	}
	rec.DiscardedAt = nil
	rec.DiscardReason = ""
	rec.LastRefresh = s.now()
	s.whales[key] = rec
	return nil
}

// ListWhales implements storage.WhaleStore.
func (s *Store) ListWhales(_ context.Context, opts storage.ListOptions) ([]storage.WhaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.WhaleRecord, 0, len(s.whales))
	for _, rec := range s.whales {
		switch {
		case opts.OnlyDiscarded && !rec.Discarded():
			continue
		case !opts.OnlyDiscarded && !opts.IncludeDiscarded && rec.Discarded():
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if opts.SortByScore && out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Address < out[j].Address
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// GetTokenBreakdown implements storage.TokenStore.
func (s *Store) GetTokenBreakdown(_ context.Context, address string) ([]storage.TokenPnL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.tokens[storage.NormalizeAddress(address)]
	out := make([]storage.TokenPnL, 0, len(rows))
	for _, tok := range rows {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].CumulativePnL.Cmp(out[j].CumulativePnL); c != 0 {
			return c > 0
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// UpsertTokenPnL implements storage.TokenStore.
func (s *Store) UpsertTokenPnL(_ context.Context, address, symbol, tokenAddress string, pnlDelta decimal.Decimal, tradeDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.NormalizeAddress(address)
	rows, ok := s.tokens[key]
	if !ok {
		rows = make(map[string]storage.TokenPnL)
		s.tokens[key] = rows
	}
	tok, ok := rows[symbol]
	if !ok {
		tok = storage.TokenPnL{WhaleAddress: key, Symbol: symbol, CumulativePnL: decimal.Zero}
	}
	if tokenAddress != "" {
		tok.TokenAddress = storage.NormalizeAddress(tokenAddress)
	}
	tok.CumulativePnL = tok.CumulativePnL.Add(pnlDelta)
	tok.TradeCount += tradeDelta
	tok.LastUpdated = s.now()
	rows[symbol] = tok
	return nil
}

// AppendTrade implements storage.TradeStore.
func (s *Store) AppendTrade(_ context.Context, trade storage.TradeRecord) (storage.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	trade.ID = s.nextID
	trade.WhaleAddress = storage.NormalizeAddress(trade.WhaleAddress)
	if trade.Timestamp.IsZero() {
		trade.Timestamp = s.now()
	}
	s.trades = append(s.trades, trade)
	return trade, nil
}

// ListTrades implements storage.TradeStore, newest first.
func (s *Store) ListTrades(_ context.Context, address string, limit int) ([]storage.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	key := storage.NormalizeAddress(address)
	out := make([]storage.TradeRecord, 0, limit)
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if s.trades[i].WhaleAddress == key {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

// TryAdvisoryLock always succeeds; a single process owns the store.
func (s *Store) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, true, nil
}

var (
	_ storage.Repository     = (*Store)(nil)
	_ storage.AdvisoryLocker = (*Store)(nil)
)
