package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the whale does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const whaleColumns = `address,
        external_roi_pct,
        external_profit_usd,
        external_trade_count,
        cumulative_pnl,
        risk_multiplier,
        allocation_size,
        score,
        win_rate,
        mirrored_trade_count,
        discovery_mode,
        bootstrap_time,
        last_refresh,
        discarded_at,
        discard_reason`

const (
	upsertWhaleSQL = `INSERT INTO whales (` + whaleColumns + `) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    ON CONFLICT (address) DO UPDATE
    SET
        external_roi_pct     = EXCLUDED.external_roi_pct,
        external_profit_usd  = EXCLUDED.external_profit_usd,
        external_trade_count = EXCLUDED.external_trade_count,
        cumulative_pnl       = EXCLUDED.cumulative_pnl,
        risk_multiplier      = EXCLUDED.risk_multiplier,
        allocation_size      = EXCLUDED.allocation_size,
        score                = EXCLUDED.score,
        win_rate             = EXCLUDED.win_rate,
        mirrored_trade_count = EXCLUDED.mirrored_trade_count,
        discovery_mode       = EXCLUDED.discovery_mode,
        last_refresh         = EXCLUDED.last_refresh,
        discarded_at         = EXCLUDED.discarded_at,
        discard_reason       = EXCLUDED.discard_reason;`

	getWhaleSQL = `SELECT ` + whaleColumns + `
    FROM whales
    WHERE address = $1;`

	listWhalesSQL = `SELECT ` + whaleColumns + `
    FROM whales`

	markDiscardedSQL = `UPDATE whales
    SET discarded_at = $2, discard_reason = $3, last_refresh = $2
    WHERE address = $1;`

	clearDiscardedSQL = `UPDATE whales
    SET discarded_at = NULL, discard_reason = NULL, last_refresh = $2
    WHERE address = $1;`

	upsertTokenPnLSQL = `INSERT INTO whale_token_pnl (
        whale_address,
        token_symbol,
        token_address,
        cumulative_pnl,
        trade_count,
        last_updated
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (whale_address, token_symbol) DO UPDATE
    SET
        token_address  = COALESCE(NULLIF(EXCLUDED.token_address, ''), whale_token_pnl.token_address),
        cumulative_pnl = whale_token_pnl.cumulative_pnl + EXCLUDED.cumulative_pnl,
        trade_count    = whale_token_pnl.trade_count + EXCLUDED.trade_count,
        last_updated   = EXCLUDED.last_updated;`

	listTokenPnLSQL = `SELECT
        whale_address,
        token_symbol,
        token_address,
        cumulative_pnl,
        trade_count,
        last_updated
    FROM whale_token_pnl
    WHERE whale_address = $1
    ORDER BY cumulative_pnl DESC, token_symbol;`

	insertTradeSQL = `INSERT INTO trades (
        ts,
        whale_address,
        router,
        token_in,
        token_out,
        amount_in,
        allocation,
        pnl,
        cumulative_pnl,
        risk_multiplier,
        mode,
        tx_hash
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    RETURNING id;`

	listTradesSQL = `SELECT
        id,
        ts,
        whale_address,
        router,
        token_in,
        token_out,
        amount_in,
        allocation,
        pnl,
        cumulative_pnl,
        risk_multiplier,
        mode,
        tx_hash
    FROM trades
    WHERE whale_address = $1
    ORDER BY ts DESC, id DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// WhaleStore persists whale records.
type WhaleStore interface {
	GetWhale(ctx context.Context, address string) (WhaleRecord, error)
	SaveWhale(ctx context.Context, rec WhaleRecord) error
	UpdateWhale(ctx context.Context, address string, update WhaleUpdate) error
	MarkDiscarded(ctx context.Context, address, reason string) error
	ClearDiscarded(ctx context.Context, address string) error
	ListWhales(ctx context.Context, opts ListOptions) ([]WhaleRecord, error)
}

// TokenStore persists per-token PnL.
type TokenStore interface {
	GetTokenBreakdown(ctx context.Context, address string) ([]TokenPnL, error)
	UpsertTokenPnL(ctx context.Context, address, symbol, tokenAddress string, pnlDelta decimal.Decimal, tradeDelta int) error
}

// TradeStore is the append-only trade log.
type TradeStore interface {
	AppendTrade(ctx context.Context, trade TradeRecord) (TradeRecord, error)
	ListTrades(ctx context.Context, address string, limit int) ([]TradeRecord, error)
}

// Repository is the full persistence surface of the pipeline.
type Repository interface {
	WhaleStore
	TokenStore
	TradeStore
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL repository.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// GetWhale loads one whale; ErrNotFound when absent.
func (s *Store) GetWhale(ctx context.Context, address string) (WhaleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return WhaleRecord{}, err
	}
	rec, err := scanWhale(pool.QueryRow(ctx, getWhaleSQL, NormalizeAddress(address)))
	if errors.Is(err, pgx.ErrNoRows) {
		return WhaleRecord{}, ErrNotFound
	}
	if err != nil {
		return WhaleRecord{}, fmt.Errorf("get whale: %w", err)
	}
	return rec, nil
}

// SaveWhale inserts or replaces a whale. bootstrap_time is kept from the first insert.
func (s *Store) SaveWhale(ctx context.Context, rec WhaleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	now := s.now()
	if rec.BootstrapTime.IsZero() {
		rec.BootstrapTime = now
	}

	var discardReason any
	if rec.DiscardedAt != nil {
		discardReason = rec.DiscardReason
	}

	_, execErr := pool.Exec(ctx, upsertWhaleSQL,
		NormalizeAddress(rec.Address),
		rec.ExternalROIPct,
		rec.ExternalProfitUSD,
		rec.ExternalTradeCount,
		rec.CumulativePnL.String(),
		rec.RiskMultiplier,
		rec.AllocationSize.String(),
		rec.Score,
		rec.WinRate,
		rec.MirroredTradeCount,
		rec.DiscoveryMode,
		rec.BootstrapTime,
		now,
		rec.DiscardedAt,
		discardReason,
	)
	if execErr != nil {
		return fmt.Errorf("save whale: %w", execErr)
	}
	return nil
}

// UpdateWhale applies a partial update.
func (s *Store) UpdateWhale(ctx context.Context, address string, update WhaleUpdate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	sets := make([]string, 0, 10)
	args := []any{NormalizeAddress(address)}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.ExternalROIPct != nil {
		add("external_roi_pct", *update.ExternalROIPct)
	}
	if update.ExternalProfitUSD != nil {
		add("external_profit_usd", *update.ExternalProfitUSD)
	}
	if update.ExternalTradeCount != nil {
		add("external_trade_count", *update.ExternalTradeCount)
	}
	if update.CumulativePnL != nil {
		add("cumulative_pnl", update.CumulativePnL.String())
	}
	if update.RiskMultiplier != nil {
		add("risk_multiplier", *update.RiskMultiplier)
	}
	if update.AllocationSize != nil {
		add("allocation_size", update.AllocationSize.String())
	}
	if update.Score != nil {
		add("score", *update.Score)
	}
	if update.WinRate != nil {
		add("win_rate", *update.WinRate)
	}
	if update.MirroredTradeCount != nil {
		add("mirrored_trade_count", *update.MirroredTradeCount)
	}
	add("last_refresh", s.now())

	query := "UPDATE whales SET " + strings.Join(sets, ", ") + " WHERE address = $1;"
	tag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return fmt.Errorf("update whale: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDiscarded excludes the whale from active listings.
func (s *Store) MarkDiscarded(ctx context.Context, address, reason string) error {
	return s.execWhale(ctx, "mark discarded", markDiscardedSQL, NormalizeAddress(address), s.now(), reason)
}

// ClearDiscarded restores a discarded whale.
func (s *Store) ClearDiscarded(ctx context.Context, address string) error {
	return s.execWhale(ctx, "clear discarded", clearDiscardedSQL, NormalizeAddress(address), s.now())
}

func (s *Store) execWhale(ctx context.Context, op, query string, args ...any) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return fmt.Errorf("%s: %w", op, execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWhales lists whales, active only unless asked otherwise.
func (s *Store) ListWhales(ctx context.Context, opts ListOptions) ([]WhaleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query := listWhalesSQL
	switch {
	case opts.OnlyDiscarded:
		query += " WHERE discarded_at IS NOT NULL"
	case !opts.IncludeDiscarded:
		query += " WHERE discarded_at IS NULL"
	}
	if opts.SortByScore {
		query += " ORDER BY score DESC, address"
	} else {
		query += " ORDER BY address"
	}
	args := []any{}
	if opts.Limit > 0 {
		query += " LIMIT $1"
		args = append(args, opts.Limit)
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list whales: %w", queryErr)
	}
	defer rows.Close()

	whales := make([]WhaleRecord, 0)
	for rows.Next() {
		rec, scanErr := scanWhale(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		whales = append(whales, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return whales, nil
}

// GetTokenBreakdown lists token rows for a whale, sentinel included.
func (s *Store) GetTokenBreakdown(ctx context.Context, address string) ([]TokenPnL, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTokenPnLSQL, NormalizeAddress(address))
	if queryErr != nil {
		return nil, fmt.Errorf("list token pnl: %w", queryErr)
	}
	defer rows.Close()

	tokens := make([]TokenPnL, 0)
	for rows.Next() {
		var (
			tok    TokenPnL
			tokAdr sql.NullString
			pnlStr string
		)
		if err := rows.Scan(&tok.WhaleAddress, &tok.Symbol, &tokAdr, &pnlStr, &tok.TradeCount, &tok.LastUpdated); err != nil {
			return nil, err
		}
		tok.TokenAddress = tokAdr.String
		if tok.CumulativePnL, err = decimal.NewFromString(pnlStr); err != nil {
			return nil, fmt.Errorf("parse token pnl: %w", err)
		}
		tokens = append(tokens, tok)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return tokens, nil
}

// UpsertTokenPnL accumulates pnl and trade deltas into the (whale, symbol) row.
func (s *Store) UpsertTokenPnL(ctx context.Context, address, symbol, tokenAddress string, pnlDelta decimal.Decimal, tradeDelta int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertTokenPnLSQL,
		NormalizeAddress(address),
		symbol,
		NormalizeAddress(tokenAddress),
		pnlDelta.String(),
		tradeDelta,
		s.now(),
	); execErr != nil {
		return fmt.Errorf("upsert token pnl: %w", execErr)
	}
	return nil
}

// AppendTrade writes a trade record and returns it with its id.
func (s *Store) AppendTrade(ctx context.Context, trade TradeRecord) (TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return TradeRecord{}, err
	}
	if trade.Timestamp.IsZero() {
		trade.Timestamp = s.now()
	}
	trade.WhaleAddress = NormalizeAddress(trade.WhaleAddress)

	row := pool.QueryRow(ctx, insertTradeSQL,
		trade.Timestamp,
		trade.WhaleAddress,
		trade.Router,
		trade.TokenIn,
		trade.TokenOut,
		trade.AmountIn.String(),
		trade.Allocation.String(),
		trade.PnL.String(),
		trade.CumulativePnL.String(),
		trade.RiskMultiplier,
		trade.Mode,
		trade.TxHash,
	)
	if scanErr := row.Scan(&trade.ID); scanErr != nil {
		return TradeRecord{}, fmt.Errorf("append trade: %w", scanErr)
	}
	return trade, nil
}

// ListTrades lists the most recent trades of a whale.
func (s *Store) ListTrades(ctx context.Context, address string, limit int) ([]TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, queryErr := pool.Query(ctx, listTradesSQL, NormalizeAddress(address), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]TradeRecord, 0, limit)
	for rows.Next() {
		var tr TradeRecord
		var amountStr, allocStr, pnlStr, cumStr string
		if err := rows.Scan(
			&tr.ID,
			&tr.Timestamp,
			&tr.WhaleAddress,
			&tr.Router,
			&tr.TokenIn,
			&tr.TokenOut,
			&amountStr,
			&allocStr,
			&pnlStr,
			&cumStr,
			&tr.RiskMultiplier,
			&tr.Mode,
			&tr.TxHash,
		); err != nil {
			return nil, err
		}
		values, convErr := parseDecimals(amountStr, allocStr, pnlStr, cumStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse trade amounts: %w", convErr)
		}
		tr.AmountIn, tr.Allocation, tr.PnL, tr.CumulativePnL = values[0], values[1], values[2], values[3]
		trades = append(trades, tr)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

func scanWhale(row pgx.Row) (WhaleRecord, error) {
	var (
		rec           WhaleRecord
		cumStr        string
		allocStr      string
		discardedAt   sql.NullTime
		discardReason sql.NullString
	)
	if err := row.Scan(
		&rec.Address,
		&rec.ExternalROIPct,
		&rec.ExternalProfitUSD,
		&rec.ExternalTradeCount,
		&cumStr,
		&rec.RiskMultiplier,
		&allocStr,
		&rec.Score,
		&rec.WinRate,
		&rec.MirroredTradeCount,
		&rec.DiscoveryMode,
		&rec.BootstrapTime,
		&rec.LastRefresh,
		&discardedAt,
		&discardReason,
	); err != nil {
		return WhaleRecord{}, err
	}

	values, err := parseDecimals(cumStr, allocStr)
	if err != nil {
		return WhaleRecord{}, fmt.Errorf("parse whale amounts: %w", err)
	}
	rec.CumulativePnL, rec.AllocationSize = values[0], values[1]
	if discardedAt.Valid {
		at := discardedAt.Time
		rec.DiscardedAt = &at
		rec.DiscardReason = discardReason.String
	}
	return rec, nil
}

func parseDecimals(raw ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(raw))
	for i, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
