package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertQuoteSQL = `INSERT INTO support_quotes (
        item,
        bucket_ts,
        support_price,
        current_price,
        chosen_method,
        used_fallback,
        ranges_count,
        range_hours,
        chosen_market,
        secondary_price,
        final_price,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (item, bucket_ts) DO UPDATE
    SET
        support_price   = EXCLUDED.support_price,
        current_price   = EXCLUDED.current_price,
        chosen_method   = EXCLUDED.chosen_method,
        used_fallback   = EXCLUDED.used_fallback,
        ranges_count    = EXCLUDED.ranges_count,
        range_hours     = EXCLUDED.range_hours,
        chosen_market   = EXCLUDED.chosen_market,
        secondary_price = EXCLUDED.secondary_price,
        final_price     = EXCLUDED.final_price,
        status          = EXCLUDED.status,
        error           = EXCLUDED.error;`

	quoteColumns = `item,
        bucket_ts,
        support_price,
        current_price,
        chosen_method,
        used_fallback,
        ranges_count,
        range_hours,
        chosen_market,
        secondary_price,
        final_price,
        status,
        error,
        created_at`

	latestQuoteSQL = `SELECT ` + quoteColumns + `
    FROM support_quotes
    WHERE item = $1
    ORDER BY bucket_ts DESC
    LIMIT 1;`

	listQuotesBetweenSQL = `SELECT ` + quoteColumns + `
    FROM support_quotes
    WHERE item = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`

	listRecentQuotesSQL = `SELECT ` + quoteColumns + `
    FROM support_quotes
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	countQuotesSQL = `SELECT COUNT(*) FROM support_quotes;`

	insertAlertSQL = `INSERT INTO floor_alerts (
        item,
        bucket_ts,
        prev_price,
        new_price,
        drop_pct,
        threshold_pct,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (item, bucket_ts) DO UPDATE
    SET prev_price    = EXCLUDED.prev_price,
        new_price     = EXCLUDED.new_price,
        drop_pct      = EXCLUDED.drop_pct,
        threshold_pct = EXCLUDED.threshold_pct,
        channels      = EXCLUDED.channels
    RETURNING id, item, bucket_ts, prev_price, new_price, drop_pct, threshold_pct, channels, created_at;`

	latestAlertSQL = `SELECT
        id, item, bucket_ts, prev_price, new_price, drop_pct, threshold_pct, channels, created_at
    FROM floor_alerts
    WHERE item = $1
    ORDER BY created_at DESC
    LIMIT 1;`

	listRecentAlertsSQL = `SELECT
        id, item, bucket_ts, prev_price, new_price, drop_pct, threshold_pct, channels, created_at
    FROM floor_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM floor_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// QuoteStore defines operations for support-quote persistence.
type QuoteStore interface {
	UpsertQuote(ctx context.Context, quote QuoteRecord) error
	LatestQuote(ctx context.Context, item string) (*QuoteRecord, error)
	ListQuotesBetween(ctx context.Context, item string, from, to time.Time) ([]QuoteRecord, error)
	ListRecentQuotes(ctx context.Context, limit int) ([]QuoteRecord, error)
	CountQuotes(ctx context.Context) (int64, error)
}

// AlertStore defines operations for floor-alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert FloorAlert) (FloorAlert, error)
	LatestAlert(ctx context.Context, item string) (*FloorAlert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]FloorAlert, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to support quotes and floor alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
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
		// unlock best effort
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}

	return unlock, true, nil
}

// UpsertQuote persists a support quote keyed by (item, bucket).
func (s *Store) UpsertQuote(ctx context.Context, quote QuoteRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var secondary *string
	if quote.SecondaryPrice != nil {
		v := quote.SecondaryPrice.String()
		secondary = &v
	}

	_, execErr := pool.Exec(ctx, upsertQuoteSQL,
		quote.Item,
		quote.Bucket,
		quote.SupportPrice.String(),
		quote.CurrentPrice.String(),
		quote.ChosenMethod,
		quote.UsedFallback,
		quote.RangesCount,
		quote.RangeHours,
		quote.ChosenMarket,
		secondary,
		quote.FinalPrice.String(),
		quote.Status,
		quote.Error,
	)
	if execErr != nil {
		return fmt.Errorf("upsert quote: %w", execErr)
	}
	return nil
}

// LatestQuote returns the most recent quote for an item, or nil when none exists.
func (s *Store) LatestQuote(ctx context.Context, item string) (*QuoteRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestQuoteSQL, item)
	if queryErr != nil {
		return nil, fmt.Errorf("latest quote: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, nil
	}
	quote, scanErr := scanQuote(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &quote, nil
}

// ListQuotesBetween lists an item's quotes within a time window.
func (s *Store) ListQuotesBetween(ctx context.Context, item string, from, to time.Time) ([]QuoteRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listQuotesBetweenSQL, item, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list quotes between: %w", queryErr)
	}
	defer rows.Close()

	quotes := make([]QuoteRecord, 0)
	for rows.Next() {
		quote, scanErr := scanQuote(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		quotes = append(quotes, quote)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return quotes, nil
}

// ListRecentQuotes lists the most recent quotes across all items.
func (s *Store) ListRecentQuotes(ctx context.Context, limit int) ([]QuoteRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentQuotesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent quotes: %w", queryErr)
	}
	defer rows.Close()

	quotes := make([]QuoteRecord, 0, limit)
	for rows.Next() {
		quote, scanErr := scanQuote(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		quotes = append(quotes, quote)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return quotes, nil
}

// CountQuotes counts stored quotes.
func (s *Store) CountQuotes(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countQuotesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count quotes: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists a floor-drop alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert FloorAlert) (FloorAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return FloorAlert{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Item,
		alert.Bucket,
		alert.PrevPrice.String(),
		alert.NewPrice.String(),
		alert.DropPct.String(),
		alert.ThresholdPct.String(),
		alert.Channels,
	)

	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return FloorAlert{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// LatestAlert returns the most recent alert for an item, or nil when none exists.
func (s *Store) LatestAlert(ctx context.Context, item string) (*FloorAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rec, scanErr := scanAlert(pool.QueryRow(ctx, latestAlertSQL, item))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest alert: %w", scanErr)
	}
	return &rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]FloorAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]FloorAlert, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanQuote(row pgx.Row) (QuoteRecord, error) {
	var (
		quote        QuoteRecord
		supportStr   string
		currentStr   string
		secondaryStr sql.NullString
		finalStr     string
		errMsg       sql.NullString
	)

	if err := row.Scan(
		&quote.Item,
		&quote.Bucket,
		&supportStr,
		&currentStr,
		&quote.ChosenMethod,
		&quote.UsedFallback,
		&quote.RangesCount,
		&quote.RangeHours,
		&quote.ChosenMarket,
		&secondaryStr,
		&finalStr,
		&quote.Status,
		&errMsg,
		&quote.CreatedAt,
	); err != nil {
		return QuoteRecord{}, err
	}

	var convErr error
	quote.SupportPrice, convErr = decimal.NewFromString(supportStr)
	if convErr != nil {
		return QuoteRecord{}, fmt.Errorf("parse support price: %w", convErr)
	}
	quote.CurrentPrice, convErr = decimal.NewFromString(currentStr)
	if convErr != nil {
		return QuoteRecord{}, fmt.Errorf("parse current price: %w", convErr)
	}
	quote.FinalPrice, convErr = decimal.NewFromString(finalStr)
	if convErr != nil {
		return QuoteRecord{}, fmt.Errorf("parse final price: %w", convErr)
	}
	if secondaryStr.Valid {
		sec, err := decimal.NewFromString(secondaryStr.String)
		if err != nil {
			return QuoteRecord{}, fmt.Errorf("parse secondary price: %w", err)
		}
		quote.SecondaryPrice = &sec
	}
	if errMsg.Valid {
		msg := errMsg.String
		quote.Error = &msg
	}

	return quote, nil
}

func scanAlert(row pgx.Row) (FloorAlert, error) {
	var (
		rec          FloorAlert
		prevStr      string
		newStr       string
		dropStr      string
		thresholdStr string
	)

	if err := row.Scan(
		&rec.ID,
		&rec.Item,
		&rec.Bucket,
		&prevStr,
		&newStr,
		&dropStr,
		&thresholdStr,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return FloorAlert{}, err
	}

	var convErr error
	rec.PrevPrice, convErr = decimal.NewFromString(prevStr)
	if convErr != nil {
		return FloorAlert{}, fmt.Errorf("parse prev price: %w", convErr)
	}
	rec.NewPrice, convErr = decimal.NewFromString(newStr)
	if convErr != nil {
		return FloorAlert{}, fmt.Errorf("parse new price: %w", convErr)
	}
	rec.DropPct, convErr = decimal.NewFromString(dropStr)
	if convErr != nil {
		return FloorAlert{}, fmt.Errorf("parse drop pct: %w", convErr)
	}
	rec.ThresholdPct, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return FloorAlert{}, fmt.Errorf("parse threshold pct: %w", convErr)
	}

	return rec, nil
}
