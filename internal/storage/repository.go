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
	insertDispatchSQL = `INSERT INTO dispatches (
        symbol,
        side,
        qty,
        price,
        change_pct,
        dollar_volume,
        source,
        success,
        http_status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, created_at;`

	dispatchColumns = `id,
        symbol,
        side,
        qty,
        price,
        change_pct,
        dollar_volume,
        source,
        success,
        http_status,
        error,
        created_at`

	listRecentDispatchesSQL = `SELECT ` + dispatchColumns + `
    FROM dispatches
    ORDER BY created_at DESC
    LIMIT $1;`

	listDispatchesBetweenSQL = `SELECT ` + dispatchColumns + `
    FROM dispatches
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	deleteDispatchesBeforeSQL = `DELETE FROM dispatches WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DispatchStore defines operations for the dispatch audit log.
type DispatchStore interface {
	InsertDispatch(ctx context.Context, rec DispatchRecord) (DispatchRecord, error)
	ListRecentDispatches(ctx context.Context, limit int) ([]DispatchRecord, error)
	ListDispatchesBetween(ctx context.Context, from, to time.Time) ([]DispatchRecord, error)
	DeleteDispatchesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL-backed audit log.
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

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. The lock is held on a dedicated connection until released.
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

// InsertDispatch appends one audit record.
func (s *Store) InsertDispatch(ctx context.Context, rec DispatchRecord) (DispatchRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return DispatchRecord{}, err
	}

	var status interface{}
	if rec.HTTPStatus != nil {
		status = *rec.HTTPStatus
	}
	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	row := pool.QueryRow(ctx, insertDispatchSQL,
		rec.Symbol,
		rec.Side,
		rec.Qty.String(),
		rec.Price.String(),
		rec.ChangePct.String(),
		rec.DollarVolume.String(),
		rec.Source,
		rec.Success,
		status,
		errMsg,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return DispatchRecord{}, fmt.Errorf("insert dispatch: %w", scanErr)
	}
	return rec, nil
}

// ListRecentDispatches lists the newest records first.
func (s *Store) ListRecentDispatches(ctx context.Context, limit int) ([]DispatchRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDispatchesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent dispatches: %w", queryErr)
	}
	defer rows.Close()

	return collectDispatches(rows, limit)
}

// ListDispatchesBetween lists records within [from, to) in chronological order.
func (s *Store) ListDispatchesBetween(ctx context.Context, from, to time.Time) ([]DispatchRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDispatchesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list dispatches between: %w", queryErr)
	}
	defer rows.Close()

	return collectDispatches(rows, 0)
}

// DeleteDispatchesBefore prunes old audit records.
func (s *Store) DeleteDispatchesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteDispatchesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete dispatches before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectDispatches(rows pgx.Rows, capacity int) ([]DispatchRecord, error) {
	records := make([]DispatchRecord, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanDispatch(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanDispatch(rows pgx.Rows) (DispatchRecord, error) {
	var (
		rec                                      DispatchRecord
		qtyStr, priceStr, changeStr, dollarVolStr string
		status                                   sql.NullInt32
		errMsg                                   sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Symbol,
		&rec.Side,
		&qtyStr,
		&priceStr,
		&changeStr,
		&dollarVolStr,
		&rec.Source,
		&rec.Success,
		&status,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return DispatchRecord{}, err
	}

	var err error
	if rec.Qty, err = decimal.NewFromString(qtyStr); err != nil {
		return DispatchRecord{}, fmt.Errorf("parse qty: %w", err)
	}
	if rec.Price, err = decimal.NewFromString(priceStr); err != nil {
		return DispatchRecord{}, fmt.Errorf("parse price: %w", err)
	}
	if rec.ChangePct, err = decimal.NewFromString(changeStr); err != nil {
		return DispatchRecord{}, fmt.Errorf("parse change pct: %w", err)
	}
	if rec.DollarVolume, err = decimal.NewFromString(dollarVolStr); err != nil {
		return DispatchRecord{}, fmt.Errorf("parse dollar volume: %w", err)
	}

	if status.Valid {
		value := int(status.Int32)
		rec.HTTPStatus = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

var (
	_ DispatchStore  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
