package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// lossScale bounds the digits kept for persisted losses.
const lossScale = 10

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS training_runs (
        id          BIGSERIAL PRIMARY KEY,
        symbol      TEXT        NOT NULL,
        status      TEXT        NOT NULL,
        started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
        finished_at TIMESTAMPTZ,
        epochs      INTEGER     NOT NULL DEFAULT 0,
        train_loss  NUMERIC,
        test_loss   NUMERIC,
        error       TEXT,
        params      JSONB
    );
    CREATE INDEX IF NOT EXISTS training_runs_symbol_started_idx
        ON training_runs (symbol, started_at DESC);`

	insertRunSQL = `INSERT INTO training_runs (symbol, status, started_at, params)
    VALUES ($1, $2, $3, $4)
    RETURNING id;`

	finishRunSQL = `UPDATE training_runs
    SET status      = $2,
        finished_at = $3,
        epochs      = $4,
        train_loss  = $5,
        test_loss   = $6,
        error       = $7
    WHERE id = $1;`

	listRecentRunsSQL = `SELECT
        id,
        symbol,
        status,
        started_at,
        finished_at,
        epochs,
        train_loss::text,
        test_loss::text,
        error,
        params
    FROM training_runs
    WHERE ($1 = '' OR symbol = $1)
    ORDER BY started_at DESC
    LIMIT $2;`

	deleteRunsBeforeSQL = `DELETE FROM training_runs WHERE started_at < $1 AND status <> 'running';`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RunStore defines operations for the training ledger.
type RunStore interface {
	StartRun(ctx context.Context, symbol string, params []byte) (int64, error)
	FinishRun(ctx context.Context, id int64, outcome RunOutcome) error
	ListRecentRuns(ctx context.Context, symbol string, limit int) ([]TrainingRun, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store gives access to the training ledger.
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

// SymbolLockKey maps a symbol to the advisory lock key guarding its artifacts.
func SymbolLockKey(symbol string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("forecaster:train:" + symbol))
	return int64(h.Sum64())
}

// EnsureSchema creates the ledger table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock is session scoped, so the connection is held until unlock is called.
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
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// a failed unlock must not return the session to the pool still holding the lock
			_ = conn.Conn().Close(ctxUnlock)
		}
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

// StartRun inserts a running ledger row and returns its id.
func (s *Store) StartRun(ctx context.Context, symbol string, params []byte) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	if err := pool.QueryRow(ctx, insertRunSQL, symbol, RunStatusRunning, time.Now().UTC(), params).Scan(&id); err != nil {
		return 0, fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun records the final state of a run.
func (s *Store) FinishRun(ctx context.Context, id int64, outcome RunOutcome) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if outcome.Err != nil {
		errMsg = outcome.Err.Error()
	}
	cmdTag, execErr := pool.Exec(ctx, finishRunSQL,
		id,
		outcome.Status,
		time.Now().UTC(),
		outcome.Epochs,
		lossValue(outcome.TrainLoss, outcome.Epochs > 0),
		lossValue(outcome.TestLoss, outcome.Status == RunStatusSucceeded),
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("finish run: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func lossValue(v float64, ok bool) interface{} {
	if !ok {
		return nil
	}
	return decimal.NewFromFloat(v).Round(lossScale).String()
}

// ListRecentRuns lists the most recent runs, optionally for one symbol.
func (s *Store) ListRecentRuns(ctx context.Context, symbol string, limit int) ([]TrainingRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0, limit)
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// DeleteRunsBefore prunes finished ledger rows.
func (s *Store) DeleteRunsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteRunsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete runs before: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func scanRun(rows pgx.Rows) (TrainingRun, error) {
	var (
		run       TrainingRun
		finished  sql.NullTime
		trainLoss sql.NullString
		testLoss  sql.NullString
		errMsg    sql.NullString
	)

	if err := rows.Scan(
		&run.ID,
		&run.Symbol,
		&run.Status,
		&run.StartedAt,
		&finished,
		&run.Epochs,
		&trainLoss,
		&testLoss,
		&errMsg,
		&run.Params,
	); err != nil {
		return TrainingRun{}, err
	}

	if finished.Valid {
		ts := finished.Time
		run.FinishedAt = &ts
	}
	var err error
	if run.TrainLoss, err = parseLoss(trainLoss); err != nil {
		return TrainingRun{}, fmt.Errorf("parse train loss: %w", err)
	}
	if run.TestLoss, err = parseLoss(testLoss); err != nil {
		return TrainingRun{}, fmt.Errorf("parse test loss: %w", err)
	}
	if errMsg.Valid {
		msg := errMsg.String
		run.Error = &msg
	}
	return run, nil
}

func parseLoss(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

var (
	_ RunStore       = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
