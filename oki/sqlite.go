package oki

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/url"

	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/runner"
	apperrors "github.com/goliatone/go-errors"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS oki_kv (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID`

// SQLiteStore keeps the keyspace in one SQLite table. Every transaction
// takes the database write lock up front (BEGIN IMMEDIATE), so transactions
// are serialized and read conflict ranges need no bookkeeping.
type SQLiteStore struct {
	db    *sql.DB
	owned bool
	retry *runner.Handler
}

// SQLiteDSN builds a DSN for path with WAL journaling, a 5s busy timeout
// and immediate transactions.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", SQLiteDSN(path))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "open sqlite oki").
			WithMetadata(map[string]any{"path": path})
	}
	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewSQLiteStore wraps an existing handle. The DSN should request
// immediate transactions (see SQLiteDSN).
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, stderrors.New("sqlite db required")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "create oki schema")
	}
	return &SQLiteStore{db: db, retry: DefaultRetryPolicy()}, nil
}

// Transact runs fn in an immediate transaction, retrying busy/locked errors.
func (s *SQLiteStore) Transact(ctx context.Context, fn func(Tx) error) error {
	return s.retry.Run(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classifySQLite(err)
		}
		defer func() {
			if tx != nil {
				_ = tx.Rollback()
			}
		}()
		if err := fn(&sqliteTx{tx: tx}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return classifySQLite(err)
		}
		tx = nil
		return nil
	})
}

func (s *SQLiteStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var v []byte
	err := t.tx.QueryRowContext(ctx, `SELECT v FROM oki_kv WHERE k = ?`, key).Scan(&v)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifySQLite(err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, true, nil
}

func (t *sqliteTx) Set(ctx context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO oki_kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		key, value)
	return classifySQLite(err)
}

func (t *sqliteTx) Clear(ctx context.Context, key []byte) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM oki_kv WHERE k = ?`, key)
	return classifySQLite(err)
}

func (t *sqliteTx) ClearRange(ctx context.Context, begin, end []byte) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM oki_kv WHERE k >= ? AND k < ?`, begin, end)
	return classifySQLite(err)
}

func (t *sqliteTx) GetRange(ctx context.Context, begin, end []byte, opts RangeOptions) ([]KeyValue, error) {
	order := "ASC"
	if opts.Reverse {
		order = "DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	q := fmt.Sprintf(`SELECT k, v FROM oki_kv WHERE k >= ? AND k < ? ORDER BY k %s LIMIT ?`, order)
	rows, err := t.tx.QueryContext(ctx, q, begin, end, limit)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()
	var out []KeyValue
	for rows.Next() {
		var kv KeyValue
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, classifySQLite(err)
		}
		out = append(out, kv)
	}
	return out, classifySQLite(rows.Err())
}

func (t *sqliteTx) Add(ctx context.Context, key []byte, delta int64) error {
	current, _, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	return t.Set(ctx, key, keys.EncodeCounter(keys.DecodeCounter(current)+delta))
}

func (t *sqliteTx) AddReadConflictRange(context.Context, []byte, []byte) error {
	return nil
}

func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if stderrors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return conflictError(err)
	}
	return err
}
