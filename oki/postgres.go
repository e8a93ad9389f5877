package oki

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/runner"
	apperrors "github.com/goliatone/go-errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS oki_kv (
	k bytea PRIMARY KEY,
	v bytea NOT NULL
)`

// PostgresStore keeps the keyspace in a PostgreSQL table and runs every
// transaction at SERIALIZABLE isolation. Serialization failures and
// deadlocks surface as conflicts and are retried.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owned bool
	retry *runner.Handler
}

// OpenPostgres connects to dsn and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "connect postgres oki")
	}
	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewPostgresStore wraps an existing pool and ensures the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, stderrors.New("pgx pool required")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "create oki schema")
	}
	return &PostgresStore{pool: pool, retry: DefaultRetryPolicy()}, nil
}

func (s *PostgresStore) Transact(ctx context.Context, fn func(Tx) error) error {
	return s.retry.Run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return classifyPostgres(err)
		}
		defer func() {
			if tx != nil {
				_ = tx.Rollback(context.Background())
			}
		}()
		if err := fn(&postgresTx{tx: tx}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return classifyPostgres(err)
		}
		tx = nil
		return nil
	})
}

func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var v []byte
	err := t.tx.QueryRow(ctx, `SELECT v FROM oki_kv WHERE k = $1`, key).Scan(&v)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyPostgres(err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, true, nil
}

func (t *postgresTx) Set(ctx context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO oki_kv (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`,
		key, value)
	return classifyPostgres(err)
}

func (t *postgresTx) Clear(ctx context.Context, key []byte) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM oki_kv WHERE k = $1`, key)
	return classifyPostgres(err)
}

func (t *postgresTx) ClearRange(ctx context.Context, begin, end []byte) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM oki_kv WHERE k >= $1 AND k < $2`, begin, end)
	return classifyPostgres(err)
}

func (t *postgresTx) GetRange(ctx context.Context, begin, end []byte, opts RangeOptions) ([]KeyValue, error) {
	order := "ASC"
	if opts.Reverse {
		order = "DESC"
	}
	q := fmt.Sprintf(`SELECT k, v FROM oki_kv WHERE k >= $1 AND k < $2 ORDER BY k %s`, order)
	args := []any{begin, end}
	if opts.Limit > 0 {
		q += ` LIMIT $3`
		args = append(args, opts.Limit)
	}
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()
	var out []KeyValue
	for rows.Next() {
		var kv KeyValue
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, classifyPostgres(err)
		}
		out = append(out, kv)
	}
	return out, classifyPostgres(rows.Err())
}

func (t *postgresTx) Add(ctx context.Context, key []byte, delta int64) error {
	current, _, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	return t.Set(ctx, key, keys.EncodeCounter(keys.DecodeCounter(current)+delta))
}

// AddReadConflictRange reads the range so SSI tracks it as a predicate
// read of this transaction.
func (t *postgresTx) AddReadConflictRange(ctx context.Context, begin, end []byte) error {
	rows, err := t.tx.Query(ctx, `SELECT k FROM oki_kv WHERE k >= $1 AND k < $2`, begin, end)
	if err != nil {
		return classifyPostgres(err)
	}
	rows.Close()
	return classifyPostgres(rows.Err())
}

func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return conflictError(err)
		}
	}
	return err
}
