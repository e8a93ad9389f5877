// Package oki defines the ordered transactional key-value index that holds
// every cross-process engine record, with memory, SQLite and PostgreSQL
// backends.
package oki

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/runner"
	apperrors "github.com/goliatone/go-errors"
)

// CodeConflict marks a transaction that lost a serialization race and may
// be retried.
const CodeConflict = "OKI_CONFLICT"

// ErrConflict is the sentinel wrapped by backend conflict errors.
var ErrConflict = apperrors.New("transaction conflict", apperrors.CategoryConflict).
	WithTextCode(CodeConflict)

var errStoreClosed = apperrors.New("oki store closed", apperrors.CategoryBadInput).
	WithTextCode("OKI_CLOSED")

// KeyValue is one row returned by a range read.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// RangeOptions bounds a range read. A Limit of zero means unbounded.
type RangeOptions struct {
	Limit   int
	Reverse bool
}

// Tx is a serializable transaction over the keyspace.
type Tx interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key []byte) (value []byte, ok bool, err error)
	Set(ctx context.Context, key, value []byte) error
	Clear(ctx context.Context, key []byte) error
	// ClearRange removes every key in [begin, end).
	ClearRange(ctx context.Context, begin, end []byte) error
	// GetRange returns keys in [begin, end) in key order.
	GetRange(ctx context.Context, begin, end []byte, opts RangeOptions) ([]KeyValue, error)
	// Add atomically adds delta to the little-endian int64 stored at key.
	Add(ctx context.Context, key []byte, delta int64) error
	// AddReadConflictRange declares [begin, end) as read by the transaction
	// so concurrent writers to it conflict.
	AddReadConflictRange(ctx context.Context, begin, end []byte) error
}

// Store runs transactions. Transact retries fn on conflicts, so fn must be
// free of side effects outside the transaction.
type Store interface {
	Transact(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// IsConflict reports whether err is a retryable serialization conflict.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) && ge.TextCode == CodeConflict {
		return true
	}
	return false
}

func conflictError(cause error) error {
	return apperrors.Wrap(cause, apperrors.CategoryConflict, "transaction conflict").
		WithTextCode(CodeConflict)
}

// DefaultRetryPolicy is the conflict retry policy used by every backend
// unless overridden: exponential backoff with jitter.
func DefaultRetryPolicy() *runner.Handler {
	return NewRetryPolicy(8, runner.JitterBackoffStrategy{
		ExponentialBackoffStrategy: runner.ExponentialBackoffStrategy{
			Base:   5 * time.Millisecond,
			Factor: 2,
			Max:    500 * time.Millisecond,
		},
		Jitter: 0.5,
	})
}

// NewRetryPolicy retries conflicts up to maxRetries times.
func NewRetryPolicy(maxRetries int, strategy runner.RetryStrategy) *runner.Handler {
	return runner.NewHandler(
		runner.WithMaxRetries(maxRetries),
		runner.WithRetryStrategy(strategy),
		runner.WithRetryable(IsConflict),
	)
}

// Load reads and decodes the value stored under k.
func Load[V any](ctx context.Context, tx Tx, k keys.FormalKey[V]) (V, bool, error) {
	var zero V
	raw, ok, err := tx.Get(ctx, k.Pack())
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := k.DeserializeValue(raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Save encodes v and stores it under k.
func Save[V any](ctx context.Context, tx Tx, k keys.FormalKey[V], v V) error {
	raw, err := k.SerializeValue(v)
	if err != nil {
		return err
	}
	return tx.Set(ctx, k.Pack(), raw)
}

// Delete clears k.
func Delete[V any](ctx context.Context, tx Tx, k keys.FormalKey[V]) error {
	return tx.Clear(ctx, k.Pack())
}

// ScanSubspace reads every row of sub.
func ScanSubspace(ctx context.Context, tx Tx, sub keys.Subspace, opts RangeOptions) ([]KeyValue, error) {
	begin, end := sub.Range()
	return tx.GetRange(ctx, begin, end, opts)
}

// ClearSubspace removes every row of sub.
func ClearSubspace(ctx context.Context, tx Tx, sub keys.Subspace) error {
	begin, end := sub.Range()
	return tx.ClearRange(ctx, begin, end)
}
