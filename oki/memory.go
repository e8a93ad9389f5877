package oki

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/runner"
)

// MemoryStore is an in-process Store. Transactions run one at a time
// against a copy of the data that replaces the original only on success,
// which makes every transaction trivially serializable.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
	retry  *runner.Handler
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), retry: DefaultRetryPolicy()}
}

// Transact runs fn in an exclusive transaction.
func (s *MemoryStore) Transact(ctx context.Context, fn func(Tx) error) error {
	return s.retry.Run(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return errStoreClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memoryTx{data: cloneData(s.data)}
		if err := fn(tx); err != nil {
			return err
		}
		s.data = tx.data
		return nil
	})
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryTx struct {
	data map[string][]byte
}

func (tx *memoryTx) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	v, ok := tx.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (tx *memoryTx) Set(_ context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	tx.data[string(key)] = bytes.Clone(value)
	return nil
}

func (tx *memoryTx) Clear(_ context.Context, key []byte) error {
	delete(tx.data, string(key))
	return nil
}

func (tx *memoryTx) ClearRange(_ context.Context, begin, end []byte) error {
	for k := range tx.data {
		if inRange([]byte(k), begin, end) {
			delete(tx.data, k)
		}
	}
	return nil
}

func (tx *memoryTx) GetRange(_ context.Context, begin, end []byte, opts RangeOptions) ([]KeyValue, error) {
	matched := make([]string, 0)
	for k := range tx.data {
		if inRange([]byte(k), begin, end) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	if opts.Reverse {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := make([]KeyValue, 0, len(matched))
	for _, k := range matched {
		out = append(out, KeyValue{Key: []byte(k), Value: bytes.Clone(tx.data[k])})
	}
	return out, nil
}

func (tx *memoryTx) Add(_ context.Context, key []byte, delta int64) error {
	current := keys.DecodeCounter(tx.data[string(key)])
	tx.data[string(key)] = keys.EncodeCounter(current + delta)
	return nil
}

func (tx *memoryTx) AddReadConflictRange(context.Context, []byte, []byte) error {
	return nil
}

func inRange(k, begin, end []byte) bool {
	return bytes.Compare(k, begin) >= 0 && bytes.Compare(k, end) < 0
}

func cloneData(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
