package oki

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goliatone/go-durable/keys"
	"github.com/google/uuid"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "oki.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			runConformance(t, factory(t))
		})
	}
}

func runConformance(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("set get clear", func(t *testing.T) {
		err := store.Transact(ctx, func(tx Tx) error {
			if err := tx.Set(ctx, []byte("a"), []byte("1")); err != nil {
				return err
			}
			return tx.Set(ctx, []byte("empty"), nil)
		})
		if err != nil {
			t.Fatalf("transact: %v", err)
		}
		err = store.Transact(ctx, func(tx Tx) error {
			v, ok, err := tx.Get(ctx, []byte("a"))
			if err != nil || !ok || string(v) != "1" {
				t.Fatalf("expected a=1, got %q %v %v", v, ok, err)
			}
			v, ok, err = tx.Get(ctx, []byte("empty"))
			if err != nil || !ok || len(v) != 0 {
				t.Fatalf("expected present empty value, got %q %v %v", v, ok, err)
			}
			if _, ok, _ := tx.Get(ctx, []byte("missing")); ok {
				t.Fatalf("missing key reported present")
			}
			return tx.Clear(ctx, []byte("a"))
		})
		if err != nil {
			t.Fatalf("transact: %v", err)
		}
		_ = store.Transact(ctx, func(tx Tx) error {
			if _, ok, _ := tx.Get(ctx, []byte("a")); ok {
				t.Fatalf("cleared key still present")
			}
			return nil
		})
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Transact(ctx, func(tx Tx) error {
			if err := tx.Set(ctx, []byte("rolled"), []byte("x")); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		_ = store.Transact(ctx, func(tx Tx) error {
			if _, ok, _ := tx.Get(ctx, []byte("rolled")); ok {
				t.Fatalf("write from failed transaction is visible")
			}
			return nil
		})
	})

	t.Run("ordered ranges", func(t *testing.T) {
		sub := keys.WorkflowWakeSubspace("ranges")
		id := uuid.New()
		err := store.Transact(ctx, func(tx Tx) error {
			for _, ts := range []int64{30, -5, 10, 20} {
				k := keys.WorkflowWakeKey{Name: "ranges", TS: ts, WorkflowID: id, Variant: keys.WakeDeadline}
				if err := Save[keys.Empty](ctx, tx, k, keys.Empty{}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		_ = store.Transact(ctx, func(tx Tx) error {
			rows, err := ScanSubspace(ctx, tx, sub, RangeOptions{})
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			got := wakeTimestamps(t, rows)
			if !equalInts(got, []int64{-5, 10, 20, 30}) {
				t.Fatalf("unexpected order %v", got)
			}

			rows, _ = ScanSubspace(ctx, tx, sub, RangeOptions{Limit: 2, Reverse: true})
			if got := wakeTimestamps(t, rows); !equalInts(got, []int64{30, 20}) {
				t.Fatalf("unexpected reverse order %v", got)
			}

			begin, end := keys.DueWakeRange("ranges", 10)
			rows, _ = tx.GetRange(ctx, begin, end, RangeOptions{})
			if got := wakeTimestamps(t, rows); !equalInts(got, []int64{-5, 10}) {
				t.Fatalf("unexpected due set %v", got)
			}
			return nil
		})

		err = store.Transact(ctx, func(tx Tx) error { return ClearSubspace(ctx, tx, sub) })
		if err != nil {
			t.Fatalf("clear range: %v", err)
		}
		_ = store.Transact(ctx, func(tx Tx) error {
			rows, _ := ScanSubspace(ctx, tx, sub, RangeOptions{})
			if len(rows) != 0 {
				t.Fatalf("expected empty subspace, got %d rows", len(rows))
			}
			return nil
		})
	})

	t.Run("typed helpers", func(t *testing.T) {
		id := uuid.New()
		k := keys.WorkflowKey{WorkflowID: id}
		rec := keys.WorkflowRecord{ID: id, Name: "typed", State: keys.StatePending}
		if err := store.Transact(ctx, func(tx Tx) error { return Save(ctx, tx, k, rec) }); err != nil {
			t.Fatalf("save: %v", err)
		}
		_ = store.Transact(ctx, func(tx Tx) error {
			got, ok, err := Load(ctx, tx, k)
			if err != nil || !ok || got.Name != "typed" {
				t.Fatalf("load: %+v %v %v", got, ok, err)
			}
			return Delete(ctx, tx, k)
		})
		_ = store.Transact(ctx, func(tx Tx) error {
			if _, ok, _ := Load(ctx, tx, k); ok {
				t.Fatalf("deleted record still present")
			}
			return nil
		})
	})

	t.Run("atomic add", func(t *testing.T) {
		key := keys.CounterKey{Name: "adds", Metric: "n"}.Pack()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := store.Transact(ctx, func(tx Tx) error { return tx.Add(ctx, key, 2) }); err != nil {
					t.Errorf("add: %v", err)
				}
			}()
		}
		wg.Wait()
		_ = store.Transact(ctx, func(tx Tx) error {
			raw, _, _ := tx.Get(ctx, key)
			if got := keys.DecodeCounter(raw); got != 16 {
				t.Fatalf("expected 16, got %d", got)
			}
			return tx.AddReadConflictRange(ctx, key, append(bytes.Clone(key), 0xFF))
		})
	})
}

func wakeTimestamps(t *testing.T, rows []KeyValue) []int64 {
	t.Helper()
	out := make([]int64, 0, len(rows))
	for _, row := range rows {
		k, err := keys.UnpackWorkflowWakeKey(row.Key)
		if err != nil {
			t.Fatalf("unpack wake: %v", err)
		}
		out = append(out, k.TS)
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestIsConflict(t *testing.T) {
	if IsConflict(nil) || IsConflict(errors.New("plain")) {
		t.Fatalf("plain errors are not conflicts")
	}
	if !IsConflict(conflictError(errors.New("busy"))) {
		t.Fatalf("expected wrapped conflict to be detected")
	}
	if !IsConflict(ErrConflict) {
		t.Fatalf("expected sentinel to be a conflict")
	}
}

func TestMemoryStoreRetriesConflicts(t *testing.T) {
	store := NewMemoryStore()
	attempts := 0
	err := store.Transact(context.Background(), func(tx Tx) error {
		attempts++
		if attempts < 3 {
			return ErrConflict
		}
		return tx.Set(context.Background(), []byte("k"), []byte("v"))
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one key, got %d", store.Len())
	}
}

func TestMemoryStoreRejectsAfterClose(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Close()
	if err := store.Transact(context.Background(), func(Tx) error { return nil }); err == nil {
		t.Fatalf("expected closed store to fail")
	}
}
