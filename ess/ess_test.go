package ess

import (
	"context"
	"database/sql"
	stderrors "errors"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
)

var errAbort = stderrors.New("abort")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	pool, err := NewPool(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestAcquireInitializesStore(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	id := uuid.New()

	if pool.Exists(id) {
		t.Fatalf("store should not exist before first acquire")
	}
	db, release, err := pool.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if !pool.Exists(id) {
		t.Fatalf("expected store file at %s", pool.Path(id))
	}
	st, err := db.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.WorkflowID != id || st.LastEventIdx != 0 || st.LastCommandIdx != 0 {
		t.Fatalf("unexpected initial state %+v", st)
	}
	events, err := db.Events(ctx)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %d (%v)", len(events), err)
	}
}

func TestEventsAreAppendOnlyPerCoordinateVersion(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	db, release, err := pool.Acquire(ctx, uuid.New())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	coord := []byte{0x15, 0x01}
	err = db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.InsertEvent(ctx, EventRow{Coord: coord, Version: 0, Kind: 1, Payload: []byte(`{"a":1}`)}); err != nil {
			return err
		}
		_, err := tx.InsertEvent(ctx, EventRow{Coord: coord, Version: 1, Kind: 1, Payload: []byte(`{"a":2}`)})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = db.Update(ctx, func(tx *Tx) error {
		_, err := tx.InsertEvent(ctx, EventRow{Coord: coord, Version: 1, Kind: 1})
		return err
	})
	if !HasCode(err, CodeDuplicateEvent) {
		t.Fatalf("expected %s, got %v", CodeDuplicateEvent, err)
	}

	events, err := db.Events(ctx)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Version != 0 || events[1].Version != 1 || string(events[1].Payload) != `{"a":2}` {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].CreateTS == 0 {
		t.Fatalf("create_ts should default to the clock")
	}
	st, _ := db.State(ctx)
	if st.LastEventIdx != events[1].Idx {
		t.Fatalf("expected last_event_idx %d, got %d", events[1].Idx, st.LastEventIdx)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	db, release, err := pool.Acquire(ctx, uuid.New())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	err = db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.InsertEvent(ctx, EventRow{Coord: []byte{1}, Kind: 1}); err != nil {
			return err
		}
		if _, err := tx.AppendCommand(ctx, []byte("cmd")); err != nil {
			return err
		}
		return errAbort
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	events, _ := db.Events(ctx)
	cmds, _ := db.PendingCommands(ctx)
	if len(events) != 0 || len(cmds) != 0 {
		t.Fatalf("expected rollback, got %d events %d commands", len(events), len(cmds))
	}
}

func TestCommandOutbox(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	db, release, err := pool.Acquire(ctx, uuid.New())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	err = db.Update(ctx, func(tx *Tx) error {
		for _, p := range []string{"one", "two"} {
			if _, err := tx.AppendCommand(ctx, []byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	cmds, err := db.PendingCommands(ctx)
	if err != nil || len(cmds) != 2 {
		t.Fatalf("expected 2 pending commands, got %d (%v)", len(cmds), err)
	}
	if string(cmds[0].Payload) != "one" {
		t.Fatalf("commands must be returned oldest first")
	}
	if err := db.AckCommand(ctx, cmds[0].Idx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := db.AckCommand(ctx, cmds[0].Idx); err != nil {
		t.Fatalf("second ack should be a no-op: %v", err)
	}
	cmds, _ = db.PendingCommands(ctx)
	if len(cmds) != 1 || string(cmds[0].Payload) != "two" {
		t.Fatalf("unexpected pending commands %+v", cmds)
	}
	st, _ := db.State(ctx)
	if st.LastCommandIdx != cmds[0].Idx {
		t.Fatalf("expected last_command_idx %d, got %d", cmds[0].Idx, st.LastCommandIdx)
	}
}

func TestHandlesAreSharedAndClosedWhenIdle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	pool := newTestPool(t, WithClock(clock.now), WithIdleTimeout(time.Minute))
	id := uuid.New()

	a, releaseA, err := pool.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, releaseB, err := pool.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a != b {
		t.Fatalf("expected shared handle")
	}

	clock.t = clock.t.Add(2 * time.Minute)
	if n := pool.CloseIdle(clock.t); n != 0 {
		t.Fatalf("acquired handles must stay open, closed %d", n)
	}
	releaseA()
	releaseA()
	releaseB()

	if n := pool.CloseIdle(clock.t.Add(30 * time.Second)); n != 0 {
		t.Fatalf("recently released handle closed early")
	}
	if n := pool.CloseIdle(clock.t.Add(time.Minute)); n != 1 {
		t.Fatalf("expected idle handle to close, closed %d", n)
	}
	if pool.OpenCount() != 0 {
		t.Fatalf("expected empty pool")
	}

	db, release, err := pool.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer release()
	if st, err := db.State(ctx); err != nil || st.WorkflowID != id {
		t.Fatalf("reopened store lost state: %+v %v", st, err)
	}
}

func TestRemoveDeletesStore(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	id := uuid.New()

	_, release, err := pool.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := pool.Remove(ctx, id); !HasCode(err, CodeBusy) {
		t.Fatalf("expected %s while acquired, got %v", CodeBusy, err)
	}
	release()
	if err := pool.Remove(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if pool.Exists(id) {
		t.Fatalf("store file still present")
	}
	if err := pool.Remove(ctx, id); err != nil {
		t.Fatalf("removing a missing store should succeed: %v", err)
	}
}

func TestFailedMigrationTaintsUntilCleared(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	id := uuid.New()

	broken := withExtra(t, "0003_bad.sql", `CREATE TABLE oops (`)
	pool, err := NewPool(dir, WithMigrations(broken))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if _, _, err := pool.Acquire(ctx, id); !HasCode(err, CodeTainted) {
		t.Fatalf("expected %s, got %v", CodeTainted, err)
	}
	if _, _, err := pool.Acquire(ctx, id); !HasCode(err, CodeTainted) {
		t.Fatalf("tainted store must stay blocked, got %v", err)
	}
	if tainted, err := pool.Tainted(ctx, id); err != nil || !tainted {
		t.Fatalf("expected tainted flag, got %v %v", tainted, err)
	}
	_ = pool.Close()

	fixed := withExtra(t, "0003_bad.sql", `CREATE TABLE oops (id INTEGER);`)
	pool, err = NewPool(dir, WithMigrations(fixed))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()
	if _, _, err := pool.Acquire(ctx, id); !HasCode(err, CodeTainted) {
		t.Fatalf("taint must survive a code fix, got %v", err)
	}
	if err := pool.ClearTaint(ctx, id); err != nil {
		t.Fatalf("clear taint: %v", err)
	}
	_, release, err := pool.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("acquire after clearing taint: %v", err)
	}
	release()
}

func TestMigrationLockBlocksUntilStale(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	id := uuid.New()
	clock := &fakeClock{t: time.Unix(5000, 0)}

	pool, err := NewPool(dir, WithClock(clock.now))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	_, release, err := pool.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	path := pool.Path(id)
	_ = pool.Close()

	raw, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := raw.Exec(`UPDATE _migrations SET locked = ?`, clock.t.UnixMilli()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_ = raw.Close()

	extended := withExtra(t, "0099_extra.sql", `CREATE TABLE extra (id INTEGER);`)

	pool, err = NewPool(dir, WithClock(clock.now), WithMigrations(extended), WithLockTimeout(10*time.Second))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()
	if _, _, err := pool.Acquire(ctx, id); !HasCode(err, CodeMigrationLocked) {
		t.Fatalf("expected %s, got %v", CodeMigrationLocked, err)
	}
	clock.t = clock.t.Add(11 * time.Second)
	_, release, err = pool.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("stale lock should be reclaimed: %v", err)
	}
	release()
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	if _, err := loadMigrations(fstest.MapFS{"init.sql": {Data: []byte("")}}); err == nil {
		t.Fatalf("expected missing index prefix to fail")
	}
	if _, err := loadMigrations(fstest.MapFS{
		"0001_a.sql": {Data: []byte("")},
		"1_b.sql":    {Data: []byte("")},
	}); err == nil {
		t.Fatalf("expected duplicate index to fail")
	}
	migs := mustLoad(t, DefaultMigrations())
	if len(migs) < 2 || migs[0].index != 1 || migs[1].index != 2 {
		t.Fatalf("unexpected embedded migrations %+v", migs)
	}
}

func mustLoad(t *testing.T, fsys fs.FS) []migration {
	t.Helper()
	migs, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	return migs
}

func withExtra(t *testing.T, name, body string) fstest.MapFS {
	t.Helper()
	out := fstest.MapFS{}
	for _, mig := range mustLoad(t, DefaultMigrations()) {
		out[mig.name] = &fstest.MapFile{Data: []byte(mig.sql)}
	}
	out[name] = &fstest.MapFile{Data: []byte(body)}
	return out
}
