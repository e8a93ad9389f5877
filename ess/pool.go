// Package ess implements the per-workflow embedded state store: one SQLite
// database per workflow holding its event history, its outbox of pending
// commands and a small bookkeeping row.
package ess

import (
	"context"
	"database/sql"
	stderrors "errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultLockTimeout = 30 * time.Second
)

// Logger is the logging surface the pool needs.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type Option func(*Pool)

// WithIdleTimeout closes released handles unused for longer than d.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

// WithLockTimeout sets how old a migration lock must be before another
// opener may reclaim it.
func WithLockTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.lockTimeout = d
		}
	}
}

// WithMigrations replaces the embedded schema migrations.
func WithMigrations(fsys fs.FS) Option {
	return func(p *Pool) {
		if fsys != nil {
			p.migrationsFS = fsys
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

type handle struct {
	db       *DB
	refs     int
	lastUsed time.Time
}

// Pool opens workflow stores lazily, shares open handles between callers
// and closes them once idle.
type Pool struct {
	dir          string
	idleTimeout  time.Duration
	lockTimeout  time.Duration
	migrationsFS fs.FS
	now          func() time.Time
	logger       Logger

	mu         sync.Mutex
	open       map[uuid.UUID]*handle
	migrations []migration
	closed     bool
}

// NewPool creates a pool rooted at dir.
func NewPool(dir string, opts ...Option) (*Pool, error) {
	if dir == "" {
		return nil, apperrors.New("ess directory required", apperrors.CategoryBadInput)
	}
	p := &Pool{
		dir:          dir,
		idleTimeout:  DefaultIdleTimeout,
		lockTimeout:  DefaultLockTimeout,
		migrationsFS: DefaultMigrations(),
		now:          time.Now,
		open:         make(map[uuid.UUID]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	migrations, err := loadMigrations(p.migrationsFS)
	if err != nil {
		return nil, err
	}
	p.migrations = migrations
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "create ess directory").
			WithMetadata(map[string]any{"dir": dir})
	}
	return p, nil
}

// Path returns the file path of the store for id.
func (p *Pool) Path(id uuid.UUID) string {
	s := id.String()
	return filepath.Join(p.dir, s[:2], s+".db")
}

// DSN builds the SQLite DSN used for a store file.
func DSN(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_auto_vacuum", "incremental")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Exists reports whether a store file has been created for id.
func (p *Pool) Exists(id uuid.UUID) bool {
	_, err := os.Stat(p.Path(id))
	return err == nil
}

// Acquire opens (creating and migrating if needed) the store for id. The
// returned release func must be called once the caller is done with it.
func (p *Pool) Acquire(ctx context.Context, id uuid.UUID) (*DB, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, apperrors.New("ess pool closed", apperrors.CategoryBadInput)
	}
	h, ok := p.open[id]
	if !ok {
		db, err := p.openLocked(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		h = &handle{db: db}
		p.open[id] = h
	}
	h.refs++
	h.lastUsed = p.now()

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			h.refs--
			h.lastUsed = p.now()
		})
	}
	return h.db, release, nil
}

func (p *Pool) openLocked(ctx context.Context, id uuid.UUID) (*DB, error) {
	path := p.Path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "create ess shard directory").
			WithMetadata(map[string]any{"path": path})
	}
	sqlDB, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, storageError(err, "open ess", map[string]any{"path": path})
	}
	sqlDB.SetMaxOpenConns(1)

	m := &migrator{
		db:          sqlDB,
		path:        path,
		migrations:  p.migrations,
		lockTimeout: p.lockTimeout,
		now:         p.now,
	}
	if err := m.run(ctx); err != nil {
		_ = sqlDB.Close()
		p.logError("ess migration failed for %s: %v", path, err)
		return nil, err
	}

	db := &DB{id: id, path: path, db: sqlDB, now: func() int64 { return p.now().UnixMilli() }}
	if err := db.initState(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	p.logDebug("ess opened %s", path)
	return db, nil
}

// CloseIdle closes released handles idle since before now minus the idle
// timeout and returns how many were closed.
func (p *Pool) CloseIdle(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	closed := 0
	for id, h := range p.open {
		if h.refs > 0 || now.Sub(h.lastUsed) < p.idleTimeout {
			continue
		}
		if err := h.db.db.Close(); err != nil {
			p.logError("ess close %s: %v", h.db.path, err)
		}
		delete(p.open, id)
		closed++
	}
	return closed
}

// OpenCount returns the number of cached handles.
func (p *Pool) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

// Remove closes and deletes the store for id. It fails with CodeBusy while
// the store is acquired.
func (p *Pool) Remove(_ context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.open[id]; ok {
		if h.refs > 0 {
			return apperrors.New("embedded state store in use", apperrors.CategoryConflict).
				WithTextCode(CodeBusy).
				WithMetadata(map[string]any{"workflow_id": id.String()})
		}
		_ = h.db.db.Close()
		delete(p.open, id)
	}
	path := p.Path(id)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !stderrors.Is(err, os.ErrNotExist) {
			return apperrors.Wrap(err, apperrors.CategoryExternal, "remove ess file").
				WithMetadata(map[string]any{"path": path + suffix})
		}
	}
	return nil
}

// ClearTaint resets the taint and migration lock of a store so the next
// Acquire retries its pending migrations. A missing store is a no-op.
func (p *Pool) ClearTaint(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := p.Path(id)
	if _, err := os.Stat(path); stderrors.Is(err, os.ErrNotExist) {
		return nil
	}
	sqlDB, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return storageError(err, "open ess", map[string]any{"path": path})
	}
	defer sqlDB.Close()
	if _, err := sqlDB.ExecContext(ctx, migrationsDDL); err != nil {
		return storageError(err, "create migrations table", map[string]any{"path": path})
	}
	_, err = sqlDB.ExecContext(ctx, `UPDATE _migrations SET tainted = 0, locked = 0 WHERE id = 0`)
	if err == nil {
		p.logDebug("ess taint cleared for %s", path)
	}
	return storageError(err, "clear taint", map[string]any{"path": path})
}

// Tainted reports whether the store for id is tainted.
func (p *Pool) Tainted(ctx context.Context, id uuid.UUID) (bool, error) {
	path := p.Path(id)
	if _, err := os.Stat(path); stderrors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	sqlDB, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return false, storageError(err, "open ess", map[string]any{"path": path})
	}
	defer sqlDB.Close()
	status, err := readStatus(ctx, sqlDB)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageError(err, "read migration status", map[string]any{"path": path})
	}
	return status.tainted, nil
}

// Close closes every cached handle. Acquire fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var first error
	for id, h := range p.open {
		if err := h.db.db.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.open, id)
	}
	return first
}

func (p *Pool) logDebug(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

func (p *Pool) logError(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Error(msg, args...)
	}
}
