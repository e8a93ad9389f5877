package ess

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// DefaultMigrations returns the schema migrations shipped with the package.
func DefaultMigrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const migrationsDDL = `CREATE TABLE IF NOT EXISTS _migrations (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	last_index INTEGER NOT NULL DEFAULT 0,
	locked INTEGER NOT NULL DEFAULT 0,
	tainted INTEGER NOT NULL DEFAULT 0
)`

type migration struct {
	index int
	name  string
	sql   string
}

// loadMigrations reads NNNN_name.sql files from fsys ordered by index.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, "read migrations")
	}
	out := make([]migration, 0, len(entries))
	seen := make(map[int]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, apperrors.New("migration file name needs an index prefix", apperrors.CategoryBadInput).
				WithMetadata(map[string]any{"file": name})
		}
		idx, err := strconv.Atoi(prefix)
		if err != nil || idx <= 0 {
			return nil, apperrors.New("migration index must be a positive integer", apperrors.CategoryBadInput).
				WithMetadata(map[string]any{"file": name})
		}
		if other, dup := seen[idx]; dup {
			return nil, apperrors.New("duplicate migration index", apperrors.CategoryBadInput).
				WithMetadata(map[string]any{"file": name, "other": other})
		}
		seen[idx] = name
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CategoryInternal, "read migration").
				WithMetadata(map[string]any{"file": name})
		}
		out = append(out, migration{index: idx, name: name, sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out, nil
}

type migrationStatus struct {
	lastIndex int
	locked    int64
	tainted   bool
}

type migrator struct {
	db          *sql.DB
	path        string
	migrations  []migration
	lockTimeout time.Duration
	now         func() time.Time
}

// run brings the database up to the latest migration. Each migration runs
// in its own transaction while the _migrations lock is held.
func (m *migrator) run(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, migrationsDDL); err != nil {
		return storageError(err, "create migrations table", map[string]any{"path": m.path})
	}
	if _, err := m.db.ExecContext(ctx, `INSERT OR IGNORE INTO _migrations (id) VALUES (0)`); err != nil {
		return storageError(err, "seed migrations table", map[string]any{"path": m.path})
	}

	pending, err := m.acquire(ctx)
	if err != nil || len(pending) == 0 {
		return err
	}

	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			if taintErr := m.taint(context.Background()); taintErr != nil {
				return taintErr
			}
			return apperrors.Wrap(err, apperrors.CategoryInternal, "apply migration").
				WithTextCode(CodeTainted).
				WithMetadata(map[string]any{"path": m.path, "migration": mig.name})
		}
	}
	_, err = m.db.ExecContext(ctx, `UPDATE _migrations SET locked = 0 WHERE id = 0`)
	return storageError(err, "release migration lock", map[string]any{"path": m.path})
}

// acquire takes the migration lock when there is work to do. A lock older
// than lockTimeout belongs to a crashed migrator and is reclaimed.
func (m *migrator) acquire(ctx context.Context) ([]migration, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError(err, "begin migration lock", map[string]any{"path": m.path})
	}
	defer func() { _ = tx.Rollback() }()

	status, err := readStatus(ctx, tx)
	if err != nil {
		return nil, storageError(err, "read migration status", map[string]any{"path": m.path})
	}
	if status.tainted {
		return nil, taintedError(m.path)
	}

	var pending []migration
	for _, mig := range m.migrations {
		if mig.index > status.lastIndex {
			pending = append(pending, mig)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	now := m.now().UnixMilli()
	if status.locked != 0 && now-status.locked < m.lockTimeout.Milliseconds() {
		return nil, lockedError(m.path, status.locked)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _migrations SET locked = ? WHERE id = 0`, now); err != nil {
		return nil, storageError(err, "take migration lock", map[string]any{"path": m.path})
	}
	if err := tx.Commit(); err != nil {
		return nil, storageError(err, "commit migration lock", map[string]any{"path": m.path})
	}
	return pending, nil
}

func (m *migrator) apply(ctx context.Context, mig migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, mig.sql); err != nil {
		return fmt.Errorf("%s: %w", mig.name, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _migrations SET last_index = ? WHERE id = 0`, mig.index); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *migrator) taint(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `UPDATE _migrations SET tainted = 1, locked = 0 WHERE id = 0`)
	return storageError(err, "mark store tainted", map[string]any{"path": m.path})
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readStatus(ctx context.Context, q queryRower) (migrationStatus, error) {
	var status migrationStatus
	var tainted int
	err := q.QueryRowContext(ctx, `SELECT last_index, locked, tainted FROM _migrations WHERE id = 0`).
		Scan(&status.lastIndex, &status.locked, &tainted)
	status.tainted = tainted != 0
	return status, err
}
