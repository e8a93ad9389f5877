package ess

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/google/uuid"
)

// EventRow is one persisted history event. Coord is the packed location of
// the event; extendable events are rewritten as a new row with a higher
// Version.
type EventRow struct {
	Idx      int64
	Coord    []byte
	Version  int64
	Kind     int
	Payload  []byte
	CreateTS int64
}

// CommandRow is one outbox entry. AckTS is zero until the command has been
// applied.
type CommandRow struct {
	Idx      int64
	Payload  []byte
	CreateTS int64
	AckTS    int64
}

// State is the bookkeeping row of a store.
type State struct {
	WorkflowID     uuid.UUID
	LastEventIdx   int64
	LastCommandIdx int64
}

// DB is the embedded store of one workflow. A DB is owned by the worker
// holding the workflow's lease and is not shared across processes.
type DB struct {
	id   uuid.UUID
	path string
	db   *sql.DB
	now  func() int64
}

// ID returns the workflow id the store belongs to.
func (d *DB) ID() uuid.UUID { return d.id }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

func (d *DB) meta() map[string]any {
	return map[string]any{"workflow_id": d.id.String(), "path": d.path}
}

// initState creates the state row on first open.
func (d *DB) initState(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO state (id, workflow_id, last_event_idx, last_command_idx) VALUES (0, ?, 0, 0)`,
		d.id.String())
	return storageError(err, "init state", d.meta())
}

// Events returns every event row in write order.
func (d *DB) Events(ctx context.Context) ([]EventRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT idx, coord, version, kind, payload, create_ts FROM events ORDER BY idx`)
	if err != nil {
		return nil, storageError(err, "scan events", d.meta())
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var row EventRow
		if err := rows.Scan(&row.Idx, &row.Coord, &row.Version, &row.Kind, &row.Payload, &row.CreateTS); err != nil {
			return nil, storageError(err, "decode event row", d.meta())
		}
		out = append(out, row)
	}
	return out, storageError(rows.Err(), "scan events", d.meta())
}

// PendingCommands returns the commands that have not been acked, oldest
// first.
func (d *DB) PendingCommands(ctx context.Context) ([]CommandRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT idx, payload, create_ts FROM commands WHERE ack_ts IS NULL ORDER BY idx`)
	if err != nil {
		return nil, storageError(err, "scan commands", d.meta())
	}
	defer rows.Close()
	var out []CommandRow
	for rows.Next() {
		var row CommandRow
		if err := rows.Scan(&row.Idx, &row.Payload, &row.CreateTS); err != nil {
			return nil, storageError(err, "decode command row", d.meta())
		}
		out = append(out, row)
	}
	return out, storageError(rows.Err(), "scan commands", d.meta())
}

// AckCommand marks a command as applied.
func (d *DB) AckCommand(ctx context.Context, idx int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE commands SET ack_ts = ? WHERE idx = ? AND ack_ts IS NULL`, d.now(), idx)
	return storageError(err, "ack command", d.meta())
}

// State reads the bookkeeping row.
func (d *DB) State(ctx context.Context) (State, error) {
	var st State
	var id string
	err := d.db.QueryRowContext(ctx,
		`SELECT workflow_id, last_event_idx, last_command_idx FROM state WHERE id = 0`).
		Scan(&id, &st.LastEventIdx, &st.LastCommandIdx)
	if stderrors.Is(err, sql.ErrNoRows) {
		return State{WorkflowID: d.id}, nil
	}
	if err != nil {
		return State{}, storageError(err, "read state", d.meta())
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return State{}, storageError(err, "parse state workflow id", d.meta())
	}
	st.WorkflowID = parsed
	return st, nil
}

// Update runs fn in one immediate transaction. Events and commands written
// through tx commit together or not at all.
func (d *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "begin transaction", d.meta())
	}
	tx := &Tx{tx: sqlTx, db: d}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if tx.lastEvent > 0 || tx.lastCommand > 0 {
		if _, err := sqlTx.ExecContext(ctx,
			`UPDATE state SET
				last_event_idx = MAX(last_event_idx, ?),
				last_command_idx = MAX(last_command_idx, ?)
			WHERE id = 0`, tx.lastEvent, tx.lastCommand); err != nil {
			_ = sqlTx.Rollback()
			return storageError(err, "update state", d.meta())
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return storageError(err, "commit transaction", d.meta())
	}
	return nil
}

// Tx is a write transaction on one store.
type Tx struct {
	tx          *sql.Tx
	db          *DB
	lastEvent   int64
	lastCommand int64
}

// InsertEvent appends an event row and returns its idx. Writing the same
// (coord, version) twice fails with CodeDuplicateEvent.
func (t *Tx) InsertEvent(ctx context.Context, row EventRow) (int64, error) {
	if row.CreateTS == 0 {
		row.CreateTS = t.db.now()
	}
	if row.Payload == nil {
		row.Payload = []byte{}
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO events (coord, version, kind, payload, create_ts) VALUES (?, ?, ?, ?, ?)`,
		row.Coord, row.Version, row.Kind, row.Payload, row.CreateTS)
	if err != nil {
		return 0, storageError(err, "insert event", t.db.meta())
	}
	idx, err := res.LastInsertId()
	if err != nil {
		return 0, storageError(err, "insert event", t.db.meta())
	}
	t.lastEvent = idx
	return idx, nil
}

// AppendCommand writes an outbox command and returns its idx.
func (t *Tx) AppendCommand(ctx context.Context, payload []byte) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO commands (payload, create_ts) VALUES (?, ?)`, payload, t.db.now())
	if err != nil {
		return 0, storageError(err, "append command", t.db.meta())
	}
	idx, err := res.LastInsertId()
	if err != nil {
		return 0, storageError(err, "append command", t.db.meta())
	}
	t.lastCommand = idx
	return idx, nil
}
