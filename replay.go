package durable

import (
	"context"
	"fmt"

	"github.com/goliatone/go-durable/ess"
	"github.com/goliatone/go-durable/history"
	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/oki"
	"github.com/google/uuid"
)

// suspension describes why an attempt parked and what should wake it.
type suspension struct {
	state         keys.WorkflowState
	deadline      int64
	signals       []string
	subWorkflowID uuid.UUID
}

// attempt is the state of one replay of one workflow.
type attempt struct {
	engine   *Engine
	workerID string
	rec      keys.WorkflowRecord
	def      WorkflowDefinition
	db       *ess.DB
	log      *history.Log
	logger   Logger

	visited map[string]struct{}
	entered map[string]history.Location

	suspend  *suspension
	mismatch error
	infra    error
}

func newAttempt(e *Engine, workerID string, rec keys.WorkflowRecord, def WorkflowDefinition, db *ess.DB, log *history.Log, logger Logger) *attempt {
	return &attempt{
		engine:   e,
		workerID: workerID,
		rec:      rec,
		def:      def,
		db:       db,
		log:      log,
		logger:   logger,
		visited:  make(map[string]struct{}),
		entered:  make(map[string]history.Location),
	}
}

func (r *attempt) now() int64 { return r.engine.nowMs() }

// lookup returns the recorded event at loc and marks it replayed.
func (r *attempt) lookup(loc history.Location) (history.Event, bool) {
	ev, ok := r.log.At(loc)
	if ok {
		r.visited[string(loc.Pack())] = struct{}{}
	}
	return ev, ok
}

func (r *attempt) enter(root history.Location) {
	r.entered[string(root.Pack())] = root
}

// diverged records a fatal replay error. The first one wins.
func (r *attempt) diverged(err error) error {
	if r.mismatch == nil {
		r.mismatch = err
	}
	return r.mismatch
}

// fail records an infrastructure error that aborts the attempt without
// touching the workflow's outcome.
func (r *attempt) fail(err error) error {
	if r.infra == nil {
		r.infra = err
	}
	return r.infra
}

func (r *attempt) park(s suspension) error {
	if r.suspend == nil {
		r.suspend = &s
	}
	return ErrSuspended
}

// write appends one event version, together with any outbox commands, and
// applies the commands right away.
func (r *attempt) write(ctx context.Context, loc history.Location, version int64, payload history.Payload, cmds ...outboxCommand) error {
	ev := history.Event{Location: loc, Version: version, Payload: payload, CreateTS: r.now()}
	row, err := ev.Row()
	if err != nil {
		return err
	}
	encoded := make([][]byte, 0, len(cmds))
	for _, cmd := range cmds {
		raw, err := cmd.encode()
		if err != nil {
			return err
		}
		encoded = append(encoded, raw)
	}
	err = r.db.Update(ctx, func(tx *ess.Tx) error {
		if _, err := tx.InsertEvent(ctx, row); err != nil {
			return err
		}
		for _, raw := range encoded {
			if _, err := tx.AppendCommand(ctx, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(cmds) > 0 {
		return r.engine.drainCommands(ctx, r.db, r.logger)
	}
	return nil
}

// transact runs fn in an OKI transaction that first checks the attempt
// still holds the workflow's lease.
func (r *attempt) transact(ctx context.Context, fn func(oki.Tx) error) error {
	return r.engine.store.Transact(ctx, func(tx oki.Tx) error {
		if err := verifyLease(ctx, tx, r.rec.ID, r.workerID, r.now()); err != nil {
			return err
		}
		return fn(tx)
	})
}

// unvisited reports the first recorded event that the finished run never
// reached, limited to scopes the run entered.
func (r *attempt) unvisited() error {
	for _, root := range r.entered {
		for _, ev := range r.log.Children(root) {
			if _, ok := r.visited[string(ev.Location.Pack())]; !ok {
				return mismatchError(ev.Location, "no primitive", describeEvent(ev))
			}
		}
	}
	return nil
}

func verifyLease(ctx context.Context, tx oki.Tx, id uuid.UUID, workerID string, now int64) error {
	lease, ok, err := oki.Load(ctx, tx, keys.LeaseKey{WorkflowID: id})
	if err != nil {
		return err
	}
	if !ok || lease.WorkerID != workerID || !lease.Valid(now) {
		return cloneError(ErrLeaseLost, "", nil, map[string]any{
			"workflow_id": id.String(),
			"worker_id":   workerID,
		})
	}
	return nil
}

func describeEvent(ev history.Event) string {
	if name := eventName(ev); name != "" {
		return fmt.Sprintf("%s %s", ev.Type(), name)
	}
	return ev.Type().String()
}

func eventName(ev history.Event) string {
	switch p := ev.Payload.(type) {
	case history.ActivityPayload:
		return p.Name
	case history.SignalSendPayload:
		return p.Name
	case history.MessageSendPayload:
		return p.Name
	case history.SubWorkflowPayload:
		return p.Name
	case history.BranchPayload:
		return p.Label
	case history.RemovedPayload:
		return p.Name
	}
	return ""
}
