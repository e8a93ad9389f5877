// Package durable runs deterministic, replayable workflows. Workflow code
// calls the primitives on Context; every primitive is recorded in the
// workflow's embedded state store so a later attempt can replay it, and all
// cross-workflow coordination (wakes, leases, signals) lives in the ordered
// key-value index.
package durable

import (
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/goliatone/go-durable/ess"
	"github.com/goliatone/go-durable/history"
	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/oki"
	"github.com/goliatone/go-durable/pubsub"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/goliatone/go-durable"

// State is the lifecycle state reported by GetStatus.
type State = keys.WorkflowState

const (
	StatePending               = keys.StatePending
	StateRunning               = keys.StateRunning
	StateSleeping              = keys.StateSleeping
	StateWaitingForSignal      = keys.StateWaitingForSignal
	StateWaitingForSubWorkflow = keys.StateWaitingForSubWorkflow
	StateComplete              = keys.StateComplete
	StateFailed                = keys.StateFailed
	StateDead                  = keys.StateDead
)

// Counter metrics maintained per workflow name.
const (
	CounterDispatched = "dispatched"
	CounterCompleted  = "completed"
	CounterFailed     = "failed"
	CounterDead       = "dead"
	CounterCancelled  = "cancelled"
)

// Engine is the collaborator-facing API. One Engine is shared by every
// worker of a process.
type Engine struct {
	store      oki.Store
	pool       *ess.Pool
	registry   *Registry
	bus        pubsub.Bus
	logger     Logger
	metrics    WorkerMetrics
	tracer     trace.Tracer
	now        func() time.Time
	shardCount int
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

func WithLogger(logger Logger) EngineOption {
	return func(e *Engine) {
		e.logger = normalizeLogger(logger)
	}
}

// WithClock overrides the wall clock used for wakes, leases and sleeps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithBus enables wake notifications. Without a bus workers rely on
// periodic scans alone.
func WithBus(bus pubsub.Bus) EngineOption {
	return func(e *Engine) {
		e.bus = bus
	}
}

func WithMetrics(metrics WorkerMetrics) EngineOption {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithShardCount sets how many shards the workflow-name space is split
// into. Every process of a deployment must agree on it.
func WithShardCount(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.shardCount = n
		}
	}
}

// New builds an Engine over an OKI store, an ESS pool and an initialized
// registry.
func New(store oki.Store, pool *ess.Pool, registry *Registry, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, cloneError(ErrInvalidInput, "oki store required", nil, nil)
	}
	if pool == nil {
		return nil, cloneError(ErrInvalidInput, "ess pool required", nil, nil)
	}
	if registry == nil || !registry.Initialized() {
		return nil, ErrRegistryNotInitialized.Clone()
	}
	e := &Engine{
		store:      store,
		pool:       pool,
		registry:   registry,
		logger:     normalizeLogger(nil),
		metrics:    noopWorkerMetrics{},
		tracer:     otel.Tracer(instrumentationName),
		now:        time.Now,
		shardCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = normalizeLogger(e.logger)
	return e, nil
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) ShardCount() int { return e.shardCount }

func (e *Engine) nowMs() int64 { return e.now().UnixMilli() }

// ShardFor maps a workflow name to its shard.
func ShardFor(name string, count int) int {
	if count <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() % uint32(count))
}

// WakeTopic is the bus topic announcing wakes for a shard.
func WakeTopic(shard int) string {
	return fmt.Sprintf("wake.%d", shard)
}

// MessageTopic is the bus topic MessageSend publishes on.
func MessageTopic(name string) string {
	return "message." + name
}

// notify announces new wakes for the given workflow names. Delivery is best
// effort; the durable wake index is authoritative.
func (e *Engine) notify(ctx context.Context, names ...string) {
	if e.bus == nil {
		return
	}
	seen := make(map[int]struct{}, len(names))
	for _, name := range names {
		shard := ShardFor(name, e.shardCount)
		if _, ok := seen[shard]; ok {
			continue
		}
		seen[shard] = struct{}{}
		if err := e.bus.Publish(ctx, WakeTopic(shard), []byte(name)); err != nil {
			e.logger.Debug("wake notification failed: %v", err)
		}
	}
}

type dispatchOptions struct {
	id       uuid.UUID
	parentID uuid.UUID
}

// DispatchOption customizes Dispatch.
type DispatchOption func(*dispatchOptions)

// WithWorkflowID fixes the workflow id. Dispatching the same id twice
// returns the existing workflow.
func WithWorkflowID(id uuid.UUID) DispatchOption {
	return func(o *dispatchOptions) {
		if id != uuid.Nil {
			o.id = id
		}
	}
}

// WithParent links the new workflow to a parent so the parent is woken
// when it completes.
func WithParent(id uuid.UUID) DispatchOption {
	return func(o *dispatchOptions) {
		o.parentID = id
	}
}

// Dispatch creates a workflow and makes it runnable.
func (e *Engine) Dispatch(ctx context.Context, name string, input []byte, tags map[string]string, opts ...DispatchOption) (uuid.UUID, error) {
	def, ok := e.registry.Workflow(name)
	if !ok {
		return uuid.Nil, cloneError(ErrUnknownWorkflow, "", nil, map[string]any{"workflow": name})
	}
	if err := def.validateTags(tags); err != nil {
		return uuid.Nil, err
	}
	o := dispatchOptions{id: uuid.New()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ctx, span := e.tracer.Start(ctx, "durable.dispatch", trace.WithAttributes(
		attribute.String("workflow.name", name),
		attribute.String("workflow.id", o.id.String()),
	))
	defer span.End()

	req := dispatchRequest{ID: o.id, Name: name, Input: input, Tags: tags, ParentID: o.parentID}
	if o.parentID != uuid.Nil {
		req.ParentName = e.parentName(ctx, o.parentID)
	}
	var created bool
	err := e.store.Transact(ctx, func(tx oki.Tx) error {
		var err error
		created, err = dispatchTx(ctx, tx, req, e.nowMs())
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return uuid.Nil, err
	}
	if created {
		e.notify(ctx, name)
		withLoggerFields(e.logger.WithContext(ctx), map[string]any{
			"workflow_id":   o.id.String(),
			"workflow_name": name,
		}).Debug("workflow dispatched")
	}
	return o.id, nil
}

func (e *Engine) parentName(ctx context.Context, id uuid.UUID) string {
	rec, ok, err := e.loadWorkflow(ctx, id)
	if err != nil || !ok {
		return ""
	}
	return rec.Name
}

// SignalTarget addresses a signal either to one workflow id or to every
// waiter whose tags are a subset of Tags (optionally restricted to
// WorkflowName).
type SignalTarget struct {
	WorkflowID   uuid.UUID
	WorkflowName string
	Tags         map[string]string
}

// ToWorkflow targets one workflow.
func ToWorkflow(id uuid.UUID) SignalTarget {
	return SignalTarget{WorkflowID: id}
}

// ToTagged targets waiters by tags. An empty workflowName matches any
// workflow.
func ToTagged(workflowName string, tags map[string]string) SignalTarget {
	return SignalTarget{WorkflowName: workflowName, Tags: tags}
}

func (t SignalTarget) validate() error {
	if t.WorkflowID == uuid.Nil && t.WorkflowName == "" && len(t.Tags) == 0 {
		return cloneError(ErrInvalidInput, "signal target requires a workflow id, name or tags", nil, nil)
	}
	return nil
}

type signalOptions struct {
	id uuid.UUID
}

// SignalOption customizes Signal.
type SignalOption func(*signalOptions)

// WithSignalID fixes the signal id. Publishing the same id twice is a
// no-op after the first commit.
func WithSignalID(id uuid.UUID) SignalOption {
	return func(o *signalOptions) {
		if id != uuid.Nil {
			o.id = id
		}
	}
}

// Signal publishes a signal and wakes whoever can consume it.
func (e *Engine) Signal(ctx context.Context, target SignalTarget, name string, body []byte, opts ...SignalOption) (uuid.UUID, error) {
	if err := target.validate(); err != nil {
		return uuid.Nil, err
	}
	if err := validateName("signal", name); err != nil {
		return uuid.Nil, err
	}
	o := signalOptions{id: uuid.New()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	rec := keys.SignalRecord{
		ID:         o.id,
		TargetID:   target.WorkflowID,
		TargetName: target.WorkflowName,
		Tags:       target.Tags,
		Name:       name,
		Body:       body,
		CreateTS:   e.nowMs(),
	}
	if err := e.publishSignal(ctx, rec); err != nil {
		return uuid.Nil, err
	}
	return o.id, nil
}

// Status is a snapshot of a workflow row.
type Status struct {
	ID         uuid.UUID
	Name       string
	State      State
	Output     []byte
	HasOutput  bool
	Error      string
	Reason     string
	Tags       map[string]string
	ParentID   uuid.UUID
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	TerminalAt time.Time
}

func statusFromRecord(rec keys.WorkflowRecord) Status {
	st := Status{
		ID:        rec.ID,
		Name:      rec.Name,
		State:     rec.State,
		Output:    rec.Output,
		HasOutput: rec.HasOutput,
		Error:     rec.Error,
		Reason:    rec.Reason,
		Tags:      rec.Tags,
		ParentID:  rec.ParentID,
		Attempts:  rec.Attempts,
		CreatedAt: time.UnixMilli(rec.CreateTS),
		UpdatedAt: time.UnixMilli(rec.UpdateTS),
	}
	if st.HasOutput && st.Output == nil {
		st.Output = []byte{}
	}
	if rec.TerminalTS > 0 {
		st.TerminalAt = time.UnixMilli(rec.TerminalTS)
	}
	return st
}

func (e *Engine) GetStatus(ctx context.Context, id uuid.UUID) (Status, error) {
	rec, ok, err := e.loadWorkflow(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, notFoundError(id)
	}
	return statusFromRecord(rec), nil
}

func (e *Engine) loadWorkflow(ctx context.Context, id uuid.UUID) (keys.WorkflowRecord, bool, error) {
	var (
		rec keys.WorkflowRecord
		ok  bool
	)
	err := e.store.Transact(ctx, func(tx oki.Tx) error {
		var err error
		rec, ok, err = oki.Load(ctx, tx, keys.WorkflowKey{WorkflowID: id})
		return err
	})
	return rec, ok, err
}

// Cancel marks a workflow Dead with reason CANCELLED and removes its
// pending wakes. A running attempt notices on its next heartbeat.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	var parents []string
	var name string
	err := e.store.Transact(ctx, func(tx oki.Tx) error {
		parents = nil
		rec, ok, err := oki.Load(ctx, tx, keys.WorkflowKey{WorkflowID: id})
		if err != nil {
			return err
		}
		if !ok {
			return notFoundError(id)
		}
		if rec.State.Terminal() {
			return cloneError(ErrWorkflowAlreadyTerminal, "", nil, map[string]any{
				"workflow_id": id.String(),
				"state":       string(rec.State),
			})
		}
		now := e.nowMs()
		name = rec.Name
		if err := clearRegistrations(ctx, tx, &rec); err != nil {
			return err
		}
		if err := clearWorkflowWakes(ctx, tx, rec.Name, id); err != nil {
			return err
		}
		parents, err = completionHookTx(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if err := oki.Delete(ctx, tx, keys.LeaseKey{WorkflowID: id}); err != nil {
			return err
		}
		rec.State = keys.StateDead
		rec.Reason = CodeCancelled
		rec.Error = "workflow cancelled"
		rec.TerminalTS = now
		rec.UpdateTS = now
		rec.LeaseHolder = ""
		rec.LeaseDeadline = 0
		if err := oki.Save(ctx, tx, keys.WorkflowKey{WorkflowID: id}, rec); err != nil {
			return err
		}
		return tx.Add(ctx, keys.CounterKey{Name: rec.Name, Metric: CounterCancelled}.Pack(), 1)
	})
	if err != nil {
		return err
	}
	e.notify(ctx, parents...)
	withLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"workflow_id":   id.String(),
		"workflow_name": name,
	}).Info("workflow cancelled")
	return nil
}

// Purge removes a terminal workflow's OKI rows and its ESS file.
func (e *Engine) Purge(ctx context.Context, id uuid.UUID) error {
	rec, ok, err := e.loadWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundError(id)
	}
	if !rec.State.Terminal() {
		return cloneError(ErrWorkflowNotTerminal, "", nil, map[string]any{
			"workflow_id": id.String(),
			"state":       string(rec.State),
		})
	}
	if err := e.pool.Remove(ctx, id); err != nil {
		return err
	}
	return e.store.Transact(ctx, func(tx oki.Tx) error {
		signals, err := oki.ScanSubspace(ctx, tx, keys.SignalSubspace(id), oki.RangeOptions{})
		if err != nil {
			return err
		}
		for _, kv := range signals {
			sk, err := keys.UnpackSignalKey(kv.Key)
			if err != nil {
				return err
			}
			if err := oki.Delete(ctx, tx, keys.SignalIndexKey{SignalID: sk.SignalID}); err != nil {
				return err
			}
		}
		if err := oki.ClearSubspace(ctx, tx, keys.SignalSubspace(id)); err != nil {
			return err
		}
		if err := oki.ClearSubspace(ctx, tx, keys.SubWorkflowWakeSubspace(id)); err != nil {
			return err
		}
		if err := clearWorkflowWakes(ctx, tx, rec.Name, id); err != nil {
			return err
		}
		if err := oki.Delete(ctx, tx, keys.LeaseKey{WorkflowID: id}); err != nil {
			return err
		}
		return oki.Delete(ctx, tx, keys.WorkflowKey{WorkflowID: id})
	})
}

// PurgeExpired purges every workflow that became terminal at or before
// cutoff and returns how many were removed.
func (e *Engine) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	limit := cutoff.UnixMilli()
	var expired []uuid.UUID
	err := e.store.Transact(ctx, func(tx oki.Tx) error {
		expired = expired[:0]
		rows, err := oki.ScanSubspace(ctx, tx, keys.WorkflowSubspace(), oki.RangeOptions{})
		if err != nil {
			return err
		}
		for _, kv := range rows {
			rec, err := keys.WorkflowKey{}.DeserializeValue(kv.Value)
			if err != nil {
				return err
			}
			if rec.State.Terminal() && rec.TerminalTS > 0 && rec.TerminalTS <= limit {
				expired = append(expired, rec.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	purged := 0
	var errs error
	for _, id := range expired {
		if err := e.Purge(ctx, id); err != nil {
			errs = stderrors.Join(errs, err)
			continue
		}
		purged++
	}
	return purged, errs
}

// History returns the latest version of every recorded event in location
// order.
func (e *Engine) History(ctx context.Context, id uuid.UUID) ([]history.Event, error) {
	if _, ok, err := e.loadWorkflow(ctx, id); err != nil {
		return nil, err
	} else if !ok {
		return nil, notFoundError(id)
	}
	if !e.pool.Exists(id) {
		return nil, nil
	}
	db, release, err := e.pool.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := db.Events(ctx)
	if err != nil {
		return nil, err
	}
	log, err := history.Build(rows)
	if err != nil {
		return nil, err
	}
	return log.Events(), nil
}

// ClearTaint unblocks a workflow whose store failed a migration and
// schedules it to run again.
func (e *Engine) ClearTaint(ctx context.Context, id uuid.UUID) error {
	rec, ok, err := e.loadWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundError(id)
	}
	if err := e.pool.ClearTaint(ctx, id); err != nil {
		return err
	}
	if rec.State.Terminal() {
		return nil
	}
	err = e.store.Transact(ctx, func(tx oki.Tx) error {
		return oki.Save(ctx, tx, keys.WorkflowWakeKey{
			Name:       rec.Name,
			TS:         e.nowMs(),
			WorkflowID: id,
			Variant:    keys.WakeImmediate,
		}, keys.Empty{})
	})
	if err != nil {
		return err
	}
	e.notify(ctx, rec.Name)
	return nil
}

// ListWakes returns every wake registered for a workflow name, due or not,
// in ts order.
func (e *Engine) ListWakes(ctx context.Context, name string) ([]keys.WorkflowWakeKey, error) {
	var out []keys.WorkflowWakeKey
	err := e.store.Transact(ctx, func(tx oki.Tx) error {
		out = out[:0]
		rows, err := oki.ScanSubspace(ctx, tx, keys.WorkflowWakeSubspace(name), oki.RangeOptions{})
		if err != nil {
			return err
		}
		for _, kv := range rows {
			k, err := keys.UnpackWorkflowWakeKey(kv.Key)
			if err != nil {
				return err
			}
			out = append(out, k)
		}
		return nil
	})
	return out, err
}

// Counters returns the per-name counters (dispatched, completed, failed,
// dead, cancelled).
func (e *Engine) Counters(ctx context.Context, name string) (map[string]int64, error) {
	out := make(map[string]int64)
	err := e.store.Transact(ctx, func(tx oki.Tx) error {
		rows, err := oki.ScanSubspace(ctx, tx, keys.CounterSubspace(name), oki.RangeOptions{})
		if err != nil {
			return err
		}
		for _, kv := range rows {
			k, err := keys.UnpackCounterKey(kv.Key)
			if err != nil {
				return err
			}
			out[k.Metric] = keys.DecodeCounter(kv.Value)
		}
		return nil
	})
	return out, err
}
