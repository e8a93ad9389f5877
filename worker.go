package durable

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-durable/history"
	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/oki"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// AttemptOutcome classifies one processed workflow wake.
type AttemptOutcome string

const (
	OutcomeCompleted AttemptOutcome = "completed"
	OutcomeFailed    AttemptOutcome = "failed"
	OutcomeDead      AttemptOutcome = "dead"
	OutcomeSuspended AttemptOutcome = "suspended"
	OutcomeSkipped   AttemptOutcome = "skipped"
	OutcomeRetry     AttemptOutcome = "retry"
	OutcomeLeaseLost AttemptOutcome = "lease_lost"
)

// WorkerMetrics captures observability events of the worker loop.
type WorkerMetrics interface {
	RecordScan(shard int, due int, duration time.Duration)
	RecordAttempt(workflow string, outcome AttemptOutcome, duration time.Duration)
	RecordActivity(activity string, outcome string, duration time.Duration)
	RecordLeaseLost(workflow string)
}

type noopWorkerMetrics struct{}

func (noopWorkerMetrics) RecordScan(int, int, time.Duration)                  {}
func (noopWorkerMetrics) RecordAttempt(string, AttemptOutcome, time.Duration) {}
func (noopWorkerMetrics) RecordActivity(string, string, time.Duration)        {}
func (noopWorkerMetrics) RecordLeaseLost(string)                              {}

// WorkerState tracks the lifecycle of the background loop.
type WorkerState string

const (
	WorkerStateIdle     WorkerState = "idle"
	WorkerStateRunning  WorkerState = "running"
	WorkerStateStopping WorkerState = "stopping"
	WorkerStateStopped  WorkerState = "stopped"
)

// WorkerStatus captures the latest runtime state and cycle figures.
type WorkerStatus struct {
	WorkerID            string
	Shard               int
	State               WorkerState
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastDue             int
	LastProcessed       int
}

// WorkerHealth is derived from WorkerStatus.
type WorkerHealth struct {
	Healthy bool
	Reason  string
	Status  WorkerStatus
}

// ScanReport summarizes one RunOnce cycle.
type ScanReport struct {
	WorkerID   string
	Shard      int
	Due        int
	Processed  int
	Outcomes   map[AttemptOutcome]int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Worker claims due wakes of one shard, leases the workflows and drives
// their replay to the next suspension or terminal state.
type Worker struct {
	engine       *Engine
	id           string
	shard        int
	scanLimit    int
	concurrency  int
	leaseTTL     time.Duration
	pollInterval time.Duration
	retryDelay   time.Duration
	logger       Logger

	statusHook func(context.Context, WorkerStatus)
	healthHook func(context.Context, WorkerHealth)

	stateMu sync.RWMutex
	status  WorkerStatus

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithWorkerID sets the identity written into leases.
func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) {
		if id = strings.TrimSpace(id); id != "" {
			w.id = id
		}
	}
}

// WithShard selects which shard of the workflow-name space the worker
// scans.
func WithShard(index int) WorkerOption {
	return func(w *Worker) {
		if index >= 0 {
			w.shard = index
		}
	}
}

// WithScanLimit bounds the wakes read per cycle.
func WithScanLimit(limit int) WorkerOption {
	return func(w *Worker) {
		if limit > 0 {
			w.scanLimit = limit
		}
	}
}

// WithConcurrency caps the workflows processed in parallel.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithLeaseTTL(ttl time.Duration) WorkerOption {
	return func(w *Worker) {
		if ttl > 0 {
			w.leaseTTL = ttl
		}
	}
}

func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithRetryDelay sets how long a workflow waits after an infrastructure
// failure before it is attempted again.
func WithRetryDelay(delay time.Duration) WorkerOption {
	return func(w *Worker) {
		if delay > 0 {
			w.retryDelay = delay
		}
	}
}

func WithWorkerLogger(logger Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = normalizeLogger(logger)
	}
}

// WithWorkerStatusHook receives runtime status updates.
func WithWorkerStatusHook(hook func(context.Context, WorkerStatus)) WorkerOption {
	return func(w *Worker) {
		w.statusHook = hook
	}
}

// WithWorkerHealthHook receives health snapshots after each cycle.
func WithWorkerHealthHook(hook func(context.Context, WorkerHealth)) WorkerOption {
	return func(w *Worker) {
		w.healthHook = hook
	}
}

// NewWorker builds a worker over engine. It inherits the engine logger
// unless one is given.
func NewWorker(engine *Engine, opts ...WorkerOption) *Worker {
	w := &Worker{
		engine:       engine,
		id:           "worker-" + uuid.NewString()[:8],
		scanLimit:    100,
		concurrency:  8,
		leaseTTL:     30 * time.Second,
		pollInterval: time.Second,
		retryDelay:   5 * time.Second,
	}
	if engine != nil {
		w.logger = engine.logger
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = normalizeLogger(w.logger)
	w.status = WorkerStatus{WorkerID: w.id, Shard: w.shard, State: WorkerStateIdle}
	return w
}

func (w *Worker) ID() string { return w.id }

// Run scans the shard every poll interval, and immediately whenever a wake
// notification for the shard arrives, until ctx is done or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return fmt.Errorf("worker %s already running", w.id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	w.runCancel = cancel
	w.runDone = runDone
	w.running = true
	w.runMu.Unlock()

	w.setRuntimeState(runCtx, WorkerStateRunning)
	logger := withLoggerFields(w.logger.WithContext(runCtx), map[string]any{
		"worker_id": w.id,
		"shard":     w.shard,
	})
	logger.Info("worker started")

	defer func() {
		w.runMu.Lock()
		w.running = false
		w.runCancel = nil
		w.runDone = nil
		close(runDone)
		w.runMu.Unlock()
		w.setRuntimeState(context.Background(), WorkerStateStopped)
		logger.Info("worker stopped")
	}()

	var wakes <-chan struct{}
	if w.engine.bus != nil {
		sub, err := w.engine.bus.Subscribe(runCtx, WakeTopic(w.shard))
		if err != nil {
			logger.Warn("wake subscription failed, polling only: %v", err)
		} else {
			defer sub.Close()
			ch := make(chan struct{}, 1)
			go func() {
				for range sub.C() {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}()
			wakes = ch
		}
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			logger.Warn("worker cycle failed: %v", err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		case <-wakes:
		}
	}
}

type wakeBatch struct {
	name  string
	id    uuid.UUID
	wakes []keys.WorkflowWakeKey
}

// RunOnce processes the wakes of the shard that are due now.
func (w *Worker) RunOnce(ctx context.Context) (ScanReport, error) {
	report := ScanReport{WorkerID: w.id, Shard: w.shard, Outcomes: make(map[AttemptOutcome]int)}
	if err := w.validate(); err != nil {
		return report, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	report.StartedAt = w.engine.now()

	scanStart := time.Now()
	batches, due, err := w.scan(ctx)
	w.engine.metrics.RecordScan(w.shard, due, time.Since(scanStart))
	report.Due = due
	if err != nil {
		report.FinishedAt = w.engine.now()
		w.recordCycle(ctx, report, err)
		return report, err
	}

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, batch := range batches {
		g.Go(func() error {
			outcome, err := w.process(gctx, batch)
			mu.Lock()
			defer mu.Unlock()
			report.Outcomes[outcome]++
			if outcome != OutcomeSkipped {
				report.Processed++
			}
			if err != nil {
				errs = stderrors.Join(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = w.engine.now()
	w.recordCycle(ctx, report, errs)
	return report, errs
}

// scan reads due wakes for every registered name of the shard and groups
// them by workflow, oldest first.
func (w *Worker) scan(ctx context.Context) ([]wakeBatch, int, error) {
	var (
		batches []wakeBatch
		due     int
	)
	now := w.engine.nowMs()
	for _, name := range w.names() {
		remaining := w.scanLimit - due
		if remaining <= 0 {
			break
		}
		var rows []oki.KeyValue
		err := w.engine.store.Transact(ctx, func(tx oki.Tx) error {
			begin, end := keys.DueWakeRange(name, now)
			var err error
			rows, err = tx.GetRange(ctx, begin, end, oki.RangeOptions{Limit: remaining})
			return err
		})
		if err != nil {
			return nil, due, err
		}
		index := make(map[uuid.UUID]int)
		for _, kv := range rows {
			k, err := keys.UnpackWorkflowWakeKey(kv.Key)
			if err != nil {
				return nil, due, err
			}
			due++
			i, ok := index[k.WorkflowID]
			if !ok {
				i = len(batches)
				index[k.WorkflowID] = i
				batches = append(batches, wakeBatch{name: name, id: k.WorkflowID})
			}
			batches[i].wakes = append(batches[i].wakes, k)
		}
	}
	return batches, due, nil
}

func (w *Worker) names() []string {
	var out []string
	for _, name := range w.engine.registry.WorkflowNames() {
		if ShardFor(name, w.engine.shardCount) == w.shard {
			out = append(out, name)
		}
	}
	return out
}

// attemptResult is the outcome the final transaction persists.
type attemptResult struct {
	outcome   AttemptOutcome
	suspend   *suspension
	output    []byte
	hasOutput bool
	errMsg    string
	reason    string
}

func (w *Worker) process(ctx context.Context, batch wakeBatch) (outcome AttemptOutcome, err error) {
	start := time.Now()
	ctx, span := w.engine.tracer.Start(ctx, "durable.attempt", trace.WithAttributes(
		attribute.String("workflow.id", batch.id.String()),
		attribute.String("workflow.name", batch.name),
		attribute.String("worker.id", w.id),
	))
	defer func() {
		span.SetAttributes(attribute.String("attempt.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "attempt failed")
		}
		span.End()
		w.engine.metrics.RecordAttempt(batch.name, outcome, time.Since(start))
	}()

	logger := withLoggerFields(w.logger.WithContext(ctx), map[string]any{
		"worker_id":     w.id,
		"workflow_id":   batch.id.String(),
		"workflow_name": batch.name,
	})

	rec, acquired, err := w.acquire(ctx, batch)
	if err != nil {
		logger.Error("lease acquisition failed: %v", err)
		return OutcomeSkipped, err
	}
	if !acquired {
		return OutcomeSkipped, nil
	}
	span.SetAttributes(attribute.Int("attempt", rec.Attempts))
	logger = withLoggerFields(logger, map[string]any{"attempt": rec.Attempts})
	logger.Debug("lease acquired")

	// scan only visits registered names, but a record can outlive the
	// deploy that registered it when workers share a store
	def, ok := w.engine.registry.Workflow(rec.Name)
	if !ok {
		err := cloneError(ErrUnknownWorkflow, "", nil, map[string]any{"workflow": rec.Name})
		return w.complete(ctx, rec, batch, deadResult(err), logger)
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := w.heartbeat(attemptCtx, cancel, rec.ID)

	db, release, err := w.engine.pool.Acquire(attemptCtx, rec.ID)
	if err != nil {
		stopHeartbeat()
		if HasCode(err, CodeESSTainted) {
			logger.Error("workflow store tainted, parked until taint is cleared: %v", err)
			return w.abandon(ctx, rec, batch, false, logger, err)
		}
		return w.abandon(ctx, rec, batch, true, logger, err)
	}
	defer release()

	if err := w.engine.drainCommands(attemptCtx, db, logger); err != nil {
		stopHeartbeat()
		return w.abandon(ctx, rec, batch, true, logger, err)
	}
	rows, err := db.Events(attemptCtx)
	if err != nil {
		stopHeartbeat()
		return w.abandon(ctx, rec, batch, true, logger, err)
	}

	var result attemptResult
	log, err := history.Build(rows)
	if err != nil {
		stopHeartbeat()
		result = deadResult(cloneError(ErrDeterministicMismatch, "history unreadable", err, nil))
		return w.complete(ctx, rec, batch, result, logger)
	}

	run := newAttempt(w.engine, w.id, rec, def, db, log, logger)
	wctx := newContext(attemptCtx, run, history.Root())
	var output []byte
	where := "workflow " + rec.Name
	herr := capturePanic(where, func() error {
		var err error
		output, err = def.Handler(wctx, rec.Input)
		return err
	})
	var pe *PanicError
	if stderrors.As(herr, &pe) && pe.Where == where {
		logger.Error("workflow panicked: %v\n%s", pe.Value, pe.Stack)
		run.diverged(cloneError(ErrDeterministicMismatch, "workflow panicked", herr, nil))
	}
	stopHeartbeat()

	var cause error
	if attemptCtx.Err() != nil {
		cause = context.Cause(attemptCtx)
	}
	switch {
	case leaseGone(cause) || leaseGone(run.infra):
		return w.lost(ctx, rec, logger, firstError(cause, run.infra))
	case run.mismatch != nil:
		result = deadResult(run.mismatch)
	case run.infra != nil || cause != nil:
		return w.abandon(ctx, rec, batch, true, logger, firstError(run.infra, cause))
	case run.suspend != nil:
		result = attemptResult{outcome: OutcomeSuspended, suspend: run.suspend}
	default:
		if err := run.unvisited(); err != nil {
			result = deadResult(err)
		} else if herr != nil {
			result = attemptResult{outcome: OutcomeFailed, errMsg: herr.Error()}
		} else {
			result = attemptResult{outcome: OutcomeCompleted, output: nonNil(output), hasOutput: true}
		}
	}
	return w.complete(ctx, rec, batch, result, logger)
}

func deadResult(err error) attemptResult {
	return attemptResult{outcome: OutcomeDead, errMsg: err.Error(), reason: ErrorCode(err)}
}

func leaseGone(err error) bool {
	return HasCode(err, CodeLeaseLost) || HasCode(err, CodeCancelled)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// acquire takes the workflow's lease if no other worker holds a valid one.
// Wakes of missing or terminal workflows are dropped.
func (w *Worker) acquire(ctx context.Context, batch wakeBatch) (keys.WorkflowRecord, bool, error) {
	var (
		rec      keys.WorkflowRecord
		acquired bool
	)
	err := w.engine.store.Transact(ctx, func(tx oki.Tx) error {
		acquired = false
		now := w.engine.nowMs()
		var (
			ok  bool
			err error
		)
		rec, ok, err = oki.Load(ctx, tx, keys.WorkflowKey{WorkflowID: batch.id})
		if err != nil {
			return err
		}
		if !ok || rec.State.Terminal() {
			return deleteWakes(ctx, tx, batch.wakes)
		}
		lease, held, err := oki.Load(ctx, tx, keys.LeaseKey{WorkflowID: batch.id})
		if err != nil {
			return err
		}
		if held && lease.Valid(now) {
			return nil
		}
		expires := now + w.leaseTTL.Milliseconds()
		if err := oki.Save(ctx, tx, keys.LeaseKey{WorkflowID: batch.id}, keys.LeaseRecord{WorkerID: w.id, ExpiresAt: expires}); err != nil {
			return err
		}
		rec.State = keys.StateRunning
		rec.LeaseHolder = w.id
		rec.LeaseDeadline = expires
		rec.Attempts++
		rec.UpdateTS = now
		if err := oki.Save(ctx, tx, keys.WorkflowKey{WorkflowID: batch.id}, rec); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return rec, acquired, err
}

// heartbeat extends the lease every ttl/3 until the returned stop func is
// called. A failed extension cancels the attempt with the failure as
// cause.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, id uuid.UUID) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	interval := w.leaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.extendLease(ctx, id); err != nil {
					if ctx.Err() == nil {
						cancel(err)
					}
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}
}

func (w *Worker) extendLease(ctx context.Context, id uuid.UUID) error {
	return w.engine.store.Transact(ctx, func(tx oki.Tx) error {
		now := w.engine.nowMs()
		if err := verifyLease(ctx, tx, id, w.id, now); err != nil {
			return err
		}
		rec, ok, err := oki.Load(ctx, tx, keys.WorkflowKey{WorkflowID: id})
		if err != nil {
			return err
		}
		if !ok || rec.State.Terminal() {
			return cloneError(ErrWorkflowCancelled, "", nil, map[string]any{"workflow_id": id.String()})
		}
		return oki.Save(ctx, tx, keys.LeaseKey{WorkflowID: id}, keys.LeaseRecord{
			WorkerID:  w.id,
			ExpiresAt: now + w.leaseTTL.Milliseconds(),
		})
	})
}

// complete persists the attempt's outcome, re-registers waits and releases
// the lease in one transaction.
func (w *Worker) complete(ctx context.Context, rec keys.WorkflowRecord, batch wakeBatch, res attemptResult, logger Logger) (AttemptOutcome, error) {
	var woken []string
	err := w.engine.store.Transact(ctx, func(tx oki.Tx) error {
		woken = nil
		now := w.engine.nowMs()
		if err := verifyLease(ctx, tx, rec.ID, w.id, now); err != nil {
			return err
		}
		cur, ok, err := oki.Load(ctx, tx, keys.WorkflowKey{WorkflowID: rec.ID})
		if err != nil {
			return err
		}
		if !ok {
			return notFoundError(rec.ID)
		}
		if err := deleteWakes(ctx, tx, batch.wakes); err != nil {
			return err
		}
		if cur.Waiting != nil && cur.Waiting.DeadlineTS > 0 {
			stale := keys.WorkflowWakeKey{Name: cur.Name, TS: cur.Waiting.DeadlineTS, WorkflowID: cur.ID, Variant: keys.WakeDeadline}
			if err := oki.Delete(ctx, tx, stale); err != nil {
				return err
			}
		}
		if err := clearRegistrations(ctx, tx, &cur); err != nil {
			return err
		}

		if s := res.suspend; s != nil {
			wake, err := registerSuspension(ctx, tx, &cur, *s, now)
			if err != nil {
				return err
			}
			if wake {
				woken = append(woken, cur.Name)
			}
		} else {
			parents, err := completionHookTx(ctx, tx, cur.ID, now)
			if err != nil {
				return err
			}
			woken = append(woken, parents...)
			if err := clearWorkflowWakes(ctx, tx, cur.Name, cur.ID); err != nil {
				return err
			}
			counter := CounterCompleted
			switch res.outcome {
			case OutcomeCompleted:
				cur.State = keys.StateComplete
				cur.Output, cur.HasOutput = res.output, res.hasOutput
			case OutcomeFailed:
				cur.State = keys.StateFailed
				counter = CounterFailed
			default:
				cur.State = keys.StateDead
				counter = CounterDead
			}
			cur.Error = res.errMsg
			cur.Reason = res.reason
			cur.TerminalTS = now
			if err := tx.Add(ctx, keys.CounterKey{Name: cur.Name, Metric: counter}.Pack(), 1); err != nil {
				return err
			}
		}

		if err := oki.Delete(ctx, tx, keys.LeaseKey{WorkflowID: cur.ID}); err != nil {
			return err
		}
		cur.LeaseHolder = ""
		cur.LeaseDeadline = 0
		cur.UpdateTS = now
		return oki.Save(ctx, tx, keys.WorkflowKey{WorkflowID: cur.ID}, cur)
	})
	if err != nil {
		if leaseGone(err) {
			return w.lost(ctx, rec, logger, err)
		}
		logger.Error("final transaction failed: %v", err)
		return w.abandon(ctx, rec, batch, true, logger, err)
	}
	w.engine.notify(ctx, woken...)

	switch res.outcome {
	case OutcomeSuspended:
		logger.Debug("workflow suspended: %s", res.suspend.state)
	case OutcomeCompleted:
		logger.Info("workflow complete")
	case OutcomeFailed:
		logger.Warn("workflow failed: %s", res.errMsg)
	default:
		logger.Error("workflow dead (%s): %s", res.reason, res.errMsg)
	}
	return res.outcome, nil
}

// registerSuspension records what should wake cur again and reports
// whether the wake condition already holds.
func registerSuspension(ctx context.Context, tx oki.Tx, cur *keys.WorkflowRecord, s suspension, now int64) (bool, error) {
	waiting := &keys.WaitRecord{RegisteredTS: now, DeadlineTS: s.deadline}
	ready := false
	if s.deadline > 0 {
		wake := keys.WorkflowWakeKey{Name: cur.Name, TS: s.deadline, WorkflowID: cur.ID, Variant: keys.WakeDeadline}
		if err := oki.Save(ctx, tx, wake, keys.Empty{}); err != nil {
			return false, err
		}
		ready = s.deadline <= now
	}
	if len(s.signals) > 0 {
		waiter := keys.TaggedWaiter{WorkflowName: cur.Name, Tags: keys.TagsFromMap(cur.Tags)}
		for _, name := range s.signals {
			k := keys.TaggedSignalWakeKey{SignalName: name, TS: now, WorkflowID: cur.ID}
			if err := oki.Save(ctx, tx, k, waiter); err != nil {
				return false, err
			}
		}
		waiting.Signals = s.signals
		_, _, found, err := findSignalTx(ctx, tx, *cur, s.signals, nil)
		if err != nil {
			return false, err
		}
		ready = ready || found
	}
	if s.subWorkflowID != uuid.Nil {
		k := keys.SubWorkflowWakeKey{SubWorkflowID: s.subWorkflowID, TS: now, ParentID: cur.ID}
		if err := oki.Save(ctx, tx, k, cur.Name); err != nil {
			return false, err
		}
		waiting.SubWorkflowID = s.subWorkflowID
		child, ok, err := oki.Load(ctx, tx, keys.WorkflowKey{WorkflowID: s.subWorkflowID})
		if err != nil {
			return false, err
		}
		ready = ready || !ok || child.State.Terminal()
	}
	if ready {
		wake := keys.WorkflowWakeKey{Name: cur.Name, TS: now, WorkflowID: cur.ID, Variant: keys.WakeImmediate}
		if err := oki.Save(ctx, tx, wake, keys.Empty{}); err != nil {
			return false, err
		}
	}
	cur.State = s.state
	cur.Waiting = waiting
	return ready, nil
}

// abandon gives the workflow back without recording an outcome. With
// reschedule set it is retried after the retry delay; otherwise it waits
// for an operator.
func (w *Worker) abandon(ctx context.Context, rec keys.WorkflowRecord, batch wakeBatch, reschedule bool, logger Logger, cause error) (AttemptOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	var retryAt int64
	err := w.engine.store.Transact(ctx, func(tx oki.Tx) error {
		now := w.engine.nowMs()
		lease, ok, err := oki.Load(ctx, tx, keys.LeaseKey{WorkflowID: rec.ID})
		if err != nil {
			return err
		}
		if !ok || lease.WorkerID != w.id {
			return nil
		}
		if err := oki.Delete(ctx, tx, keys.LeaseKey{WorkflowID: rec.ID}); err != nil {
			return err
		}
		cur, ok, err := oki.Load(ctx, tx, keys.WorkflowKey{WorkflowID: rec.ID})
		if err != nil || !ok || cur.State.Terminal() {
			return err
		}
		if err := deleteWakes(ctx, tx, batch.wakes); err != nil {
			return err
		}
		if reschedule {
			retryAt = now + w.retryDelay.Milliseconds()
			wake := keys.WorkflowWakeKey{Name: cur.Name, TS: retryAt, WorkflowID: cur.ID, Variant: keys.WakeDeadline}
			if err := oki.Save(ctx, tx, wake, keys.Empty{}); err != nil {
				return err
			}
		}
		cur.State = keys.StatePending
		cur.LeaseHolder = ""
		cur.LeaseDeadline = 0
		cur.UpdateTS = now
		return oki.Save(ctx, tx, keys.WorkflowKey{WorkflowID: cur.ID}, cur)
	})
	if err != nil {
		logger.Error("releasing workflow after failure: %v", err)
		return OutcomeRetry, stderrors.Join(cause, err)
	}
	if reschedule {
		logger.Warn("attempt abandoned, retry at %d: %v", retryAt, cause)
	}
	return OutcomeRetry, cause
}

// lost ends an attempt whose lease is gone or whose workflow was cancelled.
// Nothing is recorded; a lease still naming this worker is released.
func (w *Worker) lost(ctx context.Context, rec keys.WorkflowRecord, logger Logger, cause error) (AttemptOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	w.engine.metrics.RecordLeaseLost(rec.Name)
	err := w.engine.store.Transact(ctx, func(tx oki.Tx) error {
		lease, ok, err := oki.Load(ctx, tx, keys.LeaseKey{WorkflowID: rec.ID})
		if err != nil || !ok || lease.WorkerID != w.id {
			return err
		}
		return oki.Delete(ctx, tx, keys.LeaseKey{WorkflowID: rec.ID})
	})
	if err != nil {
		logger.Warn("releasing lost lease: %v", err)
	}
	if HasCode(cause, CodeCancelled) {
		logger.Info("attempt aborted: workflow cancelled")
	} else {
		logger.Warn("attempt aborted: %v", cause)
	}
	return OutcomeLeaseLost, nil
}

func deleteWakes(ctx context.Context, tx oki.Tx, wakes []keys.WorkflowWakeKey) error {
	for _, k := range wakes {
		if err := oki.Delete(ctx, tx, k); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests loop termination and waits for the loop to exit.
func (w *Worker) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.runMu.Lock()
	cancel := w.runCancel
	done := w.runDone
	running := w.running
	w.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		w.setRuntimeState(ctx, WorkerStateStopped)
		return nil
	}

	w.setRuntimeState(ctx, WorkerStateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a copy of the latest runtime status.
func (w *Worker) Status() WorkerStatus {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.status
}

// Health returns a derived health summary and emits the health hook.
func (w *Worker) Health(ctx context.Context) WorkerHealth {
	if ctx == nil {
		ctx = context.Background()
	}
	status := w.Status()
	health := WorkerHealth{Healthy: true, Status: status}
	if status.ConsecutiveFailures > 0 {
		health.Healthy = false
		health.Reason = "worker cycle failures detected"
	} else if status.State == WorkerStateStopped && !status.LastRunAt.IsZero() {
		health.Healthy = false
		health.Reason = "worker stopped"
	}
	if w.healthHook != nil {
		w.healthHook(ctx, health)
	}
	return health
}

func (w *Worker) recordCycle(ctx context.Context, report ScanReport, cycleErr error) {
	now := w.engine.now()
	w.stateMu.Lock()
	status := w.status
	status.LastRunAt = now
	status.LastDue = report.Due
	status.LastProcessed = report.Processed
	if cycleErr == nil {
		status.LastSuccessAt = now
		status.LastError = ""
		status.ConsecutiveFailures = 0
	} else {
		status.LastError = cycleErr.Error()
		status.ConsecutiveFailures++
	}
	w.status = status
	w.stateMu.Unlock()

	if w.statusHook != nil {
		w.statusHook(ctx, status)
	}
	_ = w.Health(ctx)
}

func (w *Worker) setRuntimeState(ctx context.Context, state WorkerState) {
	w.stateMu.Lock()
	status := w.status
	status.State = state
	w.status = status
	w.stateMu.Unlock()
	if w.statusHook != nil {
		w.statusHook(ctx, status)
	}
}

func (w *Worker) validate() error {
	if w == nil || w.engine == nil {
		return cloneError(ErrInvalidInput, "worker requires an engine", nil, nil)
	}
	if w.shard >= w.engine.shardCount {
		return cloneError(ErrInvalidInput, "worker shard out of range", nil, map[string]any{
			"shard":       w.shard,
			"shard_count": w.engine.shardCount,
		})
	}
	return nil
}
