package durable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-durable/keys"
	"github.com/goliatone/go-durable/oki"
	"github.com/goliatone/go-durable/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordingMetrics struct {
	mu         sync.Mutex
	scans      int
	attempts   map[AttemptOutcome]int
	activities map[string]int
	leasesLost int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{attempts: map[AttemptOutcome]int{}, activities: map[string]int{}}
}

func (m *recordingMetrics) RecordScan(int, int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
}

func (m *recordingMetrics) RecordAttempt(_ string, outcome AttemptOutcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[outcome]++
}

func (m *recordingMetrics) RecordActivity(activity, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[activity+":"+outcome]++
}

func (m *recordingMetrics) RecordLeaseLost(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leasesLost++
}

func registerHello(t *testing.T) func(r *Registry) {
	return func(r *Registry) {
		require.NoError(t, r.RegisterWorkflow(WorkflowDefinition{
			Name: "hello",
			Handler: func(ctx *Context, input []byte) ([]byte, error) {
				return ctx.Activity("upper", input)
			},
		}))
		require.NoError(t, r.RegisterActivity(ActivityDefinition{Name: "upper", Handler: upperActivity}))
	}
}

func TestWorkerSkipsLeasedWorkflow(t *testing.T) {
	h := newHarness(t, registerHello(t))
	id := h.dispatch("hello", []byte("x"), nil)

	expires := h.clock.Now().Add(10 * time.Second).UnixMilli()
	err := h.store.Transact(h.ctx, func(tx oki.Tx) error {
		return oki.Save(h.ctx, tx, keys.LeaseKey{WorkflowID: id}, keys.LeaseRecord{WorkerID: "worker-z", ExpiresAt: expires})
	})
	require.NoError(t, err)

	report := h.runOnce()
	assert.Equal(t, 1, report.Outcomes[OutcomeSkipped])
	assert.Zero(t, report.Processed)
	assert.Equal(t, StatePending, h.status(id).State)

	// a lease expiring exactly now is expired
	h.clock.Advance(10 * time.Second)
	report = h.runOnce()
	assert.Equal(t, 1, report.Outcomes[OutcomeCompleted])
	assert.Equal(t, StateComplete, h.status(id).State)
}

func TestWorkerDropsWakesOfTerminalWorkflows(t *testing.T) {
	h := newHarness(t, registerHello(t))
	id := h.dispatch("hello", []byte("x"), nil)
	h.runOnce()

	err := h.store.Transact(h.ctx, func(tx oki.Tx) error {
		return oki.Save(h.ctx, tx, keys.WorkflowWakeKey{
			Name:       "hello",
			TS:         h.clock.Now().UnixMilli(),
			WorkflowID: id,
			Variant:    keys.WakeImmediate,
		}, keys.Empty{})
	})
	require.NoError(t, err)

	report := h.runOnce()
	assert.Equal(t, 1, report.Outcomes[OutcomeSkipped])
	assert.Empty(t, h.wakesFor("hello", id))
	assert.Equal(t, 1, h.status(id).Attempts)
}

func TestWorkerLosesLeaseBeforeCommit(t *testing.T) {
	var h *harness
	h = newHarness(t, func(r *Registry) {
		require.NoError(t, r.RegisterWorkflow(WorkflowDefinition{
			Name: "slow",
			Handler: func(ctx *Context, input []byte) ([]byte, error) {
				return ctx.Activity("steal", input)
			},
		}))
		require.NoError(t, r.RegisterActivity(ActivityDefinition{
			Name: "steal",
			Handler: func(ctx context.Context, _ []byte) ([]byte, error) {
				// another worker takes over after the lease expired
				h.clock.Advance(time.Minute)
				return []byte("late"), nil
			},
		}))
	})
	metrics := newRecordingMetrics()
	h.engine.metrics = metrics
	id := h.dispatch("slow", nil, nil)

	report := h.runOnce()
	assert.Equal(t, 1, report.Outcomes[OutcomeLeaseLost])
	assert.Equal(t, 1, metrics.leasesLost)

	st := h.status(id)
	assert.False(t, st.State.Terminal())
}

func TestWorkerUnknownWorkflowIsDead(t *testing.T) {
	h := newHarness(t, registerHello(t))
	id := h.dispatch("hello", []byte("x"), nil)
	wakes := h.wakesFor("hello", id)
	require.NotEmpty(t, wakes)

	redeployed := h.newEngine(func(*Registry) {})
	worker := NewWorker(redeployed, WithWorkerID("worker-b"))
	outcome, err := worker.process(h.ctx, wakeBatch{name: "hello", id: id, wakes: wakes})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDead, outcome)

	st := h.status(id)
	assert.Equal(t, StateDead, st.State)
	assert.Equal(t, CodeUnknownWorkflow, st.Reason)
	assert.Empty(t, h.wakesFor("hello", id))
}

func TestWorkerScanLimit(t *testing.T) {
	h := newHarness(t, registerHello(t))
	h.worker = NewWorker(h.engine, WithScanLimit(2), WithConcurrency(1))
	for range 3 {
		h.dispatch("hello", []byte("x"), nil)
	}

	report := h.runOnce()
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 2, report.Outcomes[OutcomeCompleted])

	report = h.runOnce()
	assert.Equal(t, 1, report.Due)
}

func TestWorkerShards(t *testing.T) {
	h := newHarness(t, func(r *Registry) {
		for _, name := range []string{"alpha", "beta", "gamma", "delta"} {
			require.NoError(t, r.RegisterWorkflow(WorkflowDefinition{Name: name, Handler: waitFor("x")}))
		}
	}, WithShardCount(2))

	seen := map[string]int{}
	for shard := range 2 {
		w := NewWorker(h.engine, WithShard(shard))
		for _, name := range w.names() {
			assert.Equal(t, shard, ShardFor(name, 2))
			seen[name]++
		}
	}
	assert.Len(t, seen, 4)

	_, err := NewWorker(h.engine, WithShard(2)).RunOnce(h.ctx)
	assert.True(t, HasCode(err, CodeInvalidInput))
}

func TestWorkerStatusAndHealth(t *testing.T) {
	var (
		mu       sync.Mutex
		statuses []WorkerStatus
		healths  []WorkerHealth
	)
	h := newHarness(t, registerHello(t))
	h.worker = NewWorker(h.engine,
		WithWorkerID("status-worker"),
		WithWorkerStatusHook(func(_ context.Context, s WorkerStatus) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, s)
		}),
		WithWorkerHealthHook(func(_ context.Context, hl WorkerHealth) {
			mu.Lock()
			defer mu.Unlock()
			healths = append(healths, hl)
		}),
	)
	assert.Equal(t, "status-worker", h.worker.ID())
	assert.Equal(t, WorkerStateIdle, h.worker.Status().State)

	h.dispatch("hello", []byte("x"), nil)
	h.runOnce()

	st := h.worker.Status()
	assert.Equal(t, 1, st.LastDue)
	assert.Equal(t, 1, st.LastProcessed)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, h.clock.Now(), st.LastSuccessAt)

	health := h.worker.Health(h.ctx)
	assert.True(t, health.Healthy)

	mu.Lock()
	assert.NotEmpty(t, statuses)
	assert.NotEmpty(t, healths)
	mu.Unlock()

	require.NoError(t, h.worker.Stop(h.ctx))
	health = h.worker.Health(h.ctx)
	assert.False(t, health.Healthy)
	assert.Equal(t, "worker stopped", health.Reason)
}

func TestWorkerRecordsMetrics(t *testing.T) {
	metrics := newRecordingMetrics()
	h := newHarness(t, registerHello(t), WithMetrics(metrics))
	h.dispatch("hello", []byte("x"), nil)
	h.runOnce()

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.scans)
	assert.Equal(t, 1, metrics.attempts[OutcomeCompleted])
	assert.Equal(t, 1, metrics.activities["upper:success"])
}

func TestWorkerTracesAttempts(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp), sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer tp.Shutdown(context.Background())

	h := newHarness(t, registerHello(t), WithTracerProvider(tp))
	id := h.dispatch("hello", []byte("x"), nil)
	h.runOnce()

	spans := map[string]tracetest.SpanStub{}
	for _, span := range exp.GetSpans() {
		spans[span.Name] = span
	}
	require.Contains(t, spans, "durable.dispatch")
	require.Contains(t, spans, "durable.attempt")
	require.Contains(t, spans, "durable.activity")

	attempt := spans["durable.attempt"]
	attrs := map[string]string{}
	for _, kv := range attempt.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, id.String(), attrs["workflow.id"])
	assert.Equal(t, string(OutcomeCompleted), attrs["attempt.outcome"])
	assert.Equal(t, attempt.SpanContext.SpanID(), spans["durable.activity"].Parent.SpanID())
}

func TestWorkerRunWakesOnNotification(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	defer bus.Close()
	h := newHarness(t, registerHello(t), WithBus(bus))
	h.worker = NewWorker(h.engine, WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.worker.Status().State == WorkerStateRunning
	}, 2*time.Second, 5*time.Millisecond)

	id, err := h.engine.Dispatch(h.ctx, "hello", []byte("x"), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, err := h.engine.GetStatus(context.Background(), id)
		return err == nil && st.State == StateComplete
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, h.worker.Stop(stopCtx))
	require.NoError(t, <-done)
	assert.Equal(t, WorkerStateStopped, h.worker.Status().State)
}

func TestWorkerRunRejectsSecondLoop(t *testing.T) {
	h := newHarness(t, registerHello(t))
	h.worker = NewWorker(h.engine, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	require.Eventually(t, func() bool {
		return h.worker.Status().State == WorkerStateRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, h.worker.Run(ctx))
	cancel()
	require.NoError(t, <-done)
}

func TestCancelAbortsRunningAttempt(t *testing.T) {
	started := make(chan struct{})
	var h *harness
	h = newHarness(t, func(r *Registry) {
		require.NoError(t, r.RegisterWorkflow(WorkflowDefinition{
			Name: "long",
			Handler: func(ctx *Context, input []byte) ([]byte, error) {
				return ctx.Activity("block", input)
			},
		}))
		require.NoError(t, r.RegisterActivity(ActivityDefinition{
			Name: "block",
			Handler: func(ctx context.Context, _ []byte) ([]byte, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}))
	})
	h.worker = NewWorker(h.engine, WithLeaseTTL(30*time.Millisecond))
	id := h.dispatch("long", nil, nil)

	type result struct {
		report ScanReport
		err    error
	}
	out := make(chan result, 1)
	go func() {
		report, err := h.worker.RunOnce(context.Background())
		out <- result{report, err}
	}()

	<-started
	require.NoError(t, h.engine.Cancel(h.ctx, id))

	select {
	case res := <-out:
		require.NoError(t, res.err)
		assert.Equal(t, 1, res.report.Outcomes[OutcomeLeaseLost])
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not notice cancellation")
	}

	st := h.status(id)
	assert.Equal(t, StateDead, st.State)
	assert.Equal(t, CodeCancelled, st.Reason)
	assert.Empty(t, h.history(id))
	var lease bool
	err := h.store.Transact(h.ctx, func(tx oki.Tx) error {
		_, ok, err := oki.Load(h.ctx, tx, keys.LeaseKey{WorkflowID: id})
		lease = ok
		return err
	})
	require.NoError(t, err)
	assert.False(t, lease)
}
