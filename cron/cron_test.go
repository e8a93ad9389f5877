package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleAfterCompletesAndReportsStatus(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAfter(50*time.Millisecond, JobConfig{}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}

	if got := count.Load(); got != 1 {
		t.Fatalf("expected one execution, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
	if handle.Runs() != 1 || handle.LastRun().IsZero() {
		t.Fatalf("expected run bookkeeping, got runs=%d last=%v", handle.Runs(), handle.LastRun())
	}
}

func TestScheduleAtCancelPreventsExecution(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAt(time.Now().Add(250*time.Millisecond), JobConfig{}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule at: %v", err)
	}

	handle.Cancel()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected canceled handle to close done channel")
	}

	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Fatalf("expected zero executions after cancel, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestScheduleAtFailureIsTerminal(t *testing.T) {
	var reported atomic.Int32
	scheduler := NewScheduler(WithErrorHandler(func(error) { reported.Add(1) }))
	boom := errors.New("boom")

	handle, err := scheduler.ScheduleAfter(0, JobConfig{MaxRetries: 2}, func(context.Context) error {
		return boom
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected failed handle to finish")
	}
	if status := handle.Status(); status != ScheduleStatusFailed {
		t.Fatalf("expected failed status, got %s", status)
	}
	if !errors.Is(handle.Err(), boom) {
		t.Fatalf("expected job error, got %v", handle.Err())
	}
	if reported.Load() != 1 {
		t.Fatalf("expected error handler once, got %d", reported.Load())
	}
}

func TestScheduleCronCancelableHandle(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleCron(JobConfig{Expression: "@every 1s"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	deadline := time.After(2500 * time.Millisecond)
	for count.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one cron run")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected cancel to close handle done channel")
	}

	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestSchedulerStopMarksHandleStoppedAndCancelsJobs(t *testing.T) {
	scheduler := NewScheduler()
	handle, err := scheduler.ScheduleCron(JobConfig{Expression: "@every 5s"}, func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}

	if err := scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("scheduler stop: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle done on stop")
	}

	if status := handle.Status(); status != ScheduleStatusStopped {
		t.Fatalf("expected stopped status, got %s", status)
	}
	if scheduler.baseCtx.Err() == nil {
		t.Fatal("expected job context to be cancelled on stop")
	}
}

func TestScheduleCronValidation(t *testing.T) {
	scheduler := NewScheduler()

	if _, err := scheduler.ScheduleCron(JobConfig{}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected empty expression error")
	}
	if _, err := scheduler.ScheduleCron(JobConfig{Expression: "@every 1s"}, nil); err == nil {
		t.Fatal("expected nil job error")
	}
	if _, err := scheduler.ScheduleCron(JobConfig{Expression: "not a schedule"}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected invalid expression error")
	}
}

func TestWithSecondsChangesExpressionShape(t *testing.T) {
	job := func(context.Context) error { return nil }

	if _, err := NewScheduler().ScheduleCron(JobConfig{Expression: "*/5 * * * * *"}, job); err == nil {
		t.Fatal("expected six fields to be rejected without seconds")
	}
	scheduler := NewScheduler(WithSeconds(), WithLocation(time.UTC))
	if _, err := scheduler.ScheduleCron(JobConfig{Expression: "*/5 * * * * *"}, job); err != nil {
		t.Fatalf("seconds expression: %v", err)
	}
	if _, err := scheduler.ScheduleCron(JobConfig{Expression: "@hourly"}, job); err != nil {
		t.Fatalf("descriptor with seconds parser: %v", err)
	}
}

type recordingLogger struct {
	errors atomic.Int32
}

func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) { l.errors.Add(1) }

func TestJobFailureIsReportedThroughLogger(t *testing.T) {
	logger := &recordingLogger{}
	scheduler := NewScheduler(WithLogger(logger))

	handle, err := scheduler.ScheduleAfter(0, JobConfig{}, func(context.Context) error {
		return errors.New("boom")
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}
	if handle.Status() != ScheduleStatusFailed {
		t.Fatalf("expected failed status, got %s", handle.Status())
	}
	if logger.errors.Load() == 0 {
		t.Fatal("expected failure to reach the logger")
	}
}
