package durable

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-durable/cron"
)

// DefaultJanitorSchedule runs maintenance once a minute.
const DefaultJanitorSchedule = "@every 1m"

// JanitorReport summarizes one maintenance pass.
type JanitorReport struct {
	ClosedStores int
	Purged       int
	RanAt        time.Time
}

// Janitor closes idle workflow stores and, when a retention window is set,
// purges workflows that have been terminal for longer than the window.
type Janitor struct {
	engine    *Engine
	retention time.Duration
	schedule  string
	logger    Logger

	mu        sync.Mutex
	scheduler *cron.Scheduler
	handle    cron.Handle
	last      JanitorReport
}

// JanitorOption customizes a Janitor.
type JanitorOption func(*Janitor)

// WithRetention sets how long terminal workflows are kept. Zero keeps them
// forever.
func WithRetention(window time.Duration) JanitorOption {
	return func(j *Janitor) {
		if window >= 0 {
			j.retention = window
		}
	}
}

// WithSchedule sets the cron expression maintenance runs on.
func WithSchedule(expr string) JanitorOption {
	return func(j *Janitor) {
		if expr != "" {
			j.schedule = expr
		}
	}
}

func WithJanitorLogger(logger Logger) JanitorOption {
	return func(j *Janitor) {
		j.logger = normalizeLogger(logger)
	}
}

func NewJanitor(engine *Engine, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		engine:   engine,
		schedule: DefaultJanitorSchedule,
		logger:   engine.logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	j.logger = normalizeLogger(j.logger)
	return j
}

// RunOnce performs one maintenance pass.
func (j *Janitor) RunOnce(ctx context.Context) (JanitorReport, error) {
	now := j.engine.now()
	report := JanitorReport{RanAt: now}
	report.ClosedStores = j.engine.pool.CloseIdle(now)

	var err error
	if j.retention > 0 {
		report.Purged, err = j.engine.PurgeExpired(ctx, now.Add(-j.retention))
	}

	j.mu.Lock()
	j.last = report
	j.mu.Unlock()

	logger := withLoggerFields(j.logger.WithContext(ctx), map[string]any{
		"closed_stores": report.ClosedStores,
		"purged":        report.Purged,
	})
	if err != nil {
		logger.Warn("janitor pass incomplete: %v", err)
		return report, err
	}
	if report.ClosedStores > 0 || report.Purged > 0 {
		logger.Info("janitor pass complete")
	}
	return report, nil
}

// Last returns the report of the most recent pass.
func (j *Janitor) Last() JanitorReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Start runs a first pass right away and then schedules RunOnce on the
// janitor's cron schedule.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.scheduler != nil {
		return nil
	}
	scheduler := cron.NewScheduler(
		cron.WithLocation(time.UTC),
		cron.WithLogger(j.logger),
		cron.WithErrorHandler(func(err error) {
			j.logger.Error("janitor job failed: %v", err)
		}),
	)
	pass := func(ctx context.Context) error {
		_, err := j.RunOnce(ctx)
		return err
	}
	handle, err := scheduler.ScheduleCron(cron.JobConfig{Expression: j.schedule}, pass)
	if err != nil {
		return cloneError(ErrInvalidInput, "invalid janitor schedule", err, map[string]any{"schedule": j.schedule})
	}
	if _, err := scheduler.ScheduleAfter(0, cron.JobConfig{}, pass); err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	j.scheduler = scheduler
	j.handle = handle
	return nil
}

// Stop halts the schedule and waits for a running pass.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	scheduler := j.scheduler
	j.scheduler = nil
	j.handle = nil
	j.mu.Unlock()
	if scheduler == nil {
		return nil
	}
	return scheduler.Stop(ctx)
}
