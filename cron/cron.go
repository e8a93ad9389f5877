// Package cron runs recurring and one-shot maintenance jobs on top of
// robfig/cron.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-durable/runner"
	rcron "github.com/robfig/cron/v3"
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Job is one unit of scheduled work. The context is cancelled when the
// scheduler stops.
type Job func(ctx context.Context) error

// JobConfig controls how a job runs. Expression is only used by
// ScheduleCron.
type JobConfig struct {
	Expression string
	MaxRetries int
	Timeout    time.Duration
}

// Scheduler wraps cron functionality.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger  Logger
	seconds bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*jobHandle
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		handles:  make(map[int64]*jobHandle),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.errorHandler == nil {
		s.errorHandler = s.logError
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron schedules a recurring job by cron expression.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job Job) (Handle, error) {
	if cfg.Expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	h := s.newHandle()
	entry := rcron.FuncJob(func() {
		if isTerminalStatus(h.Status()) {
			return
		}

		h.setStatus(ScheduleStatusRunning, nil)
		err := run()
		h.markRun(time.Now())
		if err != nil {
			s.errorHandler(err)
		}
		if !isTerminalStatus(h.Status()) {
			h.setStatus(ScheduleStatusIdle, err)
		}
	})

	entryID, err := s.cron.AddJob(cfg.Expression, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	h.entryID = int(entryID)
	s.storeHandle(h)
	return h, nil
}

// ScheduleAfter schedules one execution after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), cfg, job)
}

// ScheduleAt schedules one execution at a specific time.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, job Job) (Handle, error) {
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	h := s.newHandle()
	s.storeHandle(h)

	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-h.Done():
			return
		}

		if isTerminalStatus(h.Status()) {
			return
		}
		h.setStatus(ScheduleStatusRunning, nil)
		err := run()
		h.markRun(time.Now())
		if err != nil {
			s.errorHandler(err)
			h.setTerminal(ScheduleStatusFailed, err)
			s.removeStoredHandle(h.id)
			return
		}
		h.setTerminal(ScheduleStatusCompleted, nil)
		s.removeStoredHandle(h.id)
	}()

	return h, nil
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop stops the scheduler, cancels running jobs, and marks active handles
// as stopped. It waits for running cron jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCancel()
	stopped := s.cron.Stop()

	var handles []*jobHandle
	s.mu.Lock()
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, h := range handles {
		if h == nil {
			continue
		}
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		if isTerminalStatus(h.Status()) {
			continue
		}
		h.setTerminal(ScheduleStatusStopped, nil)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) removeHandle(id int64) {
	h := s.removeStoredHandle(id)
	if h == nil {
		return
	}
	if h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *jobHandle {
	if id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Scheduler) storeHandle(h *jobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle() *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &jobHandle{
		scheduler: s,
		id:        s.nextHandleID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

// buildRunnable binds job to the scheduler context under the retry and
// timeout policy of cfg.
func (s *Scheduler) buildRunnable(cfg JobConfig, job Job) (func() error, error) {
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}
	opts := []runner.Option{runner.WithMaxRetries(cfg.MaxRetries)}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	if s.logger != nil {
		opts = append(opts, runner.WithLogger(s.logger))
	}
	h := runner.NewHandler(opts...)
	return func() error {
		return h.Run(s.baseCtx, func(ctx context.Context) error {
			return job(ctx)
		})
	}, nil
}

func (s *Scheduler) logError(err error) {
	if s.logger != nil {
		s.logger.Error("scheduled job failed: %v", err)
	}
}

// build translates the scheduler settings into rcron options.
func (s *Scheduler) build() []rcron.Option {
	fields := rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor
	if s.seconds {
		fields |= rcron.Second
	}
	opts := []rcron.Option{
		rcron.WithLocation(s.location),
		rcron.WithParser(rcron.NewParser(fields)),
		rcron.WithChain(rcron.Recover(panicReporter(s.errorHandler))),
		rcron.WithLogger(rcron.DiscardLogger),
	}
	if s.logger != nil {
		opts[len(opts)-1] = rcron.WithLogger(cronLogger{logger: s.logger})
	}
	return opts
}
