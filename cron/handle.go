package cron

import (
	"sync"
	"time"
)

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Handle controls one scheduled job. A recurring job that fails keeps its
// schedule; Err reports the last failure.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
	Runs() int
	LastRun() time.Time
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	done      chan struct{}

	mu      sync.RWMutex
	status  ScheduleStatus
	err     error
	runs    int
	lastRun time.Time
	once    sync.Once
}

func (h *jobHandle) Cancel() {
	h.once.Do(func() {
		h.scheduler.removeHandle(h.id)
		h.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (h *jobHandle) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *jobHandle) Done() <-chan struct{} { return h.done }

func (h *jobHandle) ID() int64 { return h.id }

func (h *jobHandle) Runs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs
}

func (h *jobHandle) LastRun() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRun
}

func (h *jobHandle) markRun(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	h.lastRun = at
}

func (h *jobHandle) setStatus(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.err = err
}

func (h *jobHandle) setTerminal(status ScheduleStatus, err error) {
	h.setStatus(status, err)
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
