package cron

import (
	"sync"
	"time"
)

// Status reports a task handle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

func isTerminalStatus(status Status) bool {
	switch status {
	case StatusCompleted, StatusCanceled, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Handle controls and observes one scheduled task.
type Handle interface {
	Cancel()
	Status() Status
	// Err is the error of the most recent run, nil after a successful one.
	Err() error
	Done() <-chan struct{}
	ID() int64
	Name() string
	Runs() int
	LastRun() time.Time
}

type taskHandle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	name      string
	done      chan struct{}

	mu      sync.RWMutex
	status  Status
	err     error
	runs    int
	lastRun time.Time
	once    sync.Once
	closed  sync.Once
}

func (h *taskHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.finish(StatusCanceled, nil)
	})
}

func (h *taskHandle) Status() Status {
	if h == nil {
		return StatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *taskHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *taskHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *taskHandle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *taskHandle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

func (h *taskHandle) Runs() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs
}

func (h *taskHandle) LastRun() time.Time {
	if h == nil {
		return time.Time{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRun
}

func (h *taskHandle) setStatus(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.err = err
}

// recordRun closes one run of a recurring task.
func (h *taskHandle) recordRun(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	h.lastRun = time.Now()
	if !isTerminalStatus(h.status) {
		h.status = status
	}
	h.err = err
}

// finish moves the handle to a terminal status and releases Done waiters.
func (h *taskHandle) finish(status Status, err error) {
	h.mu.Lock()
	if status == StatusCompleted || status == StatusFailed {
		h.runs++
		h.lastRun = time.Now()
	}
	h.status = status
	h.err = err
	h.mu.Unlock()
	h.closed.Do(func() { close(h.done) })
}
