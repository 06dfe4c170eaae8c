package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/Lewis0770/reorganization-sub005/runner"

	rcron "github.com/robfig/cron/v3"
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Task is one periodic unit of work, typically a workflow sweep.
type Task func(ctx context.Context) error

// TaskConfig controls how a task runs each time it fires.
type TaskConfig struct {
	Name       string
	Expression string
	// Timeout bounds a single run; zero means no timeout.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after a failed run.
	MaxRetries int
	// RetryStrategy spaces the extra attempts; NoDelayStrategy when nil.
	RetryStrategy runner.RetryStrategy
}

// Scheduler wraps cron functionality.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	baseCtx      context.Context
	errorHandler func(error)

	logger    Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	nextHandleID int64
	handles      map[int64]*taskHandle
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		baseCtx:  context.Background(),
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		handles: make(map[int64]*taskHandle),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron runs task every time expression fires. A run that is still in
// progress when the next tick arrives makes that tick a no-op.
func (s *Scheduler) ScheduleCron(cfg TaskConfig, task Task) (Handle, error) {
	if cfg.Expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}

	h := s.newHandle(cfg.Name)
	job := rcron.NewChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)).Then(rcron.FuncJob(func() {
		if isTerminalStatus(h.Status()) {
			return
		}
		h.setStatus(StatusRunning, nil)
		if err := s.run(cfg, task); err != nil {
			h.recordRun(StatusIdle, err)
			s.errorHandler(fmt.Errorf("task %s: %w", h.Name(), err))
			return
		}
		if !isTerminalStatus(h.Status()) {
			h.recordRun(StatusIdle, nil)
		}
	}))

	entryID, err := s.cron.AddJob(cfg.Expression, job)
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	h.entryID = int(entryID)
	s.storeHandle(h)
	return h, nil
}

// ScheduleAfter runs task once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg TaskConfig, task Task) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), cfg, task)
}

// ScheduleAt runs task once at a specific time.
func (s *Scheduler) ScheduleAt(at time.Time, cfg TaskConfig, task Task) (Handle, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}

	h := s.newHandle(cfg.Name)
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
		h.setStatus(StatusRunning, nil)
		err := s.run(cfg, task)
		s.removeStoredHandle(h.id)
		if err != nil {
			s.errorHandler(fmt.Errorf("task %s: %w", h.Name(), err))
			h.finish(StatusFailed, err)
			return
		}
		h.finish(StatusCompleted, nil)
	}()

	return h, nil
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the schedule, waits for running tasks (or ctx) and marks every
// live handle as stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	var handles []*taskHandle
	s.mu.Lock()
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*taskHandle)
	s.mu.Unlock()

	for _, h := range handles {
		if h == nil || isTerminalStatus(h.Status()) {
			continue
		}
		h.finish(StatusStopped, nil)
	}

	if ctx == nil {
		<-stopped.Done()
		return nil
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes one firing of task with the configured timeout and retries.
func (s *Scheduler) run(cfg TaskConfig, task Task) error {
	ctx := s.baseCtx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	return runner.Retry(ctx, attempts, cfg.RetryStrategy, nil, func(ctx context.Context, attempt int) error {
		err := task(ctx)
		if err != nil && attempt < attempts-1 && s.logger != nil && s.logLevel >= LogLevelInfo {
			s.logger.Info("task %s failed, attempt %d of %d: %v", cfg.Name, attempt+1, attempts, err)
		}
		return err
	})
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

func (s *Scheduler) removeStoredHandle(id int64) *taskHandle {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Scheduler) storeHandle(h *taskHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle(name string) *taskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	if name == "" {
		name = fmt.Sprintf("task-%d", s.nextHandleID)
	}
	return &taskHandle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    StatusScheduled,
		done:      make(chan struct{}),
	}
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	cronLogger := rcron.PrintfLogger(stdLogger)
	if level >= LogLevelDebug {
		cronLogger = rcron.VerbosePrintfLogger(stdLogger)
	}
	return cronLogger
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	if s.errorHandler != nil {
		opts = append(opts, rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
		))
	}

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		cronLogger = makeLogger(s.logWriter, s.logLevel)
	default:
		if s.logLevel > LogLevelSilent {
			cronLogger = makeLogger(os.Stdout, s.logLevel)
		}
	}

	if cronLogger != nil {
		opts = append(opts, rcron.WithLogger(cronLogger))
	}

	return opts
}
