package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Info(msg string, args ...any)  { l.add(msg, args...) }
func (l *recordingLogger) Error(msg string, args ...any) { l.add(msg, args...) }

func (l *recordingLogger) add(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(msg, args...))
}

func TestScheduleAfterCompletesAndReportsStatus(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAfter(50*time.Millisecond, TaskConfig{Name: "sweep"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}

	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, StatusCompleted, handle.Status())
	assert.Equal(t, "sweep", handle.Name())
	assert.Equal(t, 1, handle.Runs())
	assert.False(t, handle.LastRun().IsZero())
}

func TestScheduleAtCancelPreventsExecution(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAt(time.Now().Add(250*time.Millisecond), TaskConfig{}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	handle.Cancel()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected canceled handle to close done channel")
	}

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, count.Load())
	assert.Equal(t, StatusCanceled, handle.Status())
}

func TestScheduleAfterRetriesAndReportsFailure(t *testing.T) {
	var reported atomic.Value
	scheduler := NewScheduler(WithErrorHandler(func(err error) { reported.Store(err) }))
	boom := errors.New("store locked")
	var calls atomic.Int32

	handle, err := scheduler.ScheduleAfter(0, TaskConfig{Name: "flaky", MaxRetries: 2}, func(context.Context) error {
		calls.Add(1)
		return boom
	})
	require.NoError(t, err)

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, StatusFailed, handle.Status())
	assert.ErrorIs(t, handle.Err(), boom)
	stored, ok := reported.Load().(error)
	require.True(t, ok)
	assert.ErrorIs(t, stored, boom)
}

func TestScheduleAfterAppliesTimeout(t *testing.T) {
	scheduler := NewScheduler(WithErrorHandler(func(error) {}))

	handle, err := scheduler.ScheduleAfter(0, TaskConfig{Timeout: 20 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected the timeout to end the task")
	}
	assert.ErrorIs(t, handle.Err(), context.DeadlineExceeded)
}

func TestScheduleCronKeepsRunningAfterFailure(t *testing.T) {
	scheduler := NewScheduler(WithParser(SecondsParser), WithErrorHandler(func(error) {}))
	var count atomic.Int32

	handle, err := scheduler.ScheduleCron(TaskConfig{Name: "sweep", Expression: "@every 1s"}, func(context.Context) error {
		if count.Add(1) == 1 {
			return errors.New("first sweep fails")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Start(context.Background()))

	require.Eventually(t, func() bool {
		return count.Load() >= 2 && handle.Status() == StatusIdle && handle.Err() == nil
	}, 4*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, handle.Runs(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, scheduler.Stop(ctx))
	assert.Equal(t, StatusStopped, handle.Status())
}

func TestScheduleCronCancelableHandle(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleCron(TaskConfig{Expression: "@every 1s"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Start(context.Background()))

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected canceled handle to close done channel")
	}

	time.Sleep(1200 * time.Millisecond)
	assert.Zero(t, count.Load())
	assert.Equal(t, StatusCanceled, handle.Status())
	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestScheduleRejectsInvalidInput(t *testing.T) {
	scheduler := NewScheduler()

	_, err := scheduler.ScheduleCron(TaskConfig{}, func(context.Context) error { return nil })
	assert.Error(t, err)

	_, err = scheduler.ScheduleCron(TaskConfig{Expression: "not a schedule"}, func(context.Context) error { return nil })
	assert.Error(t, err)

	_, err = scheduler.ScheduleCron(TaskConfig{Expression: "@every 1m"}, nil)
	assert.Error(t, err)

	_, err = scheduler.ScheduleAfter(time.Second, TaskConfig{}, nil)
	assert.Error(t, err)
}

func TestLoggerAdapter(t *testing.T) {
	logger := &recordingLogger{}
	adapter := &loggerAdapter{logger: logger, level: LogLevelDebug}

	adapter.Info("schedule", "entry", 1)
	adapter.Error(errors.New("bad"), "run", "entry", 2)

	require.Len(t, logger.lines, 2)
	assert.Equal(t, "schedule entry=1", logger.lines[0])
	assert.Equal(t, "run: bad entry=2", logger.lines[1])

	quiet := &loggerAdapter{logger: &recordingLogger{}, level: LogLevelError}
	quiet.Info("ignored")
	assert.Empty(t, quiet.logger.(*recordingLogger).lines)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("info"))
	assert.Equal(t, LogLevelSilent, ParseLogLevel("off"))
	assert.Equal(t, LogLevelError, ParseLogLevel("anything"))
}
