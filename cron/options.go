package cron

import (
	"context"
	"fmt"
	"io"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// ParseLogLevel maps a level name (silent, error, info, debug, trace) to a LogLevel.
func ParseLogLevel(name string) LogLevel {
	switch name {
	case "silent", "off":
		return LogLevelSilent
	case "info", "warn":
		return LogLevelInfo
	case "debug", "trace":
		return LogLevelDebug
	default:
		return LogLevelError
	}
}

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// Option defines the functional option type for Scheduler
type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

// WithLogger sets a custom logger for the scheduler
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLogWriter sets a custom writer for logging
func WithLogWriter(writer io.Writer) Option {
	return func(s *Scheduler) {
		s.logWriter = writer
	}
}

// WithLogLevel sets the logging level
func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler sets a custom error handler for the scheduler
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

// WithParser sets the type of cron expression parser to use
func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithContext sets the parent context of every task run. Cancelling it
// aborts runs in progress.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}

// loggerAdapter adapts our Logger interface to robfig/cron's logger
type loggerAdapter struct {
	logger Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, args ...any) {
	if l.level >= LogLevelDebug {
		l.logger.Info("%s%s", msg, formatKeysAndValues(args))
	}
}

func (l *loggerAdapter) Error(err error, msg string, args ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("%s: %v%s", msg, err, formatKeysAndValues(args))
	}
}

// formatKeysAndValues renders robfig/cron's key/value pairs.
func formatKeysAndValues(args []any) string {
	out := ""
	for i := 0; i+1 < len(args); i += 2 {
		out += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	return out
}

// errorHandlerAdapter adapts a simple error handler function to implement cron.Logger
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...any) {
	if e.handler == nil {
		return
	}
	if err != nil {
		e.handler(fmt.Errorf("%s: %w", msg, err))
		return
	}
	e.handler(fmt.Errorf("%s%s", msg, formatKeysAndValues(args)))
}
