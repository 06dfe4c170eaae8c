package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-logger/glog"

	"github.com/Lewis0770/reorganization-sub005/flow"
)

// glogLogger plugs go-logger into the engine logging contract.
type glogLogger struct {
	logger glog.Logger
}

func newLogger(out io.Writer, level, format string) flow.Logger {
	level = strings.ToLower(strings.TrimSpace(level))
	if format == "text" {
		return glogLogger{logger: glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level))}
	}
	return glogLogger{logger: glog.NewLogger(
		glog.WithWriter(out),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	)}
}

// Engine messages are printf-style and reach glog already formatted.
func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(sprintf(msg, args)) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(sprintf(msg, args)) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(sprintf(msg, args)) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(sprintf(msg, args)) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(sprintf(msg, args)) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(sprintf(msg, args)) }

func sprintf(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

func (l glogLogger) WithContext(ctx context.Context) flow.Logger {
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) flow.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

// cronLogger narrows a flow.Logger to the scheduler's two-level logger.
type cronLogger struct {
	logger flow.Logger
}

func (c cronLogger) Info(msg string, args ...any)  { c.logger.Info(msg, args...) }
func (c cronLogger) Error(msg string, args ...any) { c.logger.Error(msg, args...) }
