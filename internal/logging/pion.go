package logging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLeveled implements logging.LeveledLogger on top of slog.
type slogLeveled struct {
	logger *slog.Logger
}

func (l *slogLeveled) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *slogLeveled) Trace(msg string) { l.log(slog.LevelDebug-4, msg) }
func (l *slogLeveled) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}

func (l *slogLeveled) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *slogLeveled) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLeveled) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *slogLeveled) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *slogLeveled) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *slogLeveled) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *slogLeveled) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *slogLeveled) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

// pionFactory implements logging.LoggerFactory.
type pionFactory struct {
	logger *slog.Logger
}

// NewPionFactory returns a LoggerFactory whose loggers write to logger with a
// "scope" attribute naming the engine subsystem.
func NewPionFactory(logger *slog.Logger) logging.LoggerFactory {
	return &pionFactory{logger: OrNop(logger)}
}

func (f *pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveled{logger: f.logger.With(slog.String(KeyScope, scope))}
}
