package core

import (
	"github.com/sirupsen/logrus"
)

// Logger is the structured logging surface used by the engine. Arguments
// are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NewLogrusLogger adapts a logrus logger (or entry) to Logger.
func NewLogrusLogger(l logrus.FieldLogger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return logrusLogger{l: l}
}

type logrusLogger struct {
	l logrus.FieldLogger
}

func (g logrusLogger) Debug(msg string, args ...any) { g.with(args).Debug(msg) }
func (g logrusLogger) Info(msg string, args ...any)  { g.with(args).Info(msg) }
func (g logrusLogger) Warn(msg string, args ...any)  { g.with(args).Warn(msg) }
func (g logrusLogger) Error(msg string, args ...any) { g.with(args).Error(msg) }

func (g logrusLogger) with(args []any) logrus.FieldLogger {
	if len(args) == 0 {
		return g.l
	}
	fields := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "arg"
		}
		if i+1 < len(args) {
			fields[key] = args[i+1]
		} else {
			fields["extra"] = args[i]
		}
	}
	return g.l.WithFields(fields)
}
