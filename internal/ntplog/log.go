// Package ntplog wraps go.uber.org/zap the way Erigon wraps its own
// structured logger: a Logger is built once and passed explicitly into
// every constructor down the stack, rather than mutated as a package
// global and reached for from deep inside backend code.
package ntplog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger handed to every backend/cache
// constructor in this repository.
type Logger struct {
	s *zap.SugaredLogger
}

// New builds a Logger at the given zap level ("debug", "info", "warn",
// "error"; anything else falls back to "info").
func New(level string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{s: l.Sugar()}, nil
}

// Nop returns a Logger that discards everything, for tests and for
// backends/caches constructed without an explicit logger.
func Nop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.s.Debugw(msg, kv...)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.s.Infow(msg, kv...)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.s.Warnw(msg, kv...)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.s.Errorw(msg, kv...)
}

// Sync flushes any buffered log entries; cmd/kvtool defers it once its
// command has run.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.s.Sync()
}
