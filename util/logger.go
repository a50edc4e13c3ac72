// Package util provides small shared helpers used across the raft, store
// and transport packages: structured logging and numeric helpers.
package util

import (
	"go.uber.org/zap"
)

var base *zap.Logger
var sugar *zap.SugaredLogger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
	sugar = base.Sugar()
}

// L returns the process-wide sugared logger.
func L() *zap.SugaredLogger {
	return sugar
}

// SetLevel adjusts the global logging level at runtime.
func SetLevel(level zap.AtomicLevel) {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	if l, err := cfg.Build(); err == nil {
		base = l
		sugar = base.Sugar()
	}
}

// Sync flushes any buffered log entries. Callers should defer this in main.
func Sync() {
	_ = sugar.Sync()
}
