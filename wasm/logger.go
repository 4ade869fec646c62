package wasm

import (
	"sync"

	"go.uber.org/zap"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// Logger returns the package logger.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// SetLogger replaces the package logger. Pass nil to restore the no-op
// default. Engines built with WithLogger use their own logger instead.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}
