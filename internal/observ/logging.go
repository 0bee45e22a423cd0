package observ

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Init replaces the process logger. Call once at startup; before that,
// events are dropped (useful in tests).
func Init(debug bool) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "event"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		return
	}
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Log emits a structured event with arbitrary key/value context.
func Log(event string, kv map[string]any) {
	mu.RLock()
	l := logger
	mu.RUnlock()

	fields := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		fields = append(fields, zap.Any(k, v))
	}
	l.Info(event, fields...)
}

// LogError emits an error-level event carrying err alongside context.
func LogError(event string, err error, kv map[string]any) {
	mu.RLock()
	l := logger
	mu.RUnlock()

	fields := make([]zap.Field, 0, len(kv)+1)
	fields = append(fields, zap.Error(err))
	for k, v := range kv {
		fields = append(fields, zap.Any(k, v))
	}
	l.Error(event, fields...)
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	l := logger
	mu.RUnlock()
	_ = l.Sync()
}
