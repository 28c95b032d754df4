package observ

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu  sync.RWMutex
	logger = newLogger("info")
)

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "event"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// InitLogger replaces the process logger. Unknown levels fall back to info.
func InitLogger(level string) *zap.Logger {
	l := newLogger(level)
	SetLogger(l)
	return l
}

// SetLogger installs an existing zap logger (tests use zaptest/observer loggers).
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// Logger returns the current process logger.
func Logger() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log writes one structured info line: the event name plus its key/value context.
func Log(event string, kv map[string]any) {
	Logger().Info(event, fields(kv)...)
}

// Warn is Log at warn level.
func Warn(event string, kv map[string]any) {
	Logger().Warn(event, fields(kv)...)
}

// LogError records an event together with the error that caused it.
func LogError(event string, err error, kv map[string]any) {
	fs := fields(kv)
	if err != nil {
		fs = append(fs, zap.Error(err))
	}
	Logger().Error(event, fs...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Logger().Sync()
}

// keys are sorted so lines diff cleanly between runs
func fields(kv map[string]any) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fs := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fs = append(fs, zap.Any(k, kv[k]))
	}
	return fs
}
