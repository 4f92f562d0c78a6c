package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
	mu    sync.RWMutex
)

// Logger is the structured logging surface every package writes through.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Infow(string, ...interface{})  {}
func (noopLogger) Debugw(string, ...interface{}) {}
func (noopLogger) Warnw(string, ...interface{})  {}
func (noopLogger) Errorw(string, ...interface{}) {}
func (noopLogger) Sync() error                   { return nil }

// current starts as a no-op so packages can log before main calls Init.
var current Logger = noopLogger{}

// ParseLevel maps a LOG_LEVEL style string to a zap level. Unknown values
// fall back to info.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Init builds the process logger: JSON to stdout, ISO8601 "ts", caller, and
// stacktraces from error level up. The std library logger is redirected into
// zap. An empty level reads LOG_LEVEL. Only the first call has an effect.
func Init(level string) *zap.SugaredLogger {
	once.Do(func() {
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
			Level:            zap.NewAtomicLevelAt(ParseLevel(level)),
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		SetLogger(sugar)
	})
	return sugar
}

// Sugar returns the logger built by Init, or nil before Init.
func Sugar() *zap.SugaredLogger { return sugar }

// SetLogger swaps the package logger. nil restores the Init logger (or the
// no-op logger if Init never ran). Tests use this to capture output.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

// GetLogger returns the active Logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Infow(msg string, keysAndValues ...interface{})  { GetLogger().Infow(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { GetLogger().Debugw(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { GetLogger().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { GetLogger().Errorw(msg, keysAndValues...) }

// FatalExitf logs at error level and exits with status 1.
func FatalExitf(msg string, keysAndValues ...interface{}) {
	l := GetLogger()
	l.Errorw(msg, keysAndValues...)
	_ = l.Sync()
	os.Exit(1)
}

// Sync flushes buffered entries.
func Sync() error { return GetLogger().Sync() }

type ctxKeyType struct{}

// WithFields returns a context carrying kv in addition to any fields already
// attached, preserving order.
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev := FromContext(ctx)
	merged := make([]interface{}, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKeyType{}, merged)
}

// FromContext returns the fields attached with WithFields.
func FromContext(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKeyType{}).([]interface{})
	return v
}

func withCtx(ctx context.Context, kv []interface{}) []interface{} {
	fields := FromContext(ctx)
	if len(fields) == 0 {
		return kv
	}
	merged := make([]interface{}, 0, len(fields)+len(kv))
	merged = append(merged, fields...)
	return append(merged, kv...)
}

func InfowCtx(ctx context.Context, msg string, kv ...interface{}) {
	Infow(msg, withCtx(ctx, kv)...)
}

func DebugwCtx(ctx context.Context, msg string, kv ...interface{}) {
	Debugw(msg, withCtx(ctx, kv)...)
}

func WarnwCtx(ctx context.Context, msg string, kv ...interface{}) {
	Warnw(msg, withCtx(ctx, kv)...)
}

// SessionFields identifies a recording session and the provider it streams to.
func SessionFields(sessionID, provider string) []interface{} {
	if provider == "" {
		return []interface{}{"session.id", sessionID}
	}
	return []interface{}{"session.id", sessionID, "provider", provider}
}

// ProviderFields tags provider transport logs.
func ProviderFields(provider, url string) []interface{} {
	return []interface{}{"provider", provider, "provider.url", url}
}

// ConnFields tags relay connection logs.
func ConnFields(connID, remote string) []interface{} {
	if remote == "" {
		return []interface{}{"conn.id", connID}
	}
	return []interface{}{"conn.id", connID, "conn.remote", remote}
}

// FrameFields summarises an audio frame without logging its samples.
func FrameFields(samples, sampleRate int) []interface{} {
	durMs := 0
	if sampleRate > 0 {
		durMs = samples * 1000 / sampleRate
	}
	return []interface{}{"samples", samples, "sample_rate", sampleRate, "duration_ms", durMs}
}
