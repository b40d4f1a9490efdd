package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration
type Config struct {
	Level       string
	ServiceName string
	Development bool
}

// Logger wraps zap.Logger so components can depend on one concrete type
type Logger struct {
	*zap.Logger
}

var (
	defaultLogger = &Logger{Logger: zap.NewNop()}
	mu            sync.RWMutex
)

// New builds a logger without touching the package default
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: "info"}
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zl, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if cfg.ServiceName != "" {
		zl = zl.With(zap.String("service", cfg.ServiceName))
	}

	return &Logger{Logger: zl}, nil
}

// Init builds a logger and installs it as the package default
func Init(cfg *Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}

	mu.Lock()
	defaultLogger = l
	mu.Unlock()
	return nil
}

// Get returns the package default logger
func Get() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// OrDefault returns l, or the package default when l is nil
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return Get()
	}
	return l
}

// Sync flushes the default logger
func Sync() error {
	return Get().Sync()
}

// With returns a child logger with the given fields attached
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Named returns a child logger with a name segment appended
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name)}
}

// Debug logs on the default logger
func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }

// Info logs on the default logger
func Info(msg string, fields ...zap.Field) { Get().Info(msg, fields...) }

// Warn logs on the default logger
func Warn(msg string, fields ...zap.Field) { Get().Warn(msg, fields...) }

// Error logs on the default logger
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }

// Fatal logs on the default logger and exits
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
