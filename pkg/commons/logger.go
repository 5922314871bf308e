// Copyright (c) 2023-2025 VoiceBridge
//
// Package commons provides the logging facility shared by every component
// of the streaming core. Logging is the only process-wide concern the core
// depends on; a Logger is always passed in, never looked up globally.
package commons

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the sugared leveled-logging interface every component accepts
// at construction. It mirrors the calling convention already used across
// the call-handling stack (Infow/Errorw for structured fields, Debugf/Errorf
// for printf-style messages) plus Benchmark for hot-path timing.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Benchmark records how long a named operation took, at debug level.
	Benchmark(op string, d time.Duration)

	// With returns a derived Logger carrying the given structured fields on
	// every subsequent log line.
	With(keysAndValues ...interface{}) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

var _ Logger = (*zapLogger)(nil)

// NewApplicationLogger returns a production-leveled, console-friendly logger
// suitable for interactive and service use. It never fails to construct; on
// the rare internal zap build error it falls back to zap.NewNop() rather than
// panicking a call-handling process.
func NewApplicationLogger() (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return &zapLogger{sugar: zap.NewNop().Sugar()}, err
	}
	return &zapLogger{sugar: base.Sugar()}, nil
}

// NewFileLogger returns a logger whose output rotates through lumberjack,
// for long-lived processes that must not grow an unbounded log file.
func NewFileLogger(filename string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) Logger {
	hook := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(hook),
		zapcore.DebugLevel,
	)
	return &zapLogger{sugar: zap.New(core, zap.AddCallerSkip(1)).Sugar()}
}

func (l *zapLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

func (l *zapLogger) Debugw(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *zapLogger) Infow(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

func (l *zapLogger) Benchmark(op string, d time.Duration) {
	l.sugar.Debugw("benchmark", "op", op, "duration_ms", d.Milliseconds())
}

func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{sugar: l.sugar.With(kv...)}
}

// NewNopLogger returns a Logger that discards everything, for tests that
// don't care about log output.
func NewNopLogger() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}
