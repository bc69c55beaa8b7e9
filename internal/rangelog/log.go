// Package rangelog wires go.uber.org/zap into a small logger every other
// package takes by constructor injection — nothing below cmd/ calls
// fmt.Println except the banner (spec.md SPEC_FULL §4.8).
package rangelog

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a thin alias so callers don't import zap directly.
type Logger = zap.SugaredLogger

// Options controls where and how logs are written.
type Options struct {
	// FilePath, if set, rotates through lumberjack instead of (or in
	// addition to) stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
	Level      zapcore.Level
}

// DefaultOptions mirrors what the orchestrator loop wants by default: a
// rotating file under the database's directory, plus console output only
// when attached to a TTY (decided by the caller via Options.Console).
func DefaultOptions(filePath string, console bool) Options {
	return Options{
		FilePath:   filePath,
		MaxSizeMB:  64,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Console:    console,
		Level:      zapcore.InfoLevel,
	}
}

// New builds a *Logger from Options. Callers must call Sync() before exit.
func New(opts Options) (*Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if opts.FilePath != "" {
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), writer, opts.Level))
	}
	if opts.Console || opts.FilePath == "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			opts.Level,
		))
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core, zap.AddCaller())
	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests that need a
// non-nil *Logger but don't care about its output.
func Nop() *Logger {
	return zap.NewNop().Sugar()
}

// NowUTC renders the current instant as the RFC3339 string the ledger
// stores in every *_ts column. Centralized here so the store package never
// calls time.Now() directly — one seam to fake in tests if ever needed.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
