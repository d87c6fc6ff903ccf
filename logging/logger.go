// Package logging builds the zap loggers used across linkbridge.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultLevel is used when Options.Level is empty or invalid.
	DefaultLevel = "info"
	// DefaultMaxSizeMB is the rotation threshold of the file sink.
	DefaultMaxSizeMB = 50
	// DefaultMaxBackups is the number of rotated files kept.
	DefaultMaxBackups = 5
	// DefaultMaxAgeDays is the retention of rotated files.
	DefaultMaxAgeDays = 14
)

// Options configures New.
type Options struct {
	Level      string
	Format     string // "console" or "json"
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Output replaces stdout; used by tests.
	Output io.Writer
}

func (o Options) withDefaults() Options {
	if o.Level == "" {
		o.Level = DefaultLevel
	}
	if o.Format == "" {
		o.Format = "console"
	}
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = DefaultMaxSizeMB
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = DefaultMaxBackups
	}
	if o.MaxAgeDays <= 0 {
		o.MaxAgeDays = DefaultMaxAgeDays
	}
	if o.Output == nil {
		o.Output = os.Stdout
	}
	return o
}

// New builds a logger writing to stdout and, when File is set, to a rotating file.
func New(options Options) (*zap.Logger, error) {
	opts := options.withDefaults()

	level, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch opts.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(opts.Output), atomicLevel),
	}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		// Files always get JSON so they stay machine readable.
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), atomicLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
