// Package logging builds the process logger: human-readable lines on the
// console, JSON lines in a file when a directory is configured.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FileName      = "trader.log"
	ErrorFileName = "trader_error.log"
)

type Options struct {
	Level string
	// Dir receives FileName and ErrorFileName when set.
	Dir string
	// Console defaults to stderr.
	Console io.Writer
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New returns the logger and a func that flushes and closes its files.
func New(opts Options) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	enc := encoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(console), level),
	}
	var files []*os.File
	closeFiles := func() error {
		var first error
		for _, f := range files {
			if err := f.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("log dir: %w", err)
		}
		for _, f := range []struct {
			name  string
			level zapcore.LevelEnabler
		}{
			{FileName, level},
			{ErrorFileName, zapcore.ErrorLevel},
		} {
			fh, err := os.OpenFile(filepath.Join(opts.Dir, f.name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				closeFiles()
				return nil, nil, fmt.Errorf("open log file: %w", err)
			}
			files = append(files, fh)
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(fh), f.level))
		}
	}

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	cleanup := func() error {
		_ = log.Sync()
		return closeFiles()
	}
	return log, cleanup, nil
}
