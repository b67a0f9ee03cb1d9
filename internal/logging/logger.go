// Package logging builds the daemon's zap logger.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and sinks.
type Config struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // json or console
	File   string `koanf:"file" yaml:"file"`     // informational log file; empty disables
	Stdout bool   `koanf:"stdout" yaml:"stdout"` // also write to stdout
}

// NewDefaultConfig returns info level console output to stdout.
func NewDefaultConfig() Config {
	return Config{Level: "info", Format: "console", Stdout: true}
}

// Validate checks level and format.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q: must be json or console", c.Format)
	}
	return nil
}

// New builds a logger writing to the configured sinks. The returned close
// function syncs and closes the log file.
func New(cfg Config) (*zap.Logger, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	level, _ := zapcore.ParseLevel(cfg.Level)
	enc := newEncoder(cfg.Format)

	var (
		cores []zapcore.Core
		file  *os.File
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(f), level))
	}
	if cfg.Stdout {
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.Lock(os.Stdout), level))
	}
	if len(cores) == 0 {
		return zap.NewNop(), func() error { return nil }, nil
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() error {
		err := Sync(logger)
		if file != nil {
			err = errors.Join(err, file.Close())
		}
		return err
	}
	return logger, closeFn, nil
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Sync flushes logger, ignoring the EINVAL/ENOTTY errors stdout returns on
// Linux.
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	if err == nil || isStdoutSyncError(err) {
		return nil
	}
	return err
}

func isStdoutSyncError(err error) bool {
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "/dev/stdout") || strings.Contains(msg, "inappropriate ioctl")
}
