package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ShutdownFunc func() error

type Options struct {
	Level  string
	Format string
	// File, when set, receives log output with size-based rotation.
	File string
}

// New builds a slog.Logger backed by zap. Console format is meant for
// interactive runs, json for everything else.
func New(opts Options) (*slog.Logger, ShutdownFunc, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(defaultString(opts.Level, "info")))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", opts.Level, err)
	}

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	switch opts.Format {
	case "console":
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "", "json":
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}

	sink := zapcore.Lock(os.Stderr)
	var rotator *lumberjack.Logger
	if opts.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			Compress:   true,
		}
		sink = zapcore.AddSync(rotator)
	}

	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(level))
	shutdown := func() error {
		err := core.Sync()
		if rotator != nil {
			if cerr := rotator.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	}
	return slog.New(zapslog.NewHandler(core, zapslog.WithCaller(true))), shutdown, nil
}

func Fallback() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Discard is a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
