// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package log wires structured, leveled logging for every StealthPay
// component behind a single entry point, so no package reaches for a
// package-level global logger of its own.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	luxlog "github.com/luxfi/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the handle every component is constructed with. It embeds the
// teacher's slog-compatible logger so call sites keep the familiar
// Debug/Info/Warn/Error(msg, key, val, ...) shape.
type Logger struct {
	luxlog.Logger

	level *slog.LevelVar
}

// Config controls how InitLogger builds the process-wide Logger.
type Config struct {
	// Component is a short tag ("orchestrator", "facilitator", ...) stamped
	// on every line emitted by the returned Logger.
	Component string
	// Level is one of "trace", "debug", "info", "warn", "error", "crit".
	Level string
	// JSON selects the JSON handler instead of the human-readable terminal
	// handler; operators running behind a log aggregator want this.
	JSON bool
	// FilePath, if non-empty, sends output to a rotating file sink instead
	// of stderr; nothing is written to stderr in that case.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitLogger constructs the component logger described by cfg.
func InitLogger(cfg Config) (Logger, error) {
	level := &slog.LevelVar{}
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return Logger{}, fmt.Errorf("log: parse level %q: %w", cfg.Level, err)
	}
	level.Set(lvl)

	writer := io.Writer(os.Stderr)
	if cfg.FilePath != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	} else {
		handler = luxlog.NewTerminalHandlerWithLevel(writer, level, false)
	}

	l := Logger{
		Logger: luxlog.NewLogger(handler).With("component", cfg.Component),
		level:  level,
	}
	luxlog.SetDefault(l.Logger)
	return l, nil
}

// SetLevel adjusts the live log level without reconstructing the handler.
func (l *Logger) SetLevel(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return fmt.Errorf("log: parse level %q: %w", level, err)
	}
	l.level.Set(lvl)
	return nil
}

// With returns a child Logger that always includes the given key/value pairs.
func (l Logger) With(ctx ...interface{}) Logger {
	return Logger{Logger: l.Logger.With(ctx...), level: l.level}
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error", "crit":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level %q", level)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
