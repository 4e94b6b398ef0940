// ABOUTME: Shared slog setup for both binaries: colorized text in dev, JSON in production
// ABOUTME: Mirrors the teacher gateway's setupLogger switch, swapping its hand-rolled colorHandler for tint

package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Config mirrors the [logging] section of both the Router and Agent configs.
type Config struct {
	Level  string
	Format string // "json" or "text" (default)
}

// New builds the process-wide logger from cfg.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
