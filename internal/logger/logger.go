package logger

import (
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters, applied where Config leaves a field
// unset (zero or negative).
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the single process-wide logger for a Control Plane
// or Node Agent binary. When FilePath is empty, output goes to stderr,
// with ANSI color only when Color is set; a configured FilePath always gets an uncolored,
// rotated writer regardless of Color.
type Config struct {
	Level      slog.Level
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Color      bool
}

// New builds the process-wide *slog.Logger described by Config.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	if cfg.FilePath == "" {
		var w io.Writer = os.Stderr
		if cfg.Color {
			return slog.New(NewColorTextHandler(w, opts, true))
		}
		return slog.New(slog.NewTextHandler(w, opts))
	}

	w := &lj.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   cfg.Compress,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
