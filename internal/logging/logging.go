// ABOUTME: Builds the root slog logger from the logging config section.
// ABOUTME: Color output for terminals, text or JSON otherwise, optional lumberjack file rotation.

package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/2389/browser-gateway/internal/config"
)

// Component names used with logger.With("component", ...).
const (
	CompGateway    = "gateway"
	CompController = "controller"
	CompSession    = "session"
	CompSweeper    = "sweeper"
	CompClient     = "client"
	CompAgent      = "agent"
	CompStore      = "store"
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 5
	defaultMaxAgeDays = 10
)

// New returns the root logger and a closer for its output. The closer is a
// no-op when logging to stdout.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	level := ParseLevel(cfg.Level)

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: orDefault(cfg.MaxBackups, defaultMaxBackups),
			MaxAge:     orDefault(cfg.MaxAgeDays, defaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
		out, closer = lj, lj
	}

	return slog.New(NewHandler(out, cfg.Format, level, cfg.File != "")), closer
}

// NewHandler picks the handler for format. Color output is never written to files.
func NewHandler(w io.Writer, format string, level slog.Level, toFile bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch {
	case format == "json":
		return slog.NewJSONHandler(w, opts)
	case format == "text" || toFile:
		return slog.NewTextHandler(w, opts)
	default:
		return newColorHandler(w, level)
	}
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
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

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
