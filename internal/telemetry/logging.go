package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("parse log level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger writes text (or JSON when format is "json") to stderr and, when logFile is
// set, JSON lines to that file as well. The returned func closes the file.
func NewLogger(level slog.Level, format, logFile string) (*slog.Logger, func() error) {
	if logFile == "" {
		return newLogger(os.Stderr, nil, format, level), func() error { return nil }
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := newLogger(os.Stderr, nil, format, level)
		logger.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}
	return newLogger(os.Stderr, file, format, level), file.Close
}

// newLogger writes console lines in format and, when file is non-nil, fans out JSON
// lines to file.
func newLogger(console, file io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var consoleHandler slog.Handler
	if strings.EqualFold(format, "json") {
		consoleHandler = slog.NewJSONHandler(console, opts)
	} else {
		consoleHandler = slog.NewTextHandler(console, opts)
	}
	if file == nil {
		return slog.New(consoleHandler)
	}
	return slog.New(slogmulti.Fanout(consoleHandler, slog.NewJSONHandler(file, opts)))
}
