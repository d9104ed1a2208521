package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs the default slog handler at the requested level.
func Setup(level string) {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: l,
	})
	slog.SetDefault(slog.New(handler))
}

// Component returns a logger tagged with a subsystem name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
