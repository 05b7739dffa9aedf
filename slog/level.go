package slog

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLevel returns the slog.Level for a level name.
// An empty string means "info".
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level '%s'", level)
	}
}
