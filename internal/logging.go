package internal

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the server logger. Log lines carry room codes and message
// ids but never message content or nicknames; handlers rely on that when
// deciding what to pass here.
func NewLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
