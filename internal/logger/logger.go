package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// New constructs a text logger with the desired log level. Every line carries
// the service name and a short run identifier so resumed or overlapping runs
// can be told apart in shared log streams.
func New(service string) *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	run := uuid.NewString()[:8]
	return slog.New(h).With("service", service, "run", run)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
