package woudctesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a test logger whose level follows DEBUG: "2" for debug,
// "1" for info, errors only otherwise.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// RequireIntegration reports whether store-backed integration tests were
// requested through WOUDC_API_ES_INTEGRATION.
func RequireIntegration() bool {
	switch os.Getenv("WOUDC_API_ES_INTEGRATION") {
	case "1", "true", "yes":
		return true
	}
	return false
}
