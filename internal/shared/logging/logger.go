package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// New returns a slog.Logger configured for structured, JSON-oriented output.
// Foreground runs on a terminal get a human-readable handler instead; the
// DOCKHAND_LOG_FORMAT variable (json or text) overrides the detection.
func New(subsystem string) *slog.Logger {
	var handler slog.Handler
	switch format := strings.ToLower(os.Getenv("DOCKHAND_LOG_FORMAT")); {
	case format == "text", format == "" && term.IsTerminal(int(os.Stdout.Fd())):
		handler = tint.NewHandler(os.Stdout, &tint.Options{TimeFormat: time.Kitchen})
	default:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	}
	return slog.New(handler).With("subsystem", subsystem)
}
