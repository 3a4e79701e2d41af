package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewRootLogger builds the process logger. Components derive from it with
// Component so they share level and output.
func NewRootLogger(w io.Writer, level, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).
		Level(ParseLogLevel(level)).
		With().
		Timestamp().
		Str("service", "arenaledger").
		Logger()
}

// NewLogger is a JSON stdout logger for tools that run without the service
// config. ARENA_LOG_LEVEL still applies.
func NewLogger(component string) zerolog.Logger {
	return Component(NewRootLogger(os.Stdout, os.Getenv("ARENA_LOG_LEVEL"), "json"), component)
}

func Component(root zerolog.Logger, name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// ParseLogLevel accepts zerolog level names. Empty or unknown input is info.
func ParseLogLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
