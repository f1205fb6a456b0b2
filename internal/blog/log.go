// Package blog constructs zerolog.Logger values for the engine.
//
// There is no package-level global logger here: every component
// receives its logger as a constructor argument and stores it as a
// struct field, so two pipelines (or a pipeline and its tests) never
// fight over global state.
package blog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of levels the CLI exposes; it avoids forcing
// every caller to import zerolog just to pick a level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config controls how New builds a logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // defaults to os.Stderr
}

// New builds a fresh, independent logger from cfg. Call once at process
// startup (or once per test) and thread the result through constructors.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var writer io.Writer = out
	if !cfg.JSONOutput {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(writer).Level(cfg.Level.zerolog()).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a "component" field,
// derived from an explicit parent instead of a package-level var.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}
