// Package log wraps zerolog with the orchestrator's global logger and the
// child-logger helpers the rest of the codebase composes with.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, installed by Init.
var Logger zerolog.Logger

// Level is a configuration-facing log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init's output format and verbosity.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init installs Logger as the process-wide logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagging every entry with a component name.
func WithComponent(component string) *zerolog.Logger {
	logger := Logger.With().Str("component", component).Logger()
	return &logger
}

// WithRepo returns a child logger tagging every entry with a repository id.
func WithRepo(repoID string) *zerolog.Logger {
	logger := Logger.With().Str("repo_id", repoID).Logger()
	return &logger
}

// WithWorker returns a child logger tagging every entry with a worker name.
func WithWorker(workerName string) *zerolog.Logger {
	logger := Logger.With().Str("worker", workerName).Logger()
	return &logger
}
