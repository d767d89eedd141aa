// Package log provides a thin structured-logging wrapper shared by every
// spear component.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents a logging verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger tagged with a node UUID.
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithTaskID creates a child logger tagged with a task UUID.
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithInstanceID creates a child logger tagged with an instance UUID.
func WithInstanceID(instanceID string) zerolog.Logger {
	return Logger.With().Str("instance_id", instanceID).Logger()
}

// WithExecutionID creates a child logger tagged with an execution UUID.
func WithExecutionID(executionID string) zerolog.Logger {
	return Logger.With().Str("execution_id", executionID).Logger()
}

// Info logs a message at info level on the global logger.
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Debug logs a message at debug level on the global logger.
func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

// Warn logs a message at warn level on the global logger.
func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

// Error logs a message at error level on the global logger.
func Error(msg string) {
	Logger.Error().Msg(msg)
}

// Errorf logs an error with the given message on the global logger.
func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

// Fatal logs a message at fatal level and exits.
func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
