package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var globalLogger zerolog.Logger

// Initialize sets up the global logger
func Initialize(level string, format string) {
	// Configure output
	var output io.Writer = os.Stderr
	if format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}

	// Parse level
	logLevel := zerolog.InfoLevel
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	globalLogger = zerolog.New(output).With().Timestamp().Logger()
}

// Get returns the global logger
func Get() *zerolog.Logger {
	return &globalLogger
}

// LevelFromVerbosity maps a repeated -v count to a level name:
// 0 is warn, 1 is info, 2 and above is debug.
func LevelFromVerbosity(verbose int) string {
	switch {
	case verbose <= 0:
		return "warn"
	case verbose == 1:
		return "info"
	default:
		return "debug"
	}
}

// ForConn returns a sub-logger tagged with the peer address of a connection.
func ForConn(peer string) zerolog.Logger {
	return globalLogger.With().Str("conn", peer).Logger()
}
