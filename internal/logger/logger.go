package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "collabd").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Collab creates a logger for the collaboration handler (Init/Patch/on_close)
func Collab() *zerolog.Logger {
	l := Log.With().Str("component", "collab").Logger()
	return &l
}

// WebSocket creates a logger for WebSocket connection lifecycle events
func WebSocket() *zerolog.Logger {
	l := Log.With().Str("component", "websocket").Logger()
	return &l
}

// Bus creates a logger for message bus transport/handler events
func Bus() *zerolog.Logger {
	l := Log.With().Str("component", "bus").Logger()
	return &l
}

// Storage creates a logger for document store events
func Storage() *zerolog.Logger {
	l := Log.With().Str("component", "storage").Logger()
	return &l
}

// Presence creates a logger for session registry events
func Presence() *zerolog.Logger {
	l := Log.With().Str("component", "presence").Logger()
	return &l
}

// Metrics creates a logger for the metrics sink
func Metrics() *zerolog.Logger {
	l := Log.With().Str("component", "metrics").Logger()
	return &l
}

// Worker creates a logger for the WASM execution worker
func Worker() *zerolog.Logger {
	l := Log.With().Str("component", "worker").Logger()
	return &l
}

// Crdt creates a logger for CRDT engine events
func Crdt() *zerolog.Logger {
	l := Log.With().Str("component", "crdt").Logger()
	return &l
}
