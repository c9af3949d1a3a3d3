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
		Str("service", "streamroom").
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

// Hub creates a logger for Connection Hub events.
func Hub() *zerolog.Logger {
	l := Log.With().Str("component", "hub").Logger()
	return &l
}

// Router creates a logger for Message Router events.
func Router() *zerolog.Logger {
	l := Log.With().Str("component", "router").Logger()
	return &l
}

// Project creates a logger for Project Manager events.
func Project() *zerolog.Logger {
	l := Log.With().Str("component", "project").Logger()
	return &l
}

// Execution creates a logger for Execution Engine events.
func Execution() *zerolog.Logger {
	l := Log.With().Str("component", "execution").Logger()
	return &l
}

// MsgLog creates a logger for Message Log events.
func MsgLog() *zerolog.Logger {
	l := Log.With().Str("component", "msglog").Logger()
	return &l
}

// Governor creates a logger for Resource Governor events.
func Governor() *zerolog.Logger {
	l := Log.With().Str("component", "governor").Logger()
	return &l
}

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
