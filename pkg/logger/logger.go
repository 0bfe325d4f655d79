package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func NewLogger(level string) zerolog.Logger {
	return New(os.Stdout, level)
}

// NewConsoleLogger writes human readable lines to stderr for the CLI.
func NewConsoleLogger(level string) zerolog.Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}, level)
}

func New(w io.Writer, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	return zerolog.New(w).With().Timestamp().Logger().Level(logLevel)
}
