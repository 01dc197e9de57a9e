package boltconn

import (
	"log/slog"

	"github.com/Zereker/boltconn/chunk"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library,
// and is shared with the chunk package so one logger serves a connection and
// its encoder and decoder.
type Logger = chunk.Logger

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}
