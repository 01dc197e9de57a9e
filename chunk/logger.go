package chunk

import "log/slog"

// Logger is the structured logger used by encoders, decoders and policies.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}
