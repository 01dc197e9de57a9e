package boltconn

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/boltconn/chunk"
)

func TestLogger_Interface(t *testing.T) {
	// Verify that *slog.Logger implements our Logger interface
	var _ Logger = slog.Default()
	var _ chunk.Logger = &mockLogger{}
}

func TestDefaultLogger(t *testing.T) {
	logger := defaultLogger()
	require.NotNil(t, logger)

	// Verify it's the slog default
	assert.Equal(t, slog.Default(), logger)
}

func TestDefaultLogger_Methods(t *testing.T) {
	logger := defaultLogger()

	// These should not panic - just verify they can be called
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")
}

// mockLogger records the messages logged through it.
type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

func (l *mockLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *mockLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *mockLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

// has reports whether msg was logged at level.
func (l *mockLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

func TestLogger_CustomImplementation(t *testing.T) {
	logger := &mockLogger{}

	logger.Debug("test debug", "key1", "value1")
	logger.Info("test info", "key2", "value2")
	logger.Warn("test warn", "key3", "value3")
	logger.Error("test error", "key4", "value4")

	assert.True(t, logger.has("debug", "test debug"))
	assert.True(t, logger.has("info", "test info"))
	assert.True(t, logger.has("warn", "test warn"))
	assert.True(t, logger.has("error", "test error"))
	assert.Equal(t, []any{"key1", "value1"}, logger.entries[0].args)
}
