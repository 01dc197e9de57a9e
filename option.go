package boltconn

import (
	"time"

	"github.com/Zereker/boltconn/chunk"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	// A failed decode skips the rest of the offending message.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	codec  Codec
	logger Logger

	onMessage func(message Message) error
	// onError is called when a read, decode or write error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	bufferSize     int           // depth of the send queue, in flushes
	readBufferSize int           // size of a single socket read
	maxReadLength  int           // maximum payload of a single incoming message
	heartbeat      time.Duration // read/write deadlines are heartbeat * 2

	maxChunkPayload int // bound for outgoing and incoming chunk payloads
	flushThreshold  int // buffered bytes that trigger a flush at a message boundary
	backpressure    chunk.Backpressure
	watermark       *chunk.WatermarkConfig // builds backpressure in checkOptions
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the message codec.
// The codec is required and must be provided before creating a connection.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets how many flushed batches may
// wait for the socket before a flush blocks.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ReadBufferSizeOption returns an Option that sets the size of a single read
// from the socket. Each read is handed to the decoder as one fragment.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize returns an Option that sets the maximum payload of a single
// incoming message. Codecs reading past it get ErrMessageTooLarge.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// ChunkSizeOption returns an Option that bounds chunk payloads in both
// directions. Incoming chunks above the bound are a protocol violation.
func ChunkSizeOption(size int) Option {
	return func(o *options) {
		o.maxChunkPayload = size
	}
}

// FlushThresholdOption returns an Option that sets how many bytes of complete
// messages Send may buffer before they are flushed.
func FlushThresholdOption(size int) Option {
	return func(o *options) {
		o.flushThreshold = size
	}
}

// BackpressureOption returns an Option that sets the flow-control policy.
// A policy belongs to exactly one connection.
func BackpressureOption(bp chunk.Backpressure) Option {
	return func(o *options) {
		o.backpressure = bp
		o.watermark = nil
	}
}

// WatermarkOption returns an Option that gives the connection its own
// chunk.Watermark policy built from cfg. Without cfg.Logger the policy logs
// to the connection's logger.
func WatermarkOption(cfg chunk.WatermarkConfig) Option {
	return func(o *options) {
		o.watermark = &cfg
		o.backpressure = nil
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a read/write error occurs.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required and is invoked for each received message.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
