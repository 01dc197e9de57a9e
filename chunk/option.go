package chunk

import "net"

// encoderOptions holds the configuration of an Encoder.
type encoderOptions struct {
	maxChunkPayload int // largest payload of a single chunk
	flushThreshold  int // buffered bytes that trigger a flush at a message boundary
	backpressure    Backpressure
	logger          Logger
	remoteAddr      net.Addr
}

// EncoderOption configures an Encoder.
type EncoderOption func(*encoderOptions)

// MaxChunkPayloadOption bounds the payload size of a single chunk.
// Values outside 1..MaxChunkPayload select DefaultMaxChunkPayload.
func MaxChunkPayloadOption(n int) EncoderOption {
	return func(o *encoderOptions) {
		o.maxChunkPayload = n
	}
}

// FlushThresholdOption sets how many complete bytes may accumulate before a
// succeeded message triggers a flush. The threshold is independent of the
// chunk payload bound.
func FlushThresholdOption(n int) EncoderOption {
	return func(o *encoderOptions) {
		o.flushThreshold = n
	}
}

// WriteBackpressureOption sets the policy consulted before every flush.
func WriteBackpressureOption(bp Backpressure) EncoderOption {
	return func(o *encoderOptions) {
		o.backpressure = bp
	}
}

// EncoderLoggerOption sets the logger. slog.Default() is used otherwise.
func EncoderLoggerOption(l Logger) EncoderOption {
	return func(o *encoderOptions) {
		o.logger = l
	}
}

// RemoteAddrOption sets the peer address reported in closed errors.
func RemoteAddrOption(addr net.Addr) EncoderOption {
	return func(o *encoderOptions) {
		o.remoteAddr = addr
	}
}

func checkEncoderOptions(opts *encoderOptions) {
	opts.maxChunkPayload = clampChunkPayload(opts.maxChunkPayload)
	if opts.flushThreshold <= 0 {
		opts.flushThreshold = DefaultFlushThreshold
	}
	if opts.backpressure == nil {
		opts.backpressure = Unthrottled{}
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// decoderOptions holds the configuration of a Decoder.
type decoderOptions struct {
	maxChunkPayload int
	backpressure    Backpressure
	logger          Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*decoderOptions)

// DecoderMaxChunkPayloadOption sets the largest chunk the decoder accepts.
// A larger header is reported as a protocol violation.
func DecoderMaxChunkPayloadOption(n int) DecoderOption {
	return func(o *decoderOptions) {
		o.maxChunkPayload = n
	}
}

// ReadBackpressureOption sets the policy informed of the unread byte count.
func ReadBackpressureOption(bp Backpressure) DecoderOption {
	return func(o *decoderOptions) {
		o.backpressure = bp
	}
}

// DecoderLoggerOption sets the logger. slog.Default() is used otherwise.
func DecoderLoggerOption(l Logger) DecoderOption {
	return func(o *decoderOptions) {
		o.logger = l
	}
}

func checkDecoderOptions(opts *decoderOptions) {
	opts.maxChunkPayload = clampChunkPayload(opts.maxChunkPayload)
	if opts.backpressure == nil {
		opts.backpressure = Unthrottled{}
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}
