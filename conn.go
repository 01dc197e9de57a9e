// Package boltconn runs the chunked message framing of a binary query
// protocol over TCP connections.
//
// Every Conn owns one chunk.Encoder for outgoing messages and one
// chunk.Decoder for incoming bytes. The application supplies a Codec that
// turns messages into payload bytes and back; the connection takes care of
// chunking, batching, reassembly, flow control and connection lifetime.
package boltconn

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/boltconn/chunk"
)

// limitedReader bounds the payload a codec may read from one message.
type limitedReader struct {
	d         *chunk.Decoder
	remaining int
}

var _ MessageReader = (*limitedReader)(nil)

func newLimitedReader(d *chunk.Decoder, limit int) *limitedReader {
	return &limitedReader{d: d, remaining: limit}
}

// reset resets the limit counter for reuse with a new message.
func (l *limitedReader) reset(limit int) {
	l.remaining = limit
}

func (l *limitedReader) take(n int) error {
	if n > l.remaining {
		return ErrMessageTooLarge
	}
	l.remaining -= n
	return nil
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if len(p) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.d.Read(p)
	l.remaining -= n
	return
}

func (l *limitedReader) ReadFull(p []byte) error {
	if err := l.take(len(p)); err != nil {
		return err
	}
	return l.d.ReadFull(p)
}

func (l *limitedReader) ReadExact(n int) ([]byte, error) {
	if err := l.take(n); err != nil {
		return nil, err
	}
	return l.d.ReadExact(n)
}

func (l *limitedReader) ReadUint8() (uint8, error) {
	if err := l.take(1); err != nil {
		return 0, err
	}
	return l.d.ReadUint8()
}

func (l *limitedReader) ReadUint16() (uint16, error) {
	if err := l.take(2); err != nil {
		return 0, err
	}
	return l.d.ReadUint16()
}

func (l *limitedReader) ReadUint32() (uint32, error) {
	if err := l.take(4); err != nil {
		return 0, err
	}
	return l.d.ReadUint32()
}

func (l *limitedReader) ReadUint64() (uint64, error) {
	if err := l.take(8); err != nil {
		return 0, err
	}
	return l.d.ReadUint64()
}

func (l *limitedReader) ReadInt8() (int8, error) {
	v, err := l.ReadUint8()
	return int8(v), err
}

func (l *limitedReader) ReadInt16() (int16, error) {
	v, err := l.ReadUint16()
	return int16(v), err
}

func (l *limitedReader) ReadInt32() (int32, error) {
	v, err := l.ReadUint32()
	return int32(v), err
}

func (l *limitedReader) ReadInt64() (int64, error) {
	v, err := l.ReadUint64()
	return int64(v), err
}

func (l *limitedReader) ReadFloat64() (float64, error) {
	if err := l.take(8); err != nil {
		return 0, err
	}
	return l.d.ReadFloat64()
}

// ReadMessage applies the smaller of limit and the remaining budget.
func (l *limitedReader) ReadMessage(limit int) ([]byte, error) {
	if l.remaining <= 0 {
		return nil, ErrMessageTooLarge
	}
	if limit <= 0 || limit > l.remaining {
		limit = l.remaining
	}
	b, err := l.d.ReadMessage(limit)
	l.remaining -= len(b)
	return b, err
}

// Conn represents a client connection to a TCP server.
// It owns the chunk encoder and decoder of the connection and runs the
// read, dispatch and write loops that connect them to the socket.
type Conn struct {
	rawConn *net.TCPConn
	logger  Logger
	opts    options

	policy  chunk.Backpressure
	decoder *chunk.Decoder
	reader  *limitedReader

	// writeMtx serializes message encoding; the encoder is not safe for
	// concurrent use.
	writeMtx sync.Mutex
	encoder  *chunk.Encoder

	// queueMtx is held shared by every flush into sendMsg and exclusively
	// while the queue is emptied for the last time.
	queueMtx  sync.RWMutex
	sendMsg   chan []byte
	stop      chan struct{} // closed once sendMsg accepts no more batches
	stopOnce  sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	stopping  atomic.Bool // Run is shutting down
	running   atomic.Bool
	cancel    context.CancelFunc
}

// Default configuration values.
const (
	// defaultBufferSize is the default depth of the send queue.
	defaultBufferSize = 1
	// defaultReadBufferSize is the default size of a single socket read.
	defaultReadBufferSize = 32 * 1024
	// defaultMaxPackageLength is the default maximum size of a single message (1MB).
	defaultMaxPackageLength = 1024 * 1024
	// defaultHeartbeat is the default heartbeat interval.
	defaultHeartbeat = time.Second * 30
)

// NewConn creates a new connection wrapper around the given TCP connection.
// It applies the provided options and validates them before returning.
// Returns an error if required options (codec, onMessage) are missing.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newClientConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.codec == nil {
		return ErrInvalidCodec
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.watermark != nil {
		cfg := *opts.watermark
		if cfg.Logger == nil {
			cfg.Logger = opts.logger
		}
		opts.backpressure = chunk.NewWatermark(cfg)
	}

	if opts.backpressure == nil {
		opts.backpressure = chunk.Unthrottled{}
	}

	return nil
}

// newClientConnWithOptions creates a new Conn with the given options.
func newClientConnWithOptions(c *net.TCPConn, opts options) *Conn {
	cc := &Conn{
		rawConn: c,
		logger:  opts.logger,
		opts:    opts,
		policy:  opts.backpressure,
		sendMsg: make(chan []byte, opts.bufferSize),
		stop:    make(chan struct{}),
	}

	cc.decoder = chunk.NewDecoder(
		chunk.DecoderMaxChunkPayloadOption(opts.maxChunkPayload),
		chunk.ReadBackpressureOption(opts.backpressure),
		chunk.DecoderLoggerOption(opts.logger),
	)
	cc.reader = newLimitedReader(cc.decoder, opts.maxReadLength)
	cc.encoder = chunk.NewEncoder(sendQueue{cc},
		chunk.MaxChunkPayloadOption(opts.maxChunkPayload),
		chunk.FlushThresholdOption(opts.flushThreshold),
		chunk.WriteBackpressureOption(opts.backpressure),
		chunk.EncoderLoggerOption(opts.logger),
	)

	return cc
}

// sendQueue is the encoder's transport. It hands flushed batches to the
// write loop.
type sendQueue struct {
	c *Conn
}

// A batch that is not queued is released from the backpressure policy,
// which admitted it before the encoder called Write.
func (q sendQueue) Write(p []byte) (int, error) {
	c := q.c
	c.queueMtx.RLock()
	defer c.queueMtx.RUnlock()

	select {
	case <-c.stop:
		c.policy.ReleaseWrite(len(p))
		return 0, c.closedErr()
	default:
	}

	// the encoder reuses p once Write returns
	data := make([]byte, len(p))
	copy(data, p)

	timer := time.NewTimer(c.opts.heartbeat * 2)
	defer timer.Stop()

	select {
	case c.sendMsg <- data:
		return len(p), nil
	case <-c.stop:
		c.policy.ReleaseWrite(len(p))
		return 0, c.closedErr()
	case <-timer.C:
		c.policy.ReleaseWrite(len(p))
		return 0, ErrBufferFull
	}
}

func (q sendQueue) RemoteAddr() net.Addr {
	return q.c.Addr()
}

// Run starts the connection's read, dispatch and write loops.
// It blocks until an error occurs, the peer closes the connection or the
// context is canceled. A peer that closes cleanly between messages yields
// io.EOF once every complete message has been dispatched.
// The connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"read_buffer_size", c.opts.readBufferSize,
		"max_read_length", c.opts.maxReadLength,
		"heartbeat", c.opts.heartbeat,
		"max_chunk_payload", c.opts.maxChunkPayload,
		"flush_threshold", c.opts.flushThreshold)

	ctx, c.cancel = context.WithCancel(ctx)
	c.running.Store(true)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.dispatchLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		<-child.Done()
		c.interrupt()
		return nil
	})

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err.Error())
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close gracefully closes the connection.
// Complete messages still buffered by Send are flushed first; a message
// being encoded concurrently is dropped. The first call returns the error of
// that final flush, later calls return nil.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	c.writeMtx.Lock()
	err := c.encoder.Close()
	c.writeMtx.Unlock()
	if err != nil {
		c.logger.Debug("final flush failed", "addr", c.Addr(), "error", err.Error())
	}

	if c.running.Load() {
		// Run closes the socket once the write loop has drained the queue
		c.cancel()
	} else {
		c.closeConn()
	}
	return c.mapErr(err)
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write encodes message and flushes it, together with every message buffered
// by Send, to the send queue.
//
// Returns:
//   - nil: the message was queued for the socket
//   - ErrConnectionClosed: connection is closed
//   - ErrBufferFull: the send queue stayed full for the write deadline
//   - encoding error: if codec.Encode fails; nothing of the message is sent
//     and the connection stays usable
func (c *Conn) Write(message Message) error {
	return c.write(message, true)
}

// Send encodes message without flushing. Buffered messages are flushed once
// they reach the flush threshold, or by Write, Flush and Close.
func (c *Conn) Send(message Message) error {
	return c.write(message, false)
}

// Flush queues every buffered message for the socket.
func (c *Conn) Flush() error {
	if !c.writable() {
		return c.closedErr()
	}
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	return c.mapErr(c.encoder.Flush())
}

func (c *Conn) write(message Message, flush bool) error {
	if !c.writable() {
		return c.closedErr()
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if err := c.encoder.BeginMessage(); err != nil {
		return c.mapErr(err)
	}
	if err := c.opts.codec.Encode(c.encoder, message); err != nil {
		if ferr := c.encoder.MessageFailed(); ferr != nil {
			return c.mapErr(ferr)
		}
		return err
	}
	if err := c.encoder.MessageSucceeded(); err != nil {
		return c.mapErr(err)
	}
	if flush {
		return c.mapErr(c.encoder.Flush())
	}
	return nil
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// writable reports whether the connection still accepts messages. A canceled
// Run counts as closed.
func (c *Conn) writable() bool {
	return !c.closed.Load() && !c.stopping.Load()
}

func (c *Conn) closedErr() error {
	return errors.Wrapf(ErrConnectionClosed, "write to %s", c.Addr())
}

func (c *Conn) mapErr(err error) error {
	if errors.Is(err, chunk.ErrClosed) {
		return c.closedErr()
	}
	return err
}

// readLoop continuously reads from the socket and appends every read to the
// decoder. Before each read it waits for the backpressure policy.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, c.opts.readBufferSize)
	for {
		if err := c.policy.WaitRead(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))

		n, err := c.rawConn.Read(buf)
		if n > 0 {
			if aerr := c.decoder.Append(buf[:n]); aerr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return aerr
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			// the dispatch loop drains what is buffered and reports io.EOF
			_ = c.decoder.Close()
			return nil
		}

		c.logger.Debug("read error", "addr", c.Addr(), "error", err.Error())
		if c.opts.onError(err) == Disconnect {
			_ = c.decoder.CloseWithError(err)
			return err
		}
	}
}

// dispatchLoop decodes messages from the decoder and calls the message
// handler. Returns when the context is canceled, the input ends or an
// unrecoverable error occurs.
func (c *Conn) dispatchLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Reset the limit for each message
		c.reader.reset(c.opts.maxReadLength)
		boundaries := c.decoder.Messages()

		message, err := c.opts.codec.Decode(c.reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isStreamError(err) {
				return err
			}
			prom.DecodeErrors.Inc()
			c.logger.Debug("decode error", "addr", c.Addr(), "error", err.Error())
			if c.opts.onError(err) == Disconnect {
				return err
			}
			if err := c.endMessage(ctx, boundaries); err != nil {
				return err
			}
			continue
		}

		if err := c.endMessage(ctx, boundaries); err != nil {
			return err
		}
		if err = c.opts.onMessage(message); err != nil {
			return err
		}
	}
}

// endMessage moves the decoder past the boundary of the message that started
// when boundaries markers had been consumed.
func (c *Conn) endMessage(ctx context.Context, boundaries uint64) error {
	if c.decoder.Messages() != boundaries {
		return nil
	}
	skipped, err := c.decoder.DiscardMessage()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if skipped > 0 {
		c.logger.Debug("skipped unread message payload", "addr", c.Addr(), "bytes", skipped)
	}
	return nil
}

// isStreamError reports whether err leaves the input unusable.
func isStreamError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, chunk.ErrChunkTooLarge) ||
		errors.Is(err, chunk.ErrClosed)
}

// writeLoop continuously sends flushed batches from the send queue to the
// socket. When the context is canceled, it closes the queue, writes what is
// still queued and returns.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.stopQueue(c.writeRaw)
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.writeSocket(data); err != nil {
				c.stopQueue(nil)
				return err
			}
		}
	}
}

// stopQueue makes every later flush fail with a closed error and empties the
// send queue into write. A nil write, or one that failed, discards batches.
func (c *Conn) stopQueue(write func([]byte) error) {
	c.stopOnce.Do(func() { close(c.stop) })

	// wait for flushes that passed the stop check
	c.queueMtx.Lock()
	defer c.queueMtx.Unlock()

	for {
		select {
		case data := <-c.sendMsg:
			if write == nil {
				c.policy.ReleaseWrite(len(data))
				continue
			}
			if err := write(data); err != nil {
				write = nil
			}
		default:
			return
		}
	}
}

// writeSocket sends data to the connection with a deadline.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the error is suppressed and writing continues.
func (c *Conn) writeSocket(data []byte) error {
	err := c.writeRaw(data)
	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err.Error())
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}
	return nil
}

func (c *Conn) writeRaw(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))
	_, err := c.rawConn.Write(data)
	c.policy.ReleaseWrite(len(data))
	return err
}

// interrupt unblocks every loop of a stopping connection.
func (c *Conn) interrupt() {
	c.stopping.Store(true)
	_ = c.rawConn.SetReadDeadline(time.Now())
	_ = c.rawConn.CloseRead()
	_ = c.decoder.CloseWithError(ErrConnectionClosed)
	c.policy.Close()
}

// closeConn marks the connection as closed and releases the socket, the
// decoder and the backpressure policy.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.closeOnce.Do(func() {
		c.stopQueue(nil)
		c.interrupt()
		c.rawConn.Close()
	})
}
