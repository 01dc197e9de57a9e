package chunk

import (
	"encoding/binary"
	"io"
	"math"
	"net"
	"slices"

	"github.com/pkg/errors"
)

// EncoderState is the message state of an Encoder.
type EncoderState uint8

const (
	// Idle means no message is open.
	Idle EncoderState = iota
	// MessageOpen means payload bytes are being accepted for one message.
	MessageOpen
	// Closed is terminal.
	Closed
)

func (s EncoderState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case MessageOpen:
		return "MessageOpen"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Encoder splits logical messages into chunks and hands batches of complete
// messages to a transport.
//
// The output buffer holds two regions: committed bytes belonging to
// succeeded messages, and tentative bytes of the message currently open.
// Only committed bytes are ever written to the transport, so a failed message
// can be discarded by truncating the buffer back to the committed length.
//
// An Encoder is not safe for concurrent use.
type Encoder struct {
	w    io.Writer
	opts encoderOptions

	state     EncoderState
	buf       []byte
	committed int
	// offset of the open chunk's header slot, -1 if none
	chunkStart int
	// first transport error, reported by every later operation
	err error
}

// NewEncoder returns an encoder writing to w. If w has a RemoteAddr method and
// no RemoteAddrOption is given, its address is used in closed errors.
func NewEncoder(w io.Writer, opt ...EncoderOption) *Encoder {
	var opts encoderOptions
	for _, o := range opt {
		o(&opts)
	}
	checkEncoderOptions(&opts)

	if opts.remoteAddr == nil {
		if ra, ok := w.(interface{ RemoteAddr() net.Addr }); ok {
			opts.remoteAddr = ra.RemoteAddr()
		}
	}

	return &Encoder{
		w:          w,
		opts:       opts,
		buf:        make([]byte, 0, opts.flushThreshold+HeaderSize),
		chunkStart: -1,
	}
}

// State returns the current state.
func (e *Encoder) State() EncoderState {
	return e.state
}

// Buffered returns the number of committed bytes awaiting a flush.
func (e *Encoder) Buffered() int {
	return e.committed
}

// BeginMessage opens a new message.
func (e *Encoder) BeginMessage() error {
	switch {
	case e.state == Closed:
		return e.closedErr("begin message")
	case e.err != nil:
		return e.err
	case e.state == MessageOpen:
		return &StateError{Op: "BeginMessage", State: e.state}
	}
	e.openChunk()
	e.state = MessageOpen
	return nil
}

// Write appends p to the open message, splitting it across chunks as needed.
func (e *Encoder) Write(p []byte) (int, error) {
	if err := e.checkOpen("Write"); err != nil {
		return 0, err
	}
	e.write(p)
	return len(p), nil
}

// WriteFrom copies exactly n bytes from r into the open message. If r yields
// fewer bytes, the bytes copied by this call are removed again and an error
// matching ErrShortSource is returned; the message stays open.
func (e *Encoder) WriteFrom(r io.Reader, n int) error {
	if err := e.checkOpen("WriteFrom"); err != nil {
		return err
	}
	if n < 0 {
		return errors.Wrapf(ErrShortSource, "negative length %d", n)
	}

	mark, markChunk := len(e.buf), e.chunkStart
	copied := 0
	for copied < n {
		room := e.room()
		if room == 0 {
			e.closeChunk()
			e.openChunk()
			continue
		}
		k := min(room, n-copied)
		off := len(e.buf)
		e.buf = slices.Grow(e.buf, k)[:off+k]
		got, err := io.ReadFull(r, e.buf[off:])
		copied += got
		if err != nil {
			e.buf, e.chunkStart = e.buf[:mark], markChunk
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return errors.Wrapf(ErrShortSource, "want %d bytes, got %d", n, copied)
			}
			return errors.Wrap(err, "chunk: read source")
		}
	}
	return nil
}

// WriteUint8 appends a single byte.
func (e *Encoder) WriteUint8(v uint8) error {
	return e.writeScalar("WriteUint8", []byte{v})
}

// WriteUint16 appends v in big-endian order.
func (e *Encoder) WriteUint16(v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return e.writeScalar("WriteUint16", b[:])
}

// WriteUint32 appends v in big-endian order.
func (e *Encoder) WriteUint32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return e.writeScalar("WriteUint32", b[:])
}

// WriteUint64 appends v in big-endian order. The eight bytes may end up in
// two chunks.
func (e *Encoder) WriteUint64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return e.writeScalar("WriteUint64", b[:])
}

// WriteInt8 appends v in two's complement like WriteUint8.
func (e *Encoder) WriteInt8(v int8) error { return e.WriteUint8(uint8(v)) }

// WriteInt16 appends v in two's complement like WriteUint16.
func (e *Encoder) WriteInt16(v int16) error { return e.WriteUint16(uint16(v)) }

// WriteInt32 appends v in two's complement like WriteUint32.
func (e *Encoder) WriteInt32(v int32) error { return e.WriteUint32(uint32(v)) }

// WriteInt64 appends v in two's complement like WriteUint64.
func (e *Encoder) WriteInt64(v int64) error { return e.WriteUint64(uint64(v)) }

// WriteFloat64 appends v in IEEE 754 big-endian format.
func (e *Encoder) WriteFloat64(v float64) error {
	return e.WriteUint64(math.Float64bits(v))
}

func (e *Encoder) writeScalar(op string, b []byte) error {
	if err := e.checkOpen(op); err != nil {
		return err
	}
	e.write(b)
	return nil
}

// MessageSucceeded terminates the open message with a boundary marker and
// commits it. If the committed size reached the flush threshold, the buffer
// is flushed.
func (e *Encoder) MessageSucceeded() error {
	if err := e.checkOpen("MessageSucceeded"); err != nil {
		return err
	}

	if e.payloadLen() == 0 {
		// the reserved slot becomes the boundary of an empty message
		PutHeader(e.buf[e.chunkStart:], BoundaryMarker)
		e.chunkStart = -1
	} else {
		e.closeChunk()
		e.buf = append(e.buf, 0, 0)
	}
	e.committed = len(e.buf)
	e.state = Idle
	prom.MessagesWritten.WithLabelValues("succeeded").Inc()

	if e.committed >= e.opts.flushThreshold {
		return e.flush()
	}
	return nil
}

// MessageFailed discards every byte written since BeginMessage. Messages
// committed earlier stay in the buffer.
func (e *Encoder) MessageFailed() error {
	if err := e.checkOpen("MessageFailed"); err != nil {
		return err
	}
	discarded := len(e.buf) - e.committed
	e.buf = e.buf[:e.committed]
	e.chunkStart = -1
	e.state = Idle
	prom.MessagesWritten.WithLabelValues("failed").Inc()
	e.opts.logger.Debug("message discarded", "addr", e.peer(), "bytes", discarded)
	return nil
}

// Flush writes all committed bytes to the transport. Bytes of a message still
// open are kept back. Flush is a no-op on a closed encoder or an empty buffer.
func (e *Encoder) Flush() error {
	if e.state == Closed {
		return nil
	}
	if e.err != nil {
		return e.err
	}
	return e.flush()
}

// Close flushes committed bytes and closes the encoder. A message still open
// is dropped. Repeated calls return nil.
func (e *Encoder) Close() error {
	if e.state == Closed {
		return nil
	}
	var err error
	if e.err == nil {
		err = e.flush()
	}
	e.state = Closed
	e.buf = nil
	e.committed = 0
	e.chunkStart = -1
	return err
}

func (e *Encoder) flush() error {
	n := e.committed
	if n == 0 {
		return nil
	}
	if err := e.opts.backpressure.AcquireWrite(n); err != nil {
		return errors.Wrapf(err, "chunk: flush to %s", e.peer())
	}

	written, err := e.w.Write(e.buf[:n])
	if err == nil && written < n {
		err = io.ErrShortWrite
	}
	if err != nil {
		e.err = errors.Wrapf(err, "chunk: flush to %s", e.peer())
		prom.FlushErrors.Inc()
		e.opts.logger.Warn("flush failed", "addr", e.peer(), "bytes", n, "error", err.Error())
		return e.err
	}
	prom.Flushes.Inc()
	prom.FlushedBytes.Add(float64(n))
	e.opts.logger.Debug("flushed", "addr", e.peer(), "bytes", n)

	// move the tentative region of an open message to the front
	rest := copy(e.buf, e.buf[n:])
	e.buf = e.buf[:rest]
	if e.chunkStart >= 0 {
		e.chunkStart -= n
	}
	e.committed = 0
	return nil
}

func (e *Encoder) checkOpen(op string) error {
	switch {
	case e.state == Closed:
		return e.closedErr(op)
	case e.err != nil:
		return e.err
	case e.state != MessageOpen:
		return &StateError{Op: op, State: e.state}
	}
	return nil
}

func (e *Encoder) closedErr(op string) error {
	return errors.Wrapf(ErrClosed, "%s to %s", op, e.peer())
}

func (e *Encoder) peer() string {
	if e.opts.remoteAddr == nil {
		return "unknown peer"
	}
	return e.opts.remoteAddr.String()
}

func (e *Encoder) write(p []byte) {
	for len(p) > 0 {
		room := e.room()
		if room == 0 {
			e.closeChunk()
			e.openChunk()
			continue
		}
		n := min(room, len(p))
		e.buf = append(e.buf, p[:n]...)
		p = p[n:]
	}
}

func (e *Encoder) openChunk() {
	e.chunkStart = len(e.buf)
	e.buf = append(e.buf, 0, 0)
}

func (e *Encoder) closeChunk() {
	PutHeader(e.buf[e.chunkStart:], e.payloadLen())
	e.chunkStart = -1
	prom.ChunksWritten.Inc()
}

func (e *Encoder) payloadLen() int {
	return len(e.buf) - e.chunkStart - HeaderSize
}

func (e *Encoder) room() int {
	return e.opts.maxChunkPayload - e.payloadLen()
}
