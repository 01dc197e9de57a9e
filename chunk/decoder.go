package chunk

import (
	"io"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// Decoder reassembles the logical byte stream from fragments delivered by a
// transport. Fragments may split chunk headers and payloads at any offset.
//
// Append is called by the transport, the read methods by the message codec.
// One producer and one consumer may run in different goroutines; reads block
// until enough bytes have been appended or the decoder is closed.
//
// Chunk headers and boundary markers are never returned as payload. The plain
// read methods cross message boundaries transparently; ReadMessage and
// DiscardMessage stop at them.
type Decoder struct {
	opts decoderOptions

	mtx  sync.Mutex
	cond *sync.Cond

	frags    [][]byte
	buffered int // unread physical bytes in frags
	// payload bytes left in the current chunk, 0 when a header is expected
	remaining int
	messages  uint64

	closed   bool
	closeErr error
	// sticky protocol violation
	err error
}

// NewDecoder returns an empty decoder.
func NewDecoder(opt ...DecoderOption) *Decoder {
	var opts decoderOptions
	for _, o := range opt {
		o(&opts)
	}
	checkDecoderOptions(&opts)

	d := &Decoder{opts: opts}
	d.cond = sync.NewCond(&d.mtx)
	return d
}

// Append queues a fragment for reading. The fragment is copied, so the
// caller may reuse it when Append returns.
func (d *Decoder) Append(fragment []byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.closed {
		return ErrClosed
	}
	if len(fragment) == 0 {
		return nil
	}

	f := make([]byte, len(fragment))
	copy(f, fragment)
	d.frags = append(d.frags, f)
	d.buffered += len(f)

	prom.FragmentsAppended.Inc()
	prom.BytesAppended.Add(float64(len(f)))

	d.cond.Broadcast()
	d.opts.backpressure.ReportBuffered(d.buffered)
	return nil
}

// Close marks the end of input. Buffered bytes stay readable; afterwards
// reads return io.EOF at a message or chunk boundary and
// io.ErrUnexpectedEOF in the middle of one.
func (d *Decoder) Close() error {
	return d.CloseWithError(nil)
}

// CloseWithError is like Close but reports err instead of io.EOF once the
// buffered bytes are exhausted at a clean position.
func (d *Decoder) CloseWithError(err error) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.closed {
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	d.closed = true
	d.closeErr = err
	d.cond.Broadcast()
	return nil
}

// Buffered returns the number of unread physical bytes, headers included.
func (d *Decoder) Buffered() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.buffered
}

// Messages returns the number of boundary markers consumed so far.
func (d *Decoder) Messages() uint64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.messages
}

// Read reads up to len(p) payload bytes. It blocks until at least one byte is
// available.
func (d *Decoder) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n, err := d.fillLocked(p, 1)
	d.opts.backpressure.ReportBuffered(d.buffered)
	return n, err
}

// ReadFull reads exactly len(p) payload bytes into p.
func (d *Decoder) ReadFull(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	_, err := d.fillLocked(p, len(p))
	d.opts.backpressure.ReportBuffered(d.buffered)
	return err
}

// ReadExact returns exactly n payload bytes, spanning as many chunks as needed.
func (d *Decoder) ReadExact(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Errorf("chunk: negative read length %d", n)
	}
	b := make([]byte, n)
	if err := d.ReadFull(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadUint8 reads one payload byte.
func (d *Decoder) ReadUint8() (uint8, error) {
	var b [1]byte
	if err := d.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a big-endian uint16. Its bytes may lie in different chunks.
func (d *Decoder) ReadUint16() (uint16, error) {
	var b [2]byte
	if err := d.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// ReadUint32 reads a big-endian uint32.
func (d *Decoder) ReadUint32() (uint32, error) {
	var b [4]byte
	if err := d.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// ReadUint64 reads a big-endian uint64.
func (d *Decoder) ReadUint64() (uint64, error) {
	var b [8]byte
	if err := d.ReadFull(b[:]); err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// ReadInt8 reads a two's complement value like ReadUint8.
func (d *Decoder) ReadInt8() (int8, error) {
	v, err := d.ReadUint8()
	return int8(v), err
}

// ReadInt16 reads a two's complement value like ReadUint16.
func (d *Decoder) ReadInt16() (int16, error) {
	v, err := d.ReadUint16()
	return int16(v), err
}

// ReadInt32 reads a two's complement value like ReadUint32.
func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads a two's complement value like ReadUint64.
func (d *Decoder) ReadInt64() (int64, error) {
	v, err := d.ReadUint64()
	return int64(v), err
}

// ReadFloat64 reads an IEEE 754 big-endian float64.
func (d *Decoder) ReadFloat64() (float64, error) {
	v, err := d.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadMessage returns the remaining payload of the current message and
// consumes its boundary marker. A message longer than limit is skipped entirely
// and reported as ErrMessageTooLarge, leaving the decoder at the start of the
// next message. A limit <= 0 means no limit.
func (d *Decoder) ReadMessage(limit int) ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	defer func() { d.opts.backpressure.ReportBuffered(d.buffered) }()

	out := []byte{}
	tooLarge := false
	progress := false
	for {
		if d.err != nil {
			return nil, d.err
		}
		if d.remaining == 0 {
			if d.buffered < HeaderSize {
				if d.closed {
					return nil, d.eofLocked(progress)
				}
				d.waitLocked()
				continue
			}
			progress = true
			if d.consumeHeaderLocked() {
				break
			}
			continue
		}
		if d.buffered == 0 {
			if d.closed {
				return nil, io.ErrUnexpectedEOF
			}
			d.waitLocked()
			continue
		}

		k := min(d.remaining, d.buffered)
		if !tooLarge && limit > 0 && len(out)+k > limit {
			tooLarge = true
			out = nil
		}
		if tooLarge {
			d.skipLocked(k)
		} else {
			off := len(out)
			out = append(out, make([]byte, k)...)
			d.takeLocked(out[off:])
		}
		d.remaining -= k
	}

	if tooLarge {
		return nil, errors.Wrapf(ErrMessageTooLarge, "limit %d", limit)
	}
	return out, nil
}

// DiscardMessage skips the rest of the current message including its
// boundary marker and returns the number of payload bytes skipped.
func (d *Decoder) DiscardMessage() (int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	defer func() { d.opts.backpressure.ReportBuffered(d.buffered) }()

	skipped := 0
	progress := false
	for {
		if d.err != nil {
			return skipped, d.err
		}
		if d.remaining == 0 {
			if d.buffered < HeaderSize {
				if d.closed {
					return skipped, d.eofLocked(progress)
				}
				d.waitLocked()
				continue
			}
			progress = true
			if d.consumeHeaderLocked() {
				return skipped, nil
			}
			continue
		}
		if d.buffered == 0 {
			if d.closed {
				return skipped, io.ErrUnexpectedEOF
			}
			d.waitLocked()
			continue
		}
		k := min(d.remaining, d.buffered)
		d.skipLocked(k)
		d.remaining -= k
		skipped += k
	}
}

// fillLocked copies payload bytes into p until p is full, or until at least
// atLeast bytes were copied and no more payload is immediately available.
func (d *Decoder) fillLocked(p []byte, atLeast int) (int, error) {
	filled := 0
	for filled < len(p) {
		if d.err != nil {
			return filled, d.err
		}
		if d.remaining == 0 {
			if d.buffered < HeaderSize {
				if filled >= atLeast {
					return filled, nil
				}
				if d.closed {
					return filled, d.eofLocked(filled > 0)
				}
				d.waitLocked()
				continue
			}
			d.consumeHeaderLocked()
			continue
		}
		if d.buffered == 0 {
			if filled >= atLeast {
				return filled, nil
			}
			if d.closed {
				return filled, io.ErrUnexpectedEOF
			}
			d.waitLocked()
			continue
		}
		n := d.takeLocked(p[filled:min(len(p), filled+d.remaining)])
		filled += n
		d.remaining -= n
	}
	return filled, nil
}

// eofLocked returns the error for running out of input at a header position.
func (d *Decoder) eofLocked(midRead bool) error {
	if midRead || d.buffered > 0 {
		return io.ErrUnexpectedEOF
	}
	return d.closeErr
}

// waitLocked blocks until more input arrives. The policy learns how far the
// reader has drained before it sleeps, so a paused transport resumes.
func (d *Decoder) waitLocked() {
	d.opts.backpressure.ReportBuffered(d.buffered)
	d.cond.Wait()
}

// consumeHeaderLocked reads one header. It reports whether it was a boundary
// marker. Callers ensure at least HeaderSize bytes are buffered.
func (d *Decoder) consumeHeaderLocked() (boundary bool) {
	var hdr [HeaderSize]byte
	d.takeLocked(hdr[:])
	n := ParseHeader(hdr[:])

	switch {
	case n == BoundaryMarker:
		d.messages++
		prom.MessagesRead.Inc()
		return true
	case n > d.opts.maxChunkPayload:
		d.err = &ProtocolError{Header: n, Max: d.opts.maxChunkPayload}
		prom.ProtocolErrors.Inc()
		d.opts.logger.Warn("malformed chunk header", "header", n, "max", d.opts.maxChunkPayload)
		return false
	default:
		d.remaining = n
		prom.ChunksRead.Inc()
		return false
	}
}

// takeLocked moves len(dst) bytes, or as many as are buffered, from the front
// of the accumulator into dst. Fully read fragments are released.
func (d *Decoder) takeLocked(dst []byte) int {
	n := 0
	for n < len(dst) && len(d.frags) > 0 {
		k := copy(dst[n:], d.frags[0])
		n += k
		d.advanceLocked(k)
	}
	d.buffered -= n
	return n
}

func (d *Decoder) skipLocked(n int) {
	left := n
	for left > 0 && len(d.frags) > 0 {
		k := min(left, len(d.frags[0]))
		left -= k
		d.advanceLocked(k)
	}
	d.buffered -= n - left
}

// compactTail is the unread length below which a partly read fragment is
// copied, releasing its original array.
const compactTail = 512

// advanceLocked drops k bytes from the first fragment.
func (d *Decoder) advanceLocked(k int) {
	f := d.frags[0]
	if k < len(f) {
		tail := f[k:]
		if len(tail) < compactTail {
			tail = append([]byte(nil), tail...)
		}
		d.frags[0] = tail
		return
	}
	d.frags[0] = nil
	d.frags = d.frags[1:]
	if len(d.frags) == 0 {
		d.frags = nil
	}
}
