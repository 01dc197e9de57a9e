package chunk

import (
	"sync"
	"time"
)

// Backpressure is the flow-control strategy shared by an Encoder, a Decoder
// and the transport carrying their bytes.
//
// The write side is driven by the encoder, which calls AcquireWrite before it
// hands a batch to the transport, and by the transport, which calls
// ReleaseWrite once those bytes have left the process. The read side is driven
// by the decoder, which reports its unread byte count after every append and
// read, and by the transport, which calls WaitRead before delivering the next
// fragment.
type Backpressure interface {
	// AcquireWrite may block while too many bytes are outstanding.
	AcquireWrite(n int) error
	ReleaseWrite(n int)
	ReportBuffered(n int)
	// WaitRead blocks while reading is paused.
	WaitRead() error
	// Close unblocks all waiters. Later blocking calls return ErrClosed.
	Close()
}

// Unthrottled never blocks. It is used when flow control is handled elsewhere.
type Unthrottled struct{}

var _ Backpressure = Unthrottled{}

func (Unthrottled) AcquireWrite(int) error { return nil }
func (Unthrottled) ReleaseWrite(int)       {}
func (Unthrottled) ReportBuffered(int)     {}
func (Unthrottled) WaitRead() error        { return nil }
func (Unthrottled) Close()                 {}

// WatermarkConfig configures a Watermark policy. A zero high mark disables
// throttling in that direction.
type WatermarkConfig struct {
	// WriteHigh bounds the bytes handed to the transport but not yet released.
	// A single batch larger than WriteHigh is still admitted once nothing is
	// outstanding.
	WriteHigh int
	// ReadHigh pauses reading when the decoder holds this many unread bytes.
	ReadHigh int
	// ReadLow resumes reading once the decoder has drained to this many bytes.
	// It is raised to HeaderSize-1 when lower.
	ReadLow int

	Logger Logger
}

// Watermark is a Backpressure policy based on high and low water marks.
type Watermark struct {
	cfg    WatermarkConfig
	logger Logger

	mtx         sync.Mutex
	cond        *sync.Cond
	outstanding int
	paused      bool
	closed      bool
}

var _ Backpressure = (*Watermark)(nil)

// NewWatermark returns a policy for one connection.
func NewWatermark(cfg WatermarkConfig) *Watermark {
	if cfg.ReadLow < 0 || (cfg.ReadHigh > 0 && cfg.ReadLow >= cfg.ReadHigh) {
		cfg.ReadLow = cfg.ReadHigh / 2
	}
	// a starved decoder may still hold half a header
	if cfg.ReadHigh >= HeaderSize && cfg.ReadLow < HeaderSize-1 {
		cfg.ReadLow = HeaderSize - 1
	}
	w := &Watermark{cfg: cfg, logger: cfg.Logger}
	if w.logger == nil {
		w.logger = defaultLogger()
	}
	w.cond = sync.NewCond(&w.mtx)
	return w
}

// AcquireWrite blocks while admitting n more bytes would exceed WriteHigh.
// It returns ErrClosed once the policy is closed.
func (w *Watermark) AcquireWrite(n int) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	var start time.Time
	for w.mustWaitWrite(n) {
		if start.IsZero() {
			start = time.Now()
			w.logger.Debug("write throttled", "outstanding", w.outstanding, "pending", n)
		}
		w.cond.Wait()
	}
	if !start.IsZero() {
		prom.WriteThrottleWait.Observe(time.Since(start).Seconds())
	}
	if w.closed {
		return ErrClosed
	}
	w.outstanding += n
	return nil
}

func (w *Watermark) mustWaitWrite(n int) bool {
	return !w.closed && w.cfg.WriteHigh > 0 && w.outstanding > 0 && w.outstanding+n > w.cfg.WriteHigh
}

// ReleaseWrite returns n bytes written by the transport and wakes throttled
// writers.
func (w *Watermark) ReleaseWrite(n int) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.outstanding -= n
	if w.outstanding < 0 {
		w.outstanding = 0
	}
	w.cond.Broadcast()
}

// ReportBuffered pauses reading at ReadHigh unread bytes and resumes it at
// ReadLow.
func (w *Watermark) ReportBuffered(n int) {
	if w.cfg.ReadHigh <= 0 {
		return
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	switch {
	case !w.paused && n >= w.cfg.ReadHigh:
		w.paused = true
		prom.ReadPauses.Inc()
		w.logger.Debug("read paused", "buffered", n, "high", w.cfg.ReadHigh)
	case w.paused && n <= w.cfg.ReadLow:
		w.paused = false
		w.logger.Debug("read resumed", "buffered", n, "low", w.cfg.ReadLow)
		w.cond.Broadcast()
	}
}

// WaitRead blocks while reading is paused. It returns ErrClosed once the
// policy is closed.
func (w *Watermark) WaitRead() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	for w.paused && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return ErrClosed
	}
	return nil
}

// Close releases every blocked caller.
func (w *Watermark) Close() {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.closed = true
	w.cond.Broadcast()
}

// Outstanding returns the bytes acquired but not yet released.
func (w *Watermark) Outstanding() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.outstanding
}

// Paused reports whether the read side is currently paused.
func (w *Watermark) Paused() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.paused
}
