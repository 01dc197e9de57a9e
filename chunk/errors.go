package chunk

import (
	"errors"
	"fmt"
)

var (
	// ErrState is matched by every *StateError through errors.Is.
	ErrState = errors.New("chunk: operation not valid in current state")
	// ErrClosed is returned when operating on a closed encoder, decoder or policy.
	ErrClosed = errors.New("chunk: closed")
	// ErrShortSource is returned when a source yields fewer bytes than requested.
	ErrShortSource = errors.New("chunk: source shorter than requested write")
	// ErrChunkTooLarge is returned when a received header exceeds the configured maximum.
	ErrChunkTooLarge = errors.New("chunk: chunk length exceeds maximum")
	// ErrMessageTooLarge is returned when a logical message exceeds a read limit.
	ErrMessageTooLarge = errors.New("chunk: message too large")
)

// StateError reports a call made in the wrong encoder state. It is a
// programming error in the caller and is never retried.
type StateError struct {
	Op    string
	State EncoderState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("chunk: %s called in state %s", e.Op, e.State)
}

// Is makes errors.Is(err, ErrState) hold for every StateError.
func (e *StateError) Is(target error) bool {
	return target == ErrState
}

// ProtocolError reports malformed input on the read side. The connection
// carrying it should be terminated.
type ProtocolError struct {
	Header int
	Max    int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("chunk: protocol violation: chunk header %d exceeds maximum %d", e.Header, e.Max)
}

func (e *ProtocolError) Unwrap() error {
	return ErrChunkTooLarge
}

// IsStateError reports whether err is a state-discipline error.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
