package boltconn

import (
	"errors"

	"github.com/Zereker/boltconn/chunk"
)

// Errors returned by connection operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec callback")
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = chunk.ErrMessageTooLarge
	// ErrBufferFull is returned when flushed data could not be queued for the
	// socket within the write deadline. The connection should be closed.
	ErrBufferFull = errors.New("send buffer full")
)

// ErrConnectionClosed is returned when operating on a closed connection.
// It is wrapped with the remote address of the connection.
var ErrConnectionClosed = errors.New("connection closed")
