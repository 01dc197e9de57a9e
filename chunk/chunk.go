// Package chunk implements the chunked message framing used between a raw
// byte stream and an application message codec.
//
// A logical message travels as a sequence of chunks followed by a boundary
// marker:
//
//	message  := chunk* boundary
//	chunk    := length:uint16 (length != 0) payload:byte[length]
//	boundary := length:uint16 (== 0x0000)
//
// All integers are big-endian. An empty message is a single boundary marker.
//
// The Encoder turns messages into chunks and batches complete messages into
// transport writes. The Decoder accepts fragments of any size and alignment
// and exposes the de-chunked payload as one continuous stream.
package chunk

import "encoding/binary"

const (
	// HeaderSize is the width of a chunk length header.
	HeaderSize = 2

	// BoundaryMarker is the header value terminating a message.
	BoundaryMarker = 0x0000

	// MaxChunkPayload is the largest payload a single header can describe.
	MaxChunkPayload = 1<<16 - 1

	// DefaultMaxChunkPayload bounds chunk payloads when no option is given.
	DefaultMaxChunkPayload = MaxChunkPayload

	// DefaultFlushThreshold is the buffered size at which a completed
	// message triggers a flush.
	DefaultFlushThreshold = 8 * 1024
)

// PutHeader writes n as a chunk header into the first HeaderSize bytes of dst.
// It panics if dst is too short or n does not fit into a header.
func PutHeader(dst []byte, n int) {
	if n < 0 || n > MaxChunkPayload {
		panic("chunk: header value out of range")
	}
	binary.BigEndian.PutUint16(dst[:HeaderSize], uint16(n))
}

// ParseHeader returns the payload length encoded in the first HeaderSize bytes of b.
func ParseHeader(b []byte) int {
	return int(binary.BigEndian.Uint16(b[:HeaderSize]))
}

// clampChunkPayload maps out-of-range sizes to the default.
func clampChunkPayload(n int) int {
	if n <= 0 || n > MaxChunkPayload {
		return DefaultMaxChunkPayload
	}
	return n
}
