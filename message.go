package boltconn

import (
	"io"

	"github.com/Zereker/boltconn/chunk"
)

// Message is the interface for messages transmitted over the connection.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

// MessageReader is the de-chunked input of one connection as seen by a Codec.
// Chunk headers and boundary markers are invisible; ReadMessage returns the
// rest of the current message and consumes its boundary.
type MessageReader interface {
	io.Reader
	ReadFull(p []byte) error
	ReadExact(n int) ([]byte, error)
	ReadUint8() (uint8, error)
	ReadUint16() (uint16, error)
	ReadUint32() (uint32, error)
	ReadUint64() (uint64, error)
	ReadInt8() (int8, error)
	ReadInt16() (int16, error)
	ReadInt32() (int32, error)
	ReadInt64() (int64, error)
	ReadFloat64() (float64, error)
	ReadMessage(limit int) ([]byte, error)
}

// MessageWriter accepts the payload of the single message being encoded.
// Payloads of any size are split into chunks transparently.
type MessageWriter interface {
	io.Writer
	WriteFrom(r io.Reader, n int) error
	WriteUint8(v uint8) error
	WriteUint16(v uint16) error
	WriteUint32(v uint32) error
	WriteUint64(v uint64) error
	WriteInt8(v int8) error
	WriteInt16(v int16) error
	WriteInt32(v int32) error
	WriteInt64(v int64) error
	WriteFloat64(v float64) error
}

var (
	_ MessageReader = (*chunk.Decoder)(nil)
	_ MessageWriter = (*chunk.Encoder)(nil)
)

// Codec is the interface for message encoding and decoding.
// Applications implement it to define their message serialization format.
//
// Decode is called once per incoming message. It may stop reading before the
// message ends; the connection skips the unread rest of the message before
// decoding the next one. Encode writes the payload of exactly one message. If
// it fails, the bytes it wrote are discarded and nothing reaches the wire.
type Codec interface {
	Decode(r MessageReader) (Message, error)
	Encode(w MessageWriter, m Message) error
}

// RawMessage is a message whose body is the whole logical payload.
type RawMessage []byte

func (m RawMessage) Length() int  { return len(m) }
func (m RawMessage) Body() []byte { return m }

// RawCodec passes message payloads through unchanged.
type RawCodec struct{}

var _ Codec = RawCodec{}

func (RawCodec) Decode(r MessageReader) (Message, error) {
	b, err := r.ReadMessage(0)
	if err != nil {
		return nil, err
	}
	return RawMessage(b), nil
}

func (RawCodec) Encode(w MessageWriter, m Message) error {
	_, err := w.Write(m.Body())
	return err
}
