package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireMessage is a message as parsed from the wire by splitWire.
type wireMessage struct {
	payload []byte
	headers []int // data chunk headers followed by the boundary
}

// splitWire parses b with a straightforward reference implementation of the
// wire format.
func splitWire(t *testing.T, b []byte) []wireMessage {
	t.Helper()
	var msgs []wireMessage
	cur := wireMessage{payload: []byte{}}
	for len(b) > 0 {
		require.GreaterOrEqual(t, len(b), HeaderSize, "truncated header")
		n := ParseHeader(b)
		b = b[HeaderSize:]
		cur.headers = append(cur.headers, n)
		if n == 0 {
			msgs = append(msgs, cur)
			cur = wireMessage{payload: []byte{}}
			continue
		}
		require.GreaterOrEqual(t, len(b), n, "truncated payload")
		cur.payload = append(cur.payload, b[:n]...)
		b = b[n:]
	}
	require.Empty(t, cur.headers, "trailing chunks without boundary")
	return msgs
}

func TestPutParseHeader(t *testing.T) {
	var b [HeaderSize]byte
	for _, n := range []int{0, 1, 0xff, 0x100, 0x5aa5, MaxChunkPayload} {
		PutHeader(b[:], n)
		assert.Equal(t, n, ParseHeader(b[:]))
	}
	PutHeader(b[:], 0x1234)
	assert.Equal(t, [HeaderSize]byte{0x12, 0x34}, b)
}

func TestPutHeader_OutOfRange(t *testing.T) {
	var b [HeaderSize]byte
	assert.Panics(t, func() { PutHeader(b[:], MaxChunkPayload+1) })
	assert.Panics(t, func() { PutHeader(b[:], -1) })
}

func TestClampChunkPayload(t *testing.T) {
	assert.Equal(t, DefaultMaxChunkPayload, clampChunkPayload(0))
	assert.Equal(t, DefaultMaxChunkPayload, clampChunkPayload(-3))
	assert.Equal(t, DefaultMaxChunkPayload, clampChunkPayload(MaxChunkPayload+1))
	assert.Equal(t, 17, clampChunkPayload(17))
}
