package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendRetrieve(t *testing.T) {
	b := NewBuffer()
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, bufferInitialSize, b.WritableBytes())
	assert.Equal(t, prependSize, b.PrependableBytes())

	b.AppendString("hello")
	assert.Equal(t, 5, b.ReadableBytes())
	assert.Equal(t, "hello", string(b.Peek()))

	got := b.RetrieveAllAsString()
	assert.Equal(t, "hello", got)
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, prependSize, b.PrependableBytes())
}

func TestBuffer_RetrievePartial(t *testing.T) {
	b := NewBuffer()
	b.AppendString("hello world")
	b.Retrieve(6)
	assert.Equal(t, "world", string(b.Peek()))
}

func TestBuffer_GrowBeyondInitialCapacity(t *testing.T) {
	b := NewBuffer()
	payload := make([]byte, bufferInitialSize*4)
	for i := range payload {
		payload[i] = byte(i)
	}
	b.Append(payload)
	require.Equal(t, len(payload), b.ReadableBytes())
	assert.Equal(t, payload, b.Peek())
}

func TestBuffer_CompactsBeforeGrowing(t *testing.T) {
	b := NewBuffer()
	// Fill until only a few bytes of writable space remain, then retrieve
	// most of it back out so the prepend+consumed region plus remaining
	// writable space is enough to satisfy the next Append in place.
	filler := make([]byte, bufferInitialSize-5)
	b.Append(filler)
	b.Retrieve(len(filler) - 2) // leave 2 readable bytes at the tail

	before := len(b.buf)
	b.Append(make([]byte, 100)) // needs more than the 5 bytes currently writable
	assert.Equal(t, before, len(b.buf), "compaction should have made room without reallocating")
	assert.Equal(t, 102, b.ReadableBytes())
}

func TestBuffer_PrependUint32Header(t *testing.T) {
	b := NewBuffer()
	b.AppendString("payload")
	b.PrependUint32(7)
	require.Equal(t, 4+len("payload"), b.ReadableBytes())
	assert.Equal(t, uint32(7), b.PeekUint32())
	assert.Equal(t, uint32(7), b.RetrieveUint32())
	assert.Equal(t, "payload", b.RetrieveAllAsString())
}

func TestBuffer_FindCRLFAndEOL(t *testing.T) {
	b := NewBuffer()
	b.AppendString("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	idx := b.FindCRLF()
	require.NotEqual(t, -1, idx)
	b.RetrieveUntil(idx + 2)
	assert.Equal(t, "Host: x\r\n\r\n", string(b.Peek()))

	b2 := NewBuffer()
	b2.AppendString("line1\nline2\n")
	assert.Equal(t, 5, b2.FindEOL())
}

func TestBuffer_FindCRLFAbsentReturnsNegativeOne(t *testing.T) {
	b := NewBuffer()
	b.AppendString("no terminator here")
	assert.Equal(t, -1, b.FindCRLF())
	assert.Equal(t, -1, b.FindEOL())
}

func TestBuffer_Shrink(t *testing.T) {
	b := NewBuffer()
	b.Append(make([]byte, bufferInitialSize*4))
	b.Retrieve(bufferInitialSize*4 - 10)
	b.Shrink(0)
	assert.Equal(t, 10, b.ReadableBytes())
	assert.Equal(t, prependSize+10, len(b.buf))
}

func TestBuffer_RetrieveBytesCopies(t *testing.T) {
	b := NewBuffer()
	b.AppendString("abcdef")
	out := b.RetrieveBytes(3)
	assert.Equal(t, []byte("abc"), out)
	assert.Equal(t, "def", string(b.Peek()))
}
