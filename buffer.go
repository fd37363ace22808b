package reactor

import (
	"bytes"
	"encoding/binary"
)

const (
	// prependSize is the default size of the prepend area reserved at the
	// front of every Buffer, enough for a length-prefix header.
	prependSize = 8
	// bufferInitialSize is the default size of the readable+writable
	// region, excluding the prepend area.
	bufferInitialSize = 1024
	// extraBufferSize is the size of the on-stack scratch buffer readFd
	// uses for scatter-reads, so one syscall can capture more than the
	// buffer's current writable region.
	extraBufferSize = 65536
)

// Buffer is a growable byte queue with a prepend area, modeled as three
// contiguous regions: prepend | readable | writable. readerIndex and
// writerIndex advance as bytes are retrieved and appended; when writable
// space runs short, existing readable bytes are shifted toward the front
// if that alone frees enough room, and otherwise the backing array grows.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// NewBuffer returns an empty Buffer with the default prepend and initial
// capacity.
func NewBuffer() *Buffer {
	return &Buffer{
		buf:         make([]byte, prependSize+bufferInitialSize),
		readerIndex: prependSize,
		writerIndex: prependSize,
	}
}

// ReadableBytes returns the number of bytes available to Retrieve.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes available to Append without
// growing the backing array.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the space currently free in the prepend area.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable region without consuming it. The returned
// slice aliases the Buffer's storage and is invalidated by any mutating
// call.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Append appends data to the writable region, growing or shifting the
// backing array first if necessary.
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	b.writerIndex += copy(b.buf[b.writerIndex:], data)
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// Prepend writes data just before the readable region; len(data) must not
// exceed PrependableBytes(). It is used for length-prefix framing that is
// only known after the payload has been built.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		fatalf(nil, "prepend exceeds prependable space", map[string]string{
			"want": itoa(len(data)), "have": itoa(b.PrependableBytes()),
		})
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

// PrependUint32 prepends a big-endian uint32 length header, the
// conventional framing primitive for length-prefixed protocols.
func (b *Buffer) PrependUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Prepend(tmp[:])
}

// AppendUint32 appends a big-endian uint32, the counterpart to
// PrependUint32 for building a payload before its header is known.
func (b *Buffer) AppendUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Append(tmp[:])
}

// PeekUint32 reads, without consuming, a big-endian uint32 from the front
// of the readable region.
func (b *Buffer) PeekUint32() uint32 {
	return binary.BigEndian.Uint32(b.buf[b.readerIndex:])
}

// RetrieveUint32 consumes and returns a big-endian uint32 from the front
// of the readable region.
func (b *Buffer) RetrieveUint32() uint32 {
	v := b.PeekUint32()
	b.Retrieve(4)
	return v
}

// Retrieve consumes n bytes from the front of the readable region. n must
// not exceed ReadableBytes().
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll consumes the entire readable region, resetting both indices
// to the start of the writable region (right after the prepend area).
func (b *Buffer) RetrieveAll() {
	b.readerIndex = prependSize
	b.writerIndex = prependSize
}

// RetrieveBytes consumes and returns a copy of the first n readable
// bytes.
func (b *Buffer) RetrieveBytes(n int) []byte {
	out := make([]byte, n)
	copy(out, b.buf[b.readerIndex:b.readerIndex+n])
	b.Retrieve(n)
	return out
}

// RetrieveAsString consumes and returns the first n readable bytes as a
// string.
func (b *Buffer) RetrieveAsString(n int) string {
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsString consumes and returns the entire readable region as
// a string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveUntil consumes the readable bytes before offset end, where end is
// relative to Peek()'s start (the same base FindCRLF/FindEOL return) and
// must not exceed ReadableBytes().
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end)
}

var crlf = []byte("\r\n")

// FindCRLF returns the index (relative to Peek()'s start) of the first
// "\r\n" in the readable region, or -1 if none is present.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// FindEOL returns the index (relative to Peek()'s start) of the first
// '\n' in the readable region, or -1 if none is present.
func (b *Buffer) FindEOL() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

// Shrink reduces the backing array to exactly fit the current readable
// region plus reserve bytes of writable space, copying the readable
// region back to the start of the prepend area.
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	next := make([]byte, prependSize+readable+reserve)
	copy(next[prependSize:], b.buf[b.readerIndex:b.writerIndex])
	b.buf = next
	b.readerIndex = prependSize
	b.writerIndex = prependSize + readable
}

// ensureWritable grows or compacts the backing array so at least n bytes
// of writable space are available, preferring an in-place compaction
// (shifting the readable region back toward the prepend area) over
// growing when that alone creates enough room.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.PrependableBytes()-prependSize+b.WritableBytes() >= n {
		readable := b.ReadableBytes()
		copy(b.buf[prependSize:], b.buf[b.readerIndex:b.writerIndex])
		b.readerIndex = prependSize
		b.writerIndex = prependSize + readable
		return
	}
	next := make([]byte, b.writerIndex+n)
	copy(next, b.buf)
	b.buf = next
}

// ReadFd performs a scatter-read from fd into the buffer's writable
// region plus an on-stack extra buffer, so one syscall can capture more
// than the buffer currently has room for; the returned count is then
// split between buffer-append and overflow-append. It returns the total
// number of bytes read and the syscall error, if any.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [extraBufferSize]byte
	writable := b.WritableBytes()

	n, err := readvFd(fd, b.buf[b.writerIndex:len(b.buf)], extra[:])
	if n <= 0 {
		return n, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, err
}
