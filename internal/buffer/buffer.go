// Package buffer provides the growable byte buffer used for per-connection
// reads and writes. A single buffer is owned by exactly one connection and
// is never shared across goroutines.
package buffer

import (
	"golang.org/x/sys/unix"
)

// spillSize is the size of the stack-side spill region used by ReadFd.
// One readv drains whatever the kernel has buffered even when the buffer
// itself has little slack.
const spillSize = 64 * 1024

// DefaultSize is the initial capacity of a fresh Buffer.
const DefaultSize = 1024

// Buffer is a contiguous byte region with a read index and a write index.
// The readable span is [read, write), the writable span is [write, cap),
// and [0, read) is prependable slack reclaimed by compaction.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New returns a Buffer with the given initial capacity.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{buf: make([]byte, size)}
}

// ReadableLen returns the number of unconsumed bytes.
func (b *Buffer) ReadableLen() int {
	return b.writePos - b.readPos
}

// WritableLen returns the free space after the write index.
func (b *Buffer) WritableLen() int {
	return len(b.buf) - b.writePos
}

// PrependableLen returns the consumed space before the read index.
func (b *Buffer) PrependableLen() int {
	return b.readPos
}

// Peek returns the readable span without consuming it. The slice aliases
// the buffer and is invalidated by the next mutation.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readPos:b.writePos]
}

// Consume advances the read index by n.
func (b *Buffer) Consume(n int) {
	if n > b.ReadableLen() {
		n = b.ReadableLen()
	}
	b.readPos += n
}

// ConsumeUntil advances the read index so that the next readable byte is
// at offset end within the current Peek slice.
func (b *Buffer) ConsumeUntil(end int) {
	b.Consume(end)
}

// Reset discards all content.
func (b *Buffer) Reset() {
	b.readPos = 0
	b.writePos = 0
}

// TakeAllString consumes the full readable span and returns it as a string.
func (b *Buffer) TakeAllString() string {
	s := string(b.Peek())
	b.Reset()
	return s
}

// Append copies p into the buffer, growing it if needed.
func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	copy(b.buf[b.writePos:], p)
	b.writePos += len(p)
}

// AppendString copies s into the buffer.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	copy(b.buf[b.writePos:], s)
	b.writePos += len(s)
}

// EnsureWritable guarantees at least n bytes of writable space. If the
// prependable slack plus the tail covers n the live bytes are compacted to
// offset zero; otherwise the buffer grows to writePos+n+1.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableLen() >= n {
		return
	}
	if b.WritableLen()+b.PrependableLen() < n {
		grown := make([]byte, b.writePos+n+1)
		copy(grown, b.buf[:b.writePos])
		b.buf = grown
		return
	}
	readable := b.ReadableLen()
	copy(b.buf, b.buf[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = readable
}

// hasWritten advances the write index after an external write into the
// writable span.
func (b *Buffer) hasWritten(n int) {
	b.writePos += n
}

// ReadFd performs one scatter read from fd: the first iovec is the
// buffer's writable tail, the second a spill region. Bytes past the tail
// are appended afterwards, which grows the buffer. On a syscall error the
// buffer is left untouched and the errno is returned.
func (b *Buffer) ReadFd(fd int) (int, error) {
	spill := make([]byte, spillSize)
	writable := b.WritableLen()
	iov := [][]byte{b.buf[b.writePos:], spill}
	n, err := unix.Readv(fd, iov)
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.hasWritten(n)
	} else {
		b.writePos = len(b.buf)
		b.Append(spill[:n-writable])
	}
	return n, nil
}

// WriteFd writes the readable span to fd and consumes the bytes accepted
// by the kernel.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return -1, err
	}
	b.Consume(n)
	return n, nil
}
