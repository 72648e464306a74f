package buffer

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// Buffer is a byte queue with a cheap prepend area.
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	|                   |     (CONTENT)    |                  |
//	+-------------------+------------------+------------------+
//	|                   |                  |                  |
//	0      <=      readerIndex   <=   writerIndex    <=     len(buf)
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

const (
	CheapPrepend = 8
	InitialSize  = 1024

	extraBufSize = 65536
)

var crlf = []byte("\r\n")

func New() *Buffer {
	return NewSize(InitialSize)
}

func NewSize(initialSize int) *Buffer {
	return &Buffer{
		buf:         make([]byte, CheapPrepend+initialSize),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

// ReadableBytes is the number of bytes waiting to be consumed.
func (b *Buffer) ReadableBytes() int {
	return b.writerIndex - b.readerIndex
}

func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writerIndex
}

func (b *Buffer) PrependableBytes() int {
	return b.readerIndex
}

// Peek returns the readable region without consuming it. The slice aliases the
// buffer and is only valid until the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// FindCRLF returns the offset of the first "\r\n" in the readable region, or -1.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// FindEOL returns the offset of the first '\n' in the readable region, or -1.
func (b *Buffer) FindEOL() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

// Retrieve consumes n readable bytes.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAllAsBytes consumes the readable region and returns a copy of it.
func (b *Buffer) RetrieveAllAsBytes() []byte {
	out := make([]byte, b.ReadableBytes())
	copy(out, b.Peek())
	b.RetrieveAll()
	return out
}

func (b *Buffer) Append(data []byte) {
	b.EnsureWritableBytes(len(data))
	b.writerIndex += copy(b.buf[b.writerIndex:], data)
}

func (b *Buffer) AppendString(s string) {
	b.EnsureWritableBytes(len(s))
	b.writerIndex += copy(b.buf[b.writerIndex:], s)
}

// Prepend writes data immediately before the readable region. It panics when
// the prepend area is too small, which is a caller bug.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("buffer: prepend exceeds prependable bytes")
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

func (b *Buffer) EnsureWritableBytes(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// Shrink releases capacity beyond the readable bytes plus reserve.
func (b *Buffer) Shrink(reserve int) {
	nb := make([]byte, CheapPrepend+b.ReadableBytes()+reserve)
	n := copy(nb[CheapPrepend:], b.Peek())
	b.buf = nb
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + n
}

func (b *Buffer) makeSpace(n int) {
	readable := b.ReadableBytes()
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		nb := make([]byte, CheapPrepend+readable+n)
		copy(nb[CheapPrepend:], b.Peek())
		b.buf = nb
	} else {
		// compact: move readable data to the front
		copy(b.buf[CheapPrepend:], b.Peek())
	}
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// ReadFd drains what the socket currently holds with a single readv: first into
// the writable region, then into a stack spill buffer that is appended after.
// It returns 0, nil on end of stream.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [extraBufSize]byte
	writable := b.WritableBytes()

	iovs := [][]byte{b.buf[b.writerIndex:]}
	if writable < extraBufSize {
		iovs = append(iovs, extra[:])
	}

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}
