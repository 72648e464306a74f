package buffer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAppendRetrieve(t *testing.T) {
	buf := New()
	assert.Equal(t, 0, buf.ReadableBytes())
	assert.Equal(t, InitialSize, buf.WritableBytes())
	assert.Equal(t, CheapPrepend, buf.PrependableBytes())

	buf.AppendString(strings.Repeat("x", 200))
	assert.Equal(t, 200, buf.ReadableBytes())
	assert.Equal(t, InitialSize-200, buf.WritableBytes())

	s := buf.RetrieveAsString(50)
	assert.Equal(t, 50, len(s))
	assert.Equal(t, 150, buf.ReadableBytes())
	assert.Equal(t, CheapPrepend+50, buf.PrependableBytes())

	buf.AppendString(strings.Repeat("y", 200))
	assert.Equal(t, 350, buf.ReadableBytes())

	out := buf.RetrieveAllAsString()
	assert.Equal(t, strings.Repeat("x", 150)+strings.Repeat("y", 200), out)
	assert.Equal(t, 0, buf.ReadableBytes())
	assert.Equal(t, CheapPrepend, buf.PrependableBytes())
}

func TestGrow(t *testing.T) {
	buf := New()
	buf.AppendString(strings.Repeat("y", 400))
	buf.Retrieve(50)

	buf.AppendString(strings.Repeat("z", 1000))
	assert.Equal(t, 1350, buf.ReadableBytes())
	assert.Equal(t, CheapPrepend, buf.PrependableBytes())
	assert.True(t, bytes.HasPrefix(buf.Peek(), []byte("yyy")))
}

func TestCompactInsteadOfGrow(t *testing.T) {
	buf := New()
	buf.AppendString(strings.Repeat("y", 800))
	buf.Retrieve(500)
	capBefore := len(buf.buf)

	buf.AppendString(strings.Repeat("z", 300))
	assert.Equal(t, 600, buf.ReadableBytes())
	assert.Equal(t, capBefore, len(buf.buf))
	assert.Equal(t, CheapPrepend, buf.PrependableBytes())
}

func TestPrepend(t *testing.T) {
	buf := New()
	buf.AppendString("body")
	buf.Prepend([]byte{0, 0, 0, 4})
	assert.Equal(t, 8, buf.ReadableBytes())
	assert.Equal(t, CheapPrepend-4, buf.PrependableBytes())
	assert.Panics(t, func() { buf.Prepend(make([]byte, 16)) })
}

func TestGrowAfterPrependKeepsEveryByte(t *testing.T) {
	buf := New()
	buf.AppendString("abcd")
	buf.Prepend([]byte("12345678"))
	require.Equal(t, 0, buf.PrependableBytes())

	tail := strings.Repeat("x", 4096)
	buf.AppendString(tail)
	assert.Equal(t, 8+4+4096, buf.ReadableBytes())
	assert.Equal(t, CheapPrepend, buf.PrependableBytes())
	assert.Equal(t, "12345678abcd"+tail, buf.RetrieveAllAsString())
}

func TestFind(t *testing.T) {
	buf := New()
	buf.AppendString("GET / HTTP/1.1\r\nHost: x\n")
	assert.Equal(t, 14, buf.FindCRLF())
	assert.Equal(t, 15, buf.FindEOL())

	buf.RetrieveAll()
	assert.Equal(t, -1, buf.FindCRLF())
}

func TestShrink(t *testing.T) {
	buf := New()
	buf.AppendString(strings.Repeat("a", 2000))
	buf.Retrieve(1500)
	buf.Shrink(0)
	assert.Equal(t, 500, buf.ReadableBytes())
	assert.Equal(t, 0, buf.WritableBytes())
}

func TestReadFdSpillsIntoExtraBuffer(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := bytes.Repeat([]byte("0123456789"), 300)
	_, err = unix.Write(fds[1], payload)
	require.NoError(t, err)

	buf := NewSize(100)
	n, err := buf.ReadFd(fds[0])
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf.Peek())
}

func TestReadFdEOF(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	require.NoError(t, unix.Close(fds[1]))

	buf := New()
	n, err := buf.ReadFd(fds[0])
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadFdWouldBlock(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	buf := New()
	_, err = buf.ReadFd(fds[0])
	assert.ErrorIs(t, err, unix.EAGAIN)
}
