//go:build linux
// +build linux

package reactor

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/fzft/go-reactor/inet"
	"github.com/fzft/go-reactor/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"
)

func newListeningAcceptor(t *testing.T, loop *EventLoop) *Acceptor {
	t.Helper()
	acc := NewAcceptor(loop, inet.Loopback(0), false)
	acc.Listen()
	require.True(t, acc.Listening())
	return acc
}

// observeLogs routes the package logger into an in-memory core until the test
// ends.
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := log.Logger
	log.Logger = zap.New(core, zap.WithFatalHook(zapcore.WriteThenPanic))
	t.Cleanup(func() { log.Logger = prev })
	return logs
}

func TestAcceptorWithoutCallbackClosesConnection(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()
	acc := newListeningAcceptor(t, loop)
	defer acc.Close()

	conn, err := net.Dial("tcp", acc.ListenAddress().String())
	require.NoError(t, err)
	defer conn.Close()

	acc.handleRead(time.Now())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestAcceptorHandsOffPeer(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()
	acc := newListeningAcceptor(t, loop)
	defer acc.Close()

	conn, err := net.Dial("tcp", acc.ListenAddress().String())
	require.NoError(t, err)
	defer conn.Close()

	var peer inet.InetAddress
	connFd := -1
	acc.SetNewConnectionCallback(func(fd int, addr inet.InetAddress) {
		connFd, peer = fd, addr
	})
	acc.handleRead(time.Now())

	require.GreaterOrEqual(t, connFd, 0)
	defer unix.Close(connFd)
	assert.Equal(t, conn.LocalAddr().String(), peer.ToIPPort())
}

func TestAcceptorSurvivesFdExhaustion(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()
	acc := newListeningAcceptor(t, loop)
	defer acc.Close()

	conn, err := net.Dial("tcp", acc.ListenAddress().String())
	require.NoError(t, err)
	defer conn.Close()

	logs := observeLogs(t)

	var old unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &old))
	// the lowest free fd becomes the first one over the limit
	next, err := unix.Dup(acc.fd)
	require.NoError(t, err)
	require.NoError(t, unix.Close(next))
	lowered := unix.Rlimit{Cur: uint64(next), Max: old.Max}
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &lowered))
	restored := false
	restore := func() {
		if !restored {
			restored = true
			require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &old))
		}
	}
	defer restore()

	accepted := -1
	acc.SetNewConnectionCallback(func(fd int, _ inet.InetAddress) { accepted = fd })
	assert.NotPanics(t, func() { acc.handleRead(time.Now()) })
	restore()

	assert.Equal(t, -1, accepted)
	assert.Equal(t, 1, logs.FilterMessage("acceptor: file descriptor limit reached").Len())
	assert.Equal(t, 1, logs.FilterMessage("acceptor: accept failed").Len())

	// the pending connection is still in the backlog
	acc.handleRead(time.Now())
	require.GreaterOrEqual(t, accepted, 0)
	assert.NoError(t, unix.Close(accepted))
}
