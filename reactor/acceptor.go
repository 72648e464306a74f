//go:build linux
// +build linux

package reactor

import (
	"errors"
	"os"
	"time"

	"github.com/fzft/go-reactor/inet"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type NewConnectionCallback func(fd int, peer inet.InetAddress)

// Acceptor owns a listening socket on its loop and hands every accepted fd to
// the new connection callback.
type Acceptor struct {
	loop      *EventLoop
	fd        int
	channel   *Channel
	listening atomic.Bool

	newConnectionCallback NewConnectionCallback
}

// NewAcceptor creates and binds the listening socket. A bind failure is fatal.
func NewAcceptor(loop *EventLoop, listenAddr inet.InetAddress, reusePort bool) *Acceptor {
	fd := createNonblockingOrDie(listenAddr.Family())
	setReuseAddr(fd, true)
	setReusePort(fd, reusePort)
	bindOrDie(fd, listenAddr)

	a := &Acceptor{
		loop:    loop,
		fd:      fd,
		channel: NewChannel(loop, fd),
	}
	a.channel.SetReadCallback(a.handleRead)
	return a
}

func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

func (a *Acceptor) Listen() {
	a.loop.AssertInLoopThread()
	a.listening.Store(true)
	listenOrDie(a.fd)
	a.channel.EnableReading()
}

func (a *Acceptor) Listening() bool {
	return a.listening.Load()
}

// ListenAddress is the address the socket is actually bound to, so a port 0
// request reports the kernel's choice.
func (a *Acceptor) ListenAddress() inet.InetAddress {
	return getLocalAddr(a.fd)
}

// handleRead accepts one connection per readiness. Running out of fds is only
// logged: the listening socket stays readable and the loop will try again.
func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoopThread()
	connFd, peer, err := accept(a.fd)
	if err != nil {
		if IsTemporaryError(err) {
			return
		}
		log.Logger.Error("acceptor: accept failed", zap.Int("fd", a.fd), zap.Error(err))
		if errors.Is(err, unix.EMFILE) {
			log.Logger.Error("acceptor: file descriptor limit reached", zap.Int("fd", a.fd))
		}
		return
	}

	if a.newConnectionCallback == nil {
		if err := unix.Close(connFd); err != nil {
			log.Logger.Error("acceptor: close unclaimed fd failed", zap.Int("fd", connFd), zap.Error(err))
		}
		return
	}
	a.newConnectionCallback(connFd, peer)
}

// Close stops listening and closes the socket. Loop goroutine only.
func (a *Acceptor) Close() error {
	a.loop.AssertInLoopThread()
	if a.listening.Swap(false) {
		a.channel.DisableAll()
		a.channel.Remove()
	}
	return os.NewSyscallError("close", unix.Close(a.fd))
}
