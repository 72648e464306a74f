//go:build linux
// +build linux

package reactor

import (
	"errors"
	"os"

	"github.com/fzft/go-reactor/inet"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// createNonblocking opens a non-blocking, close-on-exec TCP socket.
func createNonblocking(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

func createNonblockingOrDie(family int) int {
	fd, err := createNonblocking(family)
	if err != nil {
		log.Logger.Fatal("sockets: create socket failed", zap.Error(err))
	}
	return fd
}

func bindOrDie(fd int, addr inet.InetAddress) {
	if err := unix.Bind(fd, addr.Sockaddr()); err != nil {
		log.Logger.Fatal("sockets: bind failed", zap.Int("fd", fd), zap.Stringer("addr", addr), zap.Error(err))
	}
}

func listenOrDie(fd int) {
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		log.Logger.Fatal("sockets: listen failed", zap.Int("fd", fd), zap.Error(err))
	}
}

// accept returns a non-blocking, close-on-exec connection fd.
func accept(fd int) (int, inet.InetAddress, error) {
	connFd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, inet.InetAddress{}, os.NewSyscallError("accept4", err)
	}
	return connFd, inet.FromSockaddr(sa), nil
}

func connect(fd int, addr inet.InetAddress) error {
	return unix.Connect(fd, addr.Sockaddr())
}

func shutdownWrite(fd int) {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		log.Logger.Error("sockets: shutdown write failed", zap.Int("fd", fd), zap.Error(err))
	}
}

func setReuseAddr(fd int, on bool) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on)); err != nil {
		log.Logger.Error("sockets: SO_REUSEADDR failed", zap.Int("fd", fd), zap.Error(err))
	}
}

func setReusePort(fd int, on bool) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on)); err != nil && on {
		log.Logger.Error("sockets: SO_REUSEPORT failed", zap.Int("fd", fd), zap.Error(err))
	}
}

func setTcpNoDelay(fd int, on bool) error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on)))
}

func setKeepAlive(fd int, on bool) error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on)))
}

// getSocketError reads and clears SO_ERROR.
func getSocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func getLocalAddr(fd int) inet.InetAddress {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		log.Logger.Error("sockets: getsockname failed", zap.Int("fd", fd), zap.Error(err))
		return inet.InetAddress{}
	}
	return inet.FromSockaddr(sa)
}

func getPeerAddr(fd int) inet.InetAddress {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		log.Logger.Error("sockets: getpeername failed", zap.Int("fd", fd), zap.Error(err))
		return inet.InetAddress{}
	}
	return inet.FromSockaddr(sa)
}

// isSelfConnect detects an unbound non-blocking connect that the kernel
// resolved to the socket itself.
func isSelfConnect(fd int) bool {
	local, peer := getLocalAddr(fd), getPeerAddr(fd)
	return local.Port() != 0 && local.Equal(peer)
}

// errnoOf extracts the errno from a syscall error; nil maps to 0.
func errnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}

// IsTemporaryError checks if the error is EAGAIN or EWOULDBLOCK.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func boolToInt(on bool) int {
	if on {
		return 1
	}
	return 0
}
