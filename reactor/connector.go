//go:build linux
// +build linux

package reactor

import (
	"time"

	"github.com/fzft/go-reactor/inet"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	initRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

type ConnectorState int32

const (
	ConnectorDisconnected ConnectorState = iota
	ConnectorConnecting
	ConnectorConnected
)

func (s ConnectorState) String() string {
	switch s {
	case ConnectorDisconnected:
		return "Disconnected"
	case ConnectorConnecting:
		return "Connecting"
	case ConnectorConnected:
		return "Connected"
	}
	return "Unknown"
}

// nextRetryDelay doubles d, capped at maxRetryDelay.
func nextRetryDelay(d time.Duration) time.Duration {
	if d *= 2; d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// Connector actively connects to one server address and retries with
// exponential backoff until it gets a socket or is stopped. On success the
// fd is handed to the new connection callback and forgotten.
type Connector struct {
	loop       *EventLoop
	serverAddr inet.InetAddress

	connect atomic.Bool
	state   atomic.Int32

	// loop goroutine only
	channel    *Channel
	retryDelay time.Duration
	timerID    TimerID

	newConnectionCallback func(fd int)
}

func NewConnector(loop *EventLoop, serverAddr inet.InetAddress) *Connector {
	return &Connector{
		loop:       loop,
		serverAddr: serverAddr,
		retryDelay: initRetryDelay,
	}
}

func (c *Connector) SetNewConnectionCallback(cb func(fd int)) {
	c.newConnectionCallback = cb
}

func (c *Connector) ServerAddress() inet.InetAddress {
	return c.serverAddr
}

func (c *Connector) State() ConnectorState {
	return ConnectorState(c.state.Load())
}

// RetryDelay is the delay the next retry will wait. Loop goroutine only.
func (c *Connector) RetryDelay() time.Duration {
	return c.retryDelay
}

func (c *Connector) setState(s ConnectorState) {
	c.state.Store(int32(s))
}

// Start begins connecting. Safe from any goroutine.
func (c *Connector) Start() {
	c.connect.Store(true)
	c.loop.RunInLoop(c.startInLoop)
}

// Restart resets the backoff and connects again. Loop goroutine only.
func (c *Connector) Restart() {
	c.loop.AssertInLoopThread()
	c.setState(ConnectorDisconnected)
	c.retryDelay = initRetryDelay
	c.connect.Store(true)
	c.startInLoop()
}

// Stop cancels a pending retry and abandons an attempt in flight. Safe from
// any goroutine.
func (c *Connector) Stop() {
	c.connect.Store(false)
	c.loop.QueueInLoop(c.stopInLoop)
}

func (c *Connector) startInLoop() {
	c.loop.AssertInLoopThread()
	if s := c.State(); s != ConnectorDisconnected {
		log.Logger.DPanic("connector: start while not disconnected", zap.Stringer("state", s))
		return
	}
	if !c.connect.Load() {
		log.Logger.Debug("connector: stopped, not connecting", zap.Stringer("server", c.serverAddr))
		return
	}
	c.doConnect()
}

func (c *Connector) stopInLoop() {
	c.loop.AssertInLoopThread()
	c.loop.Cancel(c.timerID)
	if c.State() == ConnectorConnecting {
		c.setState(ConnectorDisconnected)
		c.retry(c.removeAndResetChannel())
	}
}

func (c *Connector) doConnect() {
	fd, err := createNonblocking(c.serverAddr.Family())
	if err != nil {
		log.Logger.Error("connector: create socket failed", zap.Stringer("server", c.serverAddr), zap.Error(err))
		c.scheduleRetry()
		return
	}

	c.handleConnectResult(fd, errnoOf(connect(fd, c.serverAddr)))
}

// handleConnectResult sorts the errno of a non-blocking connect into wait,
// retry or give up. Giving up closes fd and schedules nothing.
func (c *Connector) handleConnectResult(fd int, errno unix.Errno) {
	switch errno {
	case 0, unix.EINPROGRESS, unix.EINTR, unix.EISCONN:
		c.connecting(fd)

	case unix.EAGAIN, unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.ECONNREFUSED, unix.ENETUNREACH:
		c.retry(fd)

	case unix.EACCES, unix.EPERM, unix.EAFNOSUPPORT, unix.EALREADY, unix.EBADF, unix.EFAULT, unix.ENOTSOCK:
		log.Logger.Error("connector: connect failed", zap.Stringer("server", c.serverAddr), zap.Error(errno))
		closeQuietly(fd)
		c.setState(ConnectorDisconnected)

	default:
		log.Logger.Error("connector: unexpected connect error", zap.Stringer("server", c.serverAddr), zap.Error(errno))
		closeQuietly(fd)
		c.setState(ConnectorDisconnected)
	}
}

func (c *Connector) connecting(fd int) {
	c.setState(ConnectorConnecting)
	if c.channel != nil {
		log.Logger.DPanic("connector: channel left over from a previous attempt", zap.Int("fd", c.channel.Fd()))
	}
	c.channel = NewChannel(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)
	// a refused connect usually reports HUP without IN
	c.channel.SetCloseCallback(c.handleError)
	c.channel.EnableWriting()
}

// removeAndResetChannel unregisters the connecting channel and returns its
// fd. The Channel may still be on the dispatch stack; dropping the reference
// here is fine since the stack keeps it reachable until it returns.
func (c *Connector) removeAndResetChannel() int {
	c.channel.DisableAll()
	c.channel.Remove()
	fd := c.channel.Fd()
	c.channel = nil
	return fd
}

func (c *Connector) handleWrite() {
	if c.State() != ConnectorConnecting {
		log.Logger.DPanic("connector: write event while not connecting", zap.Stringer("state", c.State()))
		return
	}

	fd := c.removeAndResetChannel()
	if err := getSocketError(fd); err != nil {
		log.Logger.Warn("connector: SO_ERROR", zap.Stringer("server", c.serverAddr), zap.Error(err))
		c.retry(fd)
		return
	}
	if isSelfConnect(fd) {
		log.Logger.Warn("connector: self connect", zap.Stringer("server", c.serverAddr))
		c.retry(fd)
		return
	}

	c.setState(ConnectorConnected)
	if c.connect.Load() && c.newConnectionCallback != nil {
		c.newConnectionCallback(fd)
	} else {
		closeQuietly(fd)
	}
}

func (c *Connector) handleError() {
	if c.State() != ConnectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	log.Logger.Warn("connector: connect error", zap.Stringer("server", c.serverAddr), zap.NamedError("so_error", getSocketError(fd)))
	c.retry(fd)
}

// retry closes the failed socket and, unless stopped, schedules the next
// attempt after the current backoff.
func (c *Connector) retry(fd int) {
	closeQuietly(fd)
	c.setState(ConnectorDisconnected)
	c.scheduleRetry()
}

func (c *Connector) scheduleRetry() {
	if !c.connect.Load() {
		log.Logger.Debug("connector: stopped, not retrying", zap.Stringer("server", c.serverAddr))
		return
	}
	log.Logger.Info("connector: retry",
		zap.Stringer("server", c.serverAddr), zap.Duration("delay", c.retryDelay))
	c.timerID = c.loop.RunAfter(c.retryDelay, c.startInLoop)
	c.retryDelay = nextRetryDelay(c.retryDelay)
}

func closeQuietly(fd int) {
	if err := unix.Close(fd); err != nil {
		log.Logger.Error("sockets: close failed", zap.Int("fd", fd), zap.Error(err))
	}
}
