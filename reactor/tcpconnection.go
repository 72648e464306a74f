//go:build linux
// +build linux

package reactor

import (
	"errors"
	"time"

	"github.com/fzft/go-reactor/buffer"
	"github.com/fzft/go-reactor/inet"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultHighWaterMark = 64 * 1024 * 1024

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	}
	return "Unknown"
}

// TcpConnection is one established socket served by a single loop. Send,
// Shutdown, ForceClose and the read toggles may be called from any
// goroutine; the rest of the lifecycle runs on the loop.
//
// The connection owns its fd and closes it in ConnectDestroyed.
type TcpConnection struct {
	loop      *EventLoop
	id        int64
	name      string
	state     atomic.Int32
	fd        int
	channel   *Channel
	localAddr inet.InetAddress
	peerAddr  inet.InetAddress

	// loop goroutine only
	reading      bool
	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer
	context      any

	highWaterMark         int
	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback
}

func NewTcpConnection(loop *EventLoop, name string, id int64, fd int, localAddr, peerAddr inet.InetAddress) *TcpConnection {
	c := &TcpConnection{
		loop:               loop,
		id:                 id,
		name:               name,
		fd:                 fd,
		channel:            NewChannel(loop, fd),
		localAddr:          localAddr,
		peerAddr:           peerAddr,
		reading:            true,
		inputBuffer:        buffer.New(),
		outputBuffer:       buffer.New(),
		highWaterMark:      defaultHighWaterMark,
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
	}
	c.state.Store(int32(StateConnecting))
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)

	if err := setKeepAlive(fd, true); err != nil {
		log.Logger.Warn("conn: enable keepalive failed", zap.String("conn", name), zap.Error(err))
	}
	log.Logger.Debug("conn: created", zap.String("conn", name), zap.Int("fd", fd))
	return c
}

func (c *TcpConnection) Loop() *EventLoop { return c.loop }
func (c *TcpConnection) ID() int64 { return c.id }
func (c *TcpConnection) Name() string { return c.name }
func (c *TcpConnection) Fd() int { return c.fd }
func (c *TcpConnection) LocalAddress() inet.InetAddress { return c.localAddr }
func (c *TcpConnection) PeerAddress() inet.InetAddress { return c.peerAddr }
func (c *TcpConnection) State() ConnState { return ConnState(c.state.Load()) }
func (c *TcpConnection) StateString() string { return c.State().String() }
func (c *TcpConnection) Connected() bool { return c.State() == StateConnected }
func (c *TcpConnection) Disconnected() bool { return c.State() == StateDisconnected }
func (c *TcpConnection) InputBuffer() *buffer.Buffer { return c.inputBuffer }
func (c *TcpConnection) OutputBuffer() *buffer.Buffer { return c.outputBuffer }
func (c *TcpConnection) IsReading() bool { return c.reading }
func (c *TcpConnection) SetContext(ctx any) { c.context = ctx }
func (c *TcpConnection) Context() any { return c.context }
func (c *TcpConnection) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback) {
	if cb == nil {
		cb = DefaultConnectionCallback
	}
	c.connectionCallback = cb
}

func (c *TcpConnection) SetMessageCallback(cb MessageCallback) {
	if cb == nil {
		cb = DefaultMessageCallback
	}
	c.messageCallback = cb
}

func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback arms cb for every upward crossing of mark bytes
// queued in the output buffer.
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

func (c *TcpConnection) setState(s ConnState) {
	c.state.Store(int32(s))
}

func (c *TcpConnection) SetTcpNoDelay(on bool) error {
	return setTcpNoDelay(c.fd, on)
}

func (c *TcpConnection) SetKeepAlive(on bool) error {
	return setKeepAlive(c.fd, on)
}

// Send queues data for writing. data may be reused once Send returns.
func (c *TcpConnection) Send(data []byte) error {
	return c.send(data, false)
}

func (c *TcpConnection) SendString(s string) error {
	return c.send([]byte(s), true)
}

// SendBuffer sends and drains the readable bytes of buf.
func (c *TcpConnection) SendBuffer(buf *buffer.Buffer) error {
	return c.send(buf.RetrieveAllAsBytes(), true)
}

func (c *TcpConnection) send(data []byte, owned bool) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return nil
	}
	if !owned {
		data = append([]byte(nil), data...)
	}
	c.loop.RunInLoop(func() { c.sendInLoop(data) })
	return nil
}

// sendInLoop writes directly when nothing is queued and buffers the rest.
// The output buffer is unbounded; callers learn about backlog only through
// the high water mark callback. Loop goroutine only; send checks that once.
func (c *TcpConnection) sendInLoop(data []byte) {
	if c.State() == StateDisconnected {
		log.Logger.Warn("conn: disconnected, give up writing", zap.String("conn", c.name), zap.Int("bytes", len(data)))
		return
	}

	nwrote, remaining := 0, len(data)
	faultError := false
	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		switch {
		case err == nil:
			nwrote, remaining = n, remaining-n
			if remaining == 0 {
				c.queueWriteComplete()
			}
		case IsTemporaryError(err):
		default:
			log.Logger.Error("conn: write failed", zap.String("conn", c.name), zap.Error(err))
			if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
				faultError = true
			}
		}
	}

	if faultError || remaining == 0 {
		return
	}
	oldLen := c.outputBuffer.ReadableBytes()
	if cb, queued := c.highWaterMarkCallback, oldLen+remaining; queued >= c.highWaterMark && oldLen < c.highWaterMark && cb != nil {
		c.loop.QueueInLoop(func() { cb(c, queued) })
	}
	c.outputBuffer.Append(data[nwrote:])
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown half-closes the write side once the output buffer drains.
func (c *TcpConnection) Shutdown() {
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		shutdownWrite(c.fd)
	}
}

// ForceClose closes the connection without waiting for pending output.
func (c *TcpConnection) ForceClose() {
	if s := c.State(); s == StateConnected || s == StateDisconnecting {
		c.setState(StateDisconnecting)
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

func (c *TcpConnection) ForceCloseWithDelay(delay time.Duration) {
	if s := c.State(); s == StateConnected || s == StateDisconnecting {
		c.setState(StateDisconnecting)
		c.loop.RunAfter(delay, c.ForceClose)
	}
}

func (c *TcpConnection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	if s := c.State(); s == StateConnected || s == StateDisconnecting {
		c.handleClose()
	}
}

func (c *TcpConnection) StartRead() {
	c.loop.RunInLoop(c.startReadInLoop)
}

func (c *TcpConnection) StopRead() {
	c.loop.RunInLoop(c.stopReadInLoop)
}

func (c *TcpConnection) startReadInLoop() {
	c.loop.AssertInLoopThread()
	if !c.reading || !c.channel.IsReading() {
		c.channel.EnableReading()
		c.reading = true
	}
}

func (c *TcpConnection) stopReadInLoop() {
	c.loop.AssertInLoopThread()
	if c.reading || c.channel.IsReading() {
		c.channel.DisableReading()
		c.reading = false
	}
}

// ConnectEstablished is called once by the owner on the connection's loop.
func (c *TcpConnection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		log.Logger.DPanic("conn: established twice", zap.String("conn", c.name), zap.String("state", c.StateString()))
		return
	}
	c.channel.EnableReading()
	c.connectionCallback(c)
}

// ConnectDestroyed is the last call a connection receives. It must run as a
// queued functor, never from inside the connection's own event handling.
func (c *TcpConnection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if s := c.State(); s == StateConnected || s == StateDisconnecting {
		c.setState(StateDisconnected)
		c.channel.DisableAll()
		c.connectionCallback(c)
	}
	c.channel.Remove()
	c.channel.assertReleasable()
	if err := unix.Close(c.fd); err != nil {
		log.Logger.Error("conn: close fd failed", zap.String("conn", c.name), zap.Int("fd", c.fd), zap.Error(err))
	}
	log.Logger.Debug("conn: destroyed", zap.String("conn", c.name), zap.Int("fd", c.fd))
}

// handleRead and handleWrite are only reached from the loop's dispatch.
func (c *TcpConnection) handleRead(receiveTime time.Time) {
	n, err := c.inputBuffer.ReadFd(c.fd)
	switch {
	case n > 0:
		c.messageCallback(c, c.inputBuffer, receiveTime)
	case err == nil:
		c.handleClose()
	case IsTemporaryError(err):
	default:
		log.Logger.Error("conn: read failed", zap.String("conn", c.name), zap.Error(err))
		c.handleError()
		c.handleClose()
	}
}

func (c *TcpConnection) handleWrite() {
	if !c.channel.IsWriting() {
		log.Logger.Debug("conn: down, no more writing", zap.String("conn", c.name), zap.Int("fd", c.fd))
		return
	}

	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if IsTemporaryError(err) {
			return
		}
		log.Logger.Error("conn: write failed", zap.String("conn", c.name), zap.Error(err))
		c.handleError()
		c.handleClose()
		return
	}

	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() > 0 {
		return
	}
	c.channel.DisableWriting()
	c.queueWriteComplete()
	if c.State() == StateDisconnecting {
		c.shutdownInLoop()
	}
}

// queueWriteComplete binds the callback now; a later Set does not affect an
// already queued notification.
func (c *TcpConnection) queueWriteComplete() {
	if cb := c.writeCompleteCallback; cb != nil {
		c.loop.QueueInLoop(func() { cb(c) })
	}
}

// handleClose runs the close sequence at most once. Interest is dropped
// before any callback so none of them sees an armed channel.
func (c *TcpConnection) handleClose() {
	c.loop.AssertInLoopThread()
	if c.State() == StateDisconnected {
		return
	}
	log.Logger.Debug("conn: closing", zap.String("conn", c.name), zap.Int("fd", c.fd), zap.String("state", c.StateString()))
	c.setState(StateDisconnected)
	c.channel.DisableAll()

	c.connectionCallback(c)
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	log.Logger.Error("conn: socket error", zap.String("conn", c.name), zap.NamedError("so_error", getSocketError(c.fd)))
}
