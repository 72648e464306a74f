//go:build linux
// +build linux

package reactor

import (
	"strconv"
	"strings"
	"time"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	noneEvent  = 0
	readEvent  = unix.POLLIN | unix.POLLPRI
	writeEvent = unix.POLLOUT

	pollRdHup = unix.EPOLLRDHUP
)

type EventCallback func()

type ReadEventCallback func(receiveTime time.Time)

// Channel binds one fd to its interest set and event callbacks. It never owns
// the fd. Every method runs on the owning loop's goroutine.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  int
	revents int
	index   int // epoll registration state, or pollfd slot for poll(2)
	logHup  bool

	eventHandling bool
	addedToLoop   bool

	readCallback  ReadEventCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback
}

func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:   loop,
		fd:     fd,
		index:  stateNew,
		logHup: true,
	}
}

func (c *Channel) SetReadCallback(cb ReadEventCallback) { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb EventCallback) { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb EventCallback) { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb EventCallback) { c.errorCallback = cb }

func (c *Channel) Fd() int { return c.fd }
func (c *Channel) Events() int { return c.events }
func (c *Channel) SetRevents(revt int) { c.revents = revt }
func (c *Channel) Index() int { return c.index }
func (c *Channel) SetIndex(idx int) { c.index = idx }
func (c *Channel) OwnerLoop() *EventLoop { return c.loop }
func (c *Channel) DoNotLogHup() { c.logHup = false }

func (c *Channel) IsNoneEvent() bool { return c.events == noneEvent }
func (c *Channel) IsWriting() bool { return c.events&writeEvent != 0 }
func (c *Channel) IsReading() bool { return c.events&readEvent != 0 }

func (c *Channel) EnableReading() { c.events |= readEvent; c.update() }
func (c *Channel) DisableReading() { c.events &^= readEvent; c.update() }
func (c *Channel) EnableWriting() { c.events |= writeEvent; c.update() }
func (c *Channel) DisableWriting() { c.events &^= writeEvent; c.update() }
func (c *Channel) DisableAll() { c.events = noneEvent; c.update() }

// Remove unregisters the channel from its loop's poller. Interest must already
// be none.
func (c *Channel) Remove() {
	if !c.IsNoneEvent() {
		log.Logger.DPanic("channel: remove with interest still armed", zap.Int("fd", c.fd))
	}
	c.addedToLoop = false
	c.loop.RemoveChannel(c)
}

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.UpdateChannel(c)
}

// assertReleasable aborts when the channel's owner tries to release the fd
// while a callback on this channel is still on the stack.
func (c *Channel) assertReleasable() {
	if c.eventHandling {
		log.Logger.Fatal("channel: released during its own event dispatch", zap.Int("fd", c.fd))
	}
	if c.addedToLoop {
		log.Logger.Fatal("channel: released while still registered", zap.Int("fd", c.fd))
	}
}

// HandleEvent dispatches the readiness observed by the last poll to at most one
// callback, highest priority first.
func (c *Channel) HandleEvent(receiveTime time.Time) {
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	if c.revents&unix.POLLNVAL != 0 {
		log.Logger.Warn("channel: POLLNVAL", zap.Int("fd", c.fd))
	}

	switch {
	case c.revents&unix.POLLHUP != 0 && c.revents&unix.POLLIN == 0:
		if c.logHup {
			log.Logger.Warn("channel: POLLHUP", zap.Int("fd", c.fd))
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
	case c.revents&(unix.POLLERR|unix.POLLNVAL) != 0:
		if c.errorCallback != nil {
			c.errorCallback()
		}
	case c.revents&(unix.POLLIN|unix.POLLPRI|pollRdHup) != 0:
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	case c.revents&unix.POLLOUT != 0:
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

func (c *Channel) ReventsToString() string {
	return eventsToString(c.fd, c.revents)
}

func (c *Channel) EventsToString() string {
	return eventsToString(c.fd, c.events)
}

func eventsToString(fd, ev int) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(fd))
	b.WriteString(": ")
	names := []struct {
		bit  int
		name string
	}{
		{unix.POLLIN, "IN "},
		{unix.POLLPRI, "PRI "},
		{unix.POLLOUT, "OUT "},
		{unix.POLLHUP, "HUP "},
		{pollRdHup, "RDHUP "},
		{unix.POLLERR, "ERR "},
		{unix.POLLNVAL, "NVAL "},
	}
	for _, n := range names {
		if ev&n.bit != 0 {
			b.WriteString(n.name)
		}
	}
	return b.String()
}
