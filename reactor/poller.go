//go:build linux
// +build linux

package reactor

import (
	"os"
	"time"
)

// Poller is the readiness multiplexer owned by one EventLoop. All methods run
// on the loop goroutine.
type Poller interface {
	// Poll blocks for at most timeout, appends the ready channels to active
	// in the order the kernel reported them and returns the wake-up time.
	Poll(timeout time.Duration, active *[]*Channel) time.Time
	UpdateChannel(ch *Channel)
	RemoveChannel(ch *Channel)
	HasChannel(ch *Channel) bool
	Close() error
}

type PollerKind int

const (
	PollerEpoll PollerKind = iota
	PollerPoll
)

func (k PollerKind) String() string {
	if k == PollerPoll {
		return "poll"
	}
	return "epoll"
}

// Registration state of a channel inside the epoll poller, kept in
// Channel.index.
const (
	stateNew     = -1
	stateAdded   = 1
	stateDeleted = 2
)

// usePollEnv forces poll(2) for every loop when set to any non-empty value.
const usePollEnv = "REACTOR_USE_POLL"

func newPoller(kind PollerKind) Poller {
	if kind == PollerPoll || os.Getenv(usePollEnv) != "" {
		return newPollPoller()
	}
	return newEpollPoller()
}
