//go:build linux
// +build linux

package reactor

import (
	"os"
	"time"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const initEventListSize = 16

// epollPoller is a level-triggered epoll(7) poller. The kernel hands back the
// fd of each ready entry and channels looks the Channel up again.
type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newEpollPoller() *epollPoller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Logger.Fatal("epoll: create failed", zap.Error(os.NewSyscallError("epoll_create1", err)))
	}
	return &epollPoller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*Channel),
	}
}

func (p *epollPoller) Poll(timeout time.Duration, active *[]*Channel) time.Time {
	n, err := unix.EpollWait(p.epfd, p.events, int(timeout/time.Millisecond))
	now := time.Now()
	switch {
	case err != nil:
		if err != unix.EINTR {
			log.Logger.Error("epoll: wait failed", zap.Error(os.NewSyscallError("epoll_wait", err)))
		}
	case n == 0:
		log.Logger.Debug("epoll: nothing happened")
	default:
		p.fillActiveChannels(n, active)
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, 2*len(p.events))
		}
	}
	return now
}

func (p *epollPoller) fillActiveChannels(n int, active *[]*Channel) {
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			log.Logger.DPanic("epoll: event for unknown fd", zap.Int32("fd", ev.Fd))
			continue
		}
		ch.SetRevents(int(ev.Events))
		*active = append(*active, ch)
	}
}

func (p *epollPoller) UpdateChannel(ch *Channel) {
	fd := ch.Fd()
	switch idx := ch.Index(); idx {
	case stateNew, stateDeleted:
		if idx == stateNew {
			if _, ok := p.channels[fd]; ok {
				log.Logger.DPanic("epoll: fd already tracked", zap.Int("fd", fd))
			}
			p.channels[fd] = ch
		} else if p.channels[fd] != ch {
			log.Logger.DPanic("epoll: deleted fd tracked by another channel", zap.Int("fd", fd))
		}
		ch.SetIndex(stateAdded)
		p.ctl(unix.EPOLL_CTL_ADD, ch)
	default:
		if p.channels[fd] != ch {
			log.Logger.DPanic("epoll: added fd tracked by another channel", zap.Int("fd", fd))
		}
		if ch.IsNoneEvent() {
			p.ctl(unix.EPOLL_CTL_DEL, ch)
			ch.SetIndex(stateDeleted)
		} else {
			p.ctl(unix.EPOLL_CTL_MOD, ch)
		}
	}
}

func (p *epollPoller) RemoveChannel(ch *Channel) {
	fd := ch.Fd()
	if p.channels[fd] != ch {
		log.Logger.DPanic("epoll: removing untracked channel", zap.Int("fd", fd))
		return
	}
	idx := ch.Index()
	delete(p.channels, fd)
	if idx == stateAdded {
		p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	ch.SetIndex(stateNew)
}

func (p *epollPoller) HasChannel(ch *Channel) bool {
	tracked, ok := p.channels[ch.Fd()]
	return ok && tracked == ch
}

func (p *epollPoller) ctl(op int, ch *Channel) {
	ev := unix.EpollEvent{Events: uint32(ch.Events()), Fd: int32(ch.Fd())}
	if err := unix.EpollCtl(p.epfd, op, ch.Fd(), &ev); err != nil {
		err = os.NewSyscallError("epoll_ctl "+ctlOpString(op), err)
		if op == unix.EPOLL_CTL_DEL {
			log.Logger.Error("epoll: ctl failed", zap.Int("fd", ch.Fd()), zap.Error(err))
			return
		}
		log.Logger.Fatal("epoll: ctl failed", zap.Int("fd", ch.Fd()), zap.Error(err))
	}
}

func (p *epollPoller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.epfd))
}

func ctlOpString(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "add"
	case unix.EPOLL_CTL_MOD:
		return "mod"
	case unix.EPOLL_CTL_DEL:
		return "del"
	}
	return "unknown"
}
