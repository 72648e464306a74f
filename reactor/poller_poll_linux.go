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

// pollPoller is the poll(2) poller. Channel.index is the channel's slot in
// pollfds; a slot with no interest keeps a negative fd so the kernel skips it.
type pollPoller struct {
	pollfds  []unix.PollFd
	channels map[int]*Channel
}

func newPollPoller() *pollPoller {
	return &pollPoller{channels: make(map[int]*Channel)}
}

func (p *pollPoller) Poll(timeout time.Duration, active *[]*Channel) time.Time {
	n, err := unix.Poll(p.pollfds, int(timeout/time.Millisecond))
	now := time.Now()
	switch {
	case err != nil:
		if err != unix.EINTR {
			log.Logger.Error("poll: failed", zap.Error(os.NewSyscallError("poll", err)))
		}
	case n == 0:
		log.Logger.Debug("poll: nothing happened")
	default:
		p.fillActiveChannels(n, active)
	}
	return now
}

func (p *pollPoller) fillActiveChannels(n int, active *[]*Channel) {
	for i := range p.pollfds {
		if n == 0 {
			break
		}
		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		n--
		ch, ok := p.channels[int(pfd.Fd)]
		if !ok {
			log.Logger.DPanic("poll: event for unknown fd", zap.Int32("fd", pfd.Fd))
			continue
		}
		ch.SetRevents(int(uint16(pfd.Revents)))
		*active = append(*active, ch)
	}
}

func (p *pollPoller) UpdateChannel(ch *Channel) {
	fd := ch.Fd()
	if ch.Index() < 0 {
		if _, ok := p.channels[fd]; ok {
			log.Logger.DPanic("poll: fd already tracked", zap.Int("fd", fd))
		}
		p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(fd), Events: int16(ch.Events())})
		ch.SetIndex(len(p.pollfds) - 1)
		p.channels[fd] = ch
		return
	}

	pfd := &p.pollfds[ch.Index()]
	pfd.Fd = int32(fd)
	pfd.Events = int16(ch.Events())
	pfd.Revents = 0
	if ch.IsNoneEvent() {
		pfd.Fd = int32(-fd - 1)
	}
}

func (p *pollPoller) RemoveChannel(ch *Channel) {
	fd := ch.Fd()
	if p.channels[fd] != ch {
		log.Logger.DPanic("poll: removing untracked channel", zap.Int("fd", fd))
		return
	}
	idx := ch.Index()
	delete(p.channels, fd)
	last := len(p.pollfds) - 1
	if idx != last {
		moved := int(p.pollfds[last].Fd)
		if moved < 0 {
			moved = -moved - 1
		}
		p.pollfds[idx] = p.pollfds[last]
		p.channels[moved].SetIndex(idx)
	}
	p.pollfds = p.pollfds[:last]
	ch.SetIndex(stateNew)
}

func (p *pollPoller) HasChannel(ch *Channel) bool {
	tracked, ok := p.channels[ch.Fd()]
	return ok && tracked == ch
}

func (p *pollPoller) Close() error {
	return nil
}
