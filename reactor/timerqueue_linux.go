//go:build linux
// +build linux

package reactor

import (
	"math"
	"os"
	"time"
	"unsafe"

	"github.com/fzft/go-reactor/log"
	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const minTimerfdDelay = 100 * time.Microsecond

// timerEntry orders timers by expiration; the sequence breaks ties so two
// timers due at the same instant stay distinct.
type timerEntry struct {
	when     time.Time
	sequence int64
	timer    *Timer
}

func timerEntryLess(a, b timerEntry) bool {
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.sequence < b.sequence
}

// TimerQueue keeps the loop's timers in expiration order behind one timerfd
// that is always armed to the earliest entry. All state is confined to the
// owning loop.
type TimerQueue struct {
	loop    *EventLoop
	timerfd int
	channel *Channel

	timers *btree.BTreeG[timerEntry]
	active map[int64]*Timer

	callingExpiredTimers bool
	canceling            map[int64]*Timer
}

func newTimerQueue(loop *EventLoop) *TimerQueue {
	fd := createTimerfd()
	q := &TimerQueue{
		loop:      loop,
		timerfd:   fd,
		channel:   NewChannel(loop, fd),
		timers:    btree.NewG[timerEntry](32, timerEntryLess),
		active:    make(map[int64]*Timer),
		canceling: make(map[int64]*Timer),
	}
	q.channel.SetReadCallback(q.handleRead)
	q.channel.EnableReading()
	return q
}

// AddTimer schedules cb at when, repeating every interval if it is positive.
// Safe from any goroutine; the insertion itself happens on the loop.
func (q *TimerQueue) AddTimer(cb TimerCallback, when time.Time, interval time.Duration) TimerID {
	t := newTimer(cb, when, interval)
	q.loop.RunInLoop(func() { q.addTimerInLoop(t) })
	return TimerID{timer: t, sequence: t.sequence}
}

// Cancel is safe from any goroutine.
func (q *TimerQueue) Cancel(id TimerID) {
	q.loop.RunInLoop(func() { q.cancelInLoop(id) })
}

// Len is the number of pending timers. Loop goroutine only.
func (q *TimerQueue) Len() int {
	return q.timers.Len()
}

func (q *TimerQueue) addTimerInLoop(t *Timer) {
	q.loop.AssertInLoopThread()
	if q.insert(t) {
		resetTimerfd(q.timerfd, t.expiration)
	}
}

func (q *TimerQueue) cancelInLoop(id TimerID) {
	q.loop.AssertInLoopThread()
	if !id.Valid() {
		return
	}
	if t, ok := q.active[id.sequence]; ok && t == id.timer {
		q.timers.Delete(timerEntry{when: t.expiration, sequence: t.sequence})
		delete(q.active, id.sequence)
	} else if q.callingExpiredTimers {
		q.canceling[id.sequence] = id.timer
	}
}

func (q *TimerQueue) handleRead(time.Time) {
	q.loop.AssertInLoopThread()
	now := time.Now()
	readTimerfd(q.timerfd, now)

	expired := q.getExpired(now)

	q.callingExpiredTimers = true
	clear(q.canceling)
	for _, t := range expired {
		t.run()
	}
	q.callingExpiredTimers = false

	q.reset(expired, now)
}

// getExpired removes and returns every timer due at or before now.
func (q *TimerQueue) getExpired(now time.Time) []*Timer {
	sentinel := timerEntry{when: now, sequence: math.MaxInt64}
	var expired []*Timer
	q.timers.AscendLessThan(sentinel, func(e timerEntry) bool {
		expired = append(expired, e.timer)
		return true
	})
	for _, t := range expired {
		q.timers.Delete(timerEntry{when: t.expiration, sequence: t.sequence})
		delete(q.active, t.sequence)
	}
	return expired
}

func (q *TimerQueue) reset(expired []*Timer, now time.Time) {
	for _, t := range expired {
		if _, canceled := q.canceling[t.sequence]; t.repeat && !canceled {
			t.restart(now)
			q.insert(t)
		}
	}
	if first, ok := q.timers.Min(); ok {
		resetTimerfd(q.timerfd, first.when)
	}
}

// insert reports whether t became the earliest timer.
func (q *TimerQueue) insert(t *Timer) bool {
	earliestChanged := true
	if first, ok := q.timers.Min(); ok && !t.expiration.Before(first.when) {
		earliestChanged = false
	}
	q.timers.ReplaceOrInsert(timerEntry{when: t.expiration, sequence: t.sequence, timer: t})
	q.active[t.sequence] = t
	return earliestChanged
}

// Close releases the timerfd. Loop goroutine only, after the loop stopped.
func (q *TimerQueue) Close() error {
	q.channel.DisableAll()
	q.channel.Remove()
	q.timers.Clear(false)
	clear(q.active)
	return os.NewSyscallError("close", unix.Close(q.timerfd))
}

func createTimerfd() int {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		log.Logger.Fatal("timerqueue: create timerfd failed", zap.Error(os.NewSyscallError("timerfd_create", err)))
	}
	return fd
}

// resetTimerfd arms fd relative to now. The delay is clamped because a zero
// it_value would disarm the timer instead of firing it.
func resetTimerfd(fd int, expiration time.Time) {
	delay := time.Until(expiration)
	if delay < minTimerfdDelay {
		delay = minTimerfdDelay
	}
	newValue := unix.ItimerSpec{Value: unix.NsecToTimespec(delay.Nanoseconds())}
	var oldValue unix.ItimerSpec
	if err := unix.TimerfdSettime(fd, 0, &newValue, &oldValue); err != nil {
		log.Logger.Error("timerqueue: timerfd_settime failed", zap.Int("fd", fd), zap.Error(err))
	}
}

func readTimerfd(fd int, now time.Time) {
	var howmany uint64
	n, err := unix.Read(fd, (*(*[8]byte)(unsafe.Pointer(&howmany)))[:])
	if err != nil {
		if !IsTemporaryError(err) {
			log.Logger.Error("timerqueue: read timerfd failed", zap.Int("fd", fd), zap.Error(err))
		}
		return
	}
	if n != 8 {
		log.Logger.Error("timerqueue: short read from timerfd", zap.Int("fd", fd), zap.Int("n", n))
		return
	}
	log.Logger.Debug("timerqueue: timerfd fired", zap.Uint64("count", howmany), zap.Time("at", now))
}
