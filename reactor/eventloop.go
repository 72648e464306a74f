//go:build linux
// +build linux

package reactor

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultPollTimeout = 5 * time.Second

type Functor func()

type loopOptions struct {
	pollTimeout time.Duration
	poller      PollerKind
}

type LoopOption func(*loopOptions)

// WithPollTimeout bounds how long one poll call may block.
func WithPollTimeout(d time.Duration) LoopOption {
	return func(o *loopOptions) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

func WithPoller(kind PollerKind) LoopOption {
	return func(o *loopOptions) {
		o.poller = kind
	}
}

// EventLoop is a reactor bound to the goroutine that created it. Only Quit,
// RunInLoop, QueueInLoop, QueueSize, the timer methods and Wakeup may be
// called from other goroutines; everything else aborts the process when
// called off the loop.
type EventLoop struct {
	looping                atomic.Bool
	quit                   atomic.Bool
	closed                 atomic.Bool
	callingPendingFunctors atomic.Bool
	iteration              atomic.Int64

	goroutineID    uint64
	pollTimeout    time.Duration
	pollReturnTime time.Time

	poller     Poller
	timerQueue *TimerQueue

	// wakeupFd is read under mu by Wakeup; Close sets it to -1.
	wakeupFd      int
	wakeupChannel *Channel

	eventHandling        bool
	activeChannels       []*Channel
	currentActiveChannel *Channel

	// spare is the queue drained in the previous iteration, swapped back in.
	mu              sync.Mutex
	pendingFunctors *queue.Queue
	spare           *queue.Queue
}

// NewEventLoop creates a loop owned by the calling goroutine. Creating a
// second live loop on the same goroutine is fatal.
func NewEventLoop(opts ...LoopOption) *EventLoop {
	o := loopOptions{pollTimeout: defaultPollTimeout, poller: PollerEpoll}
	for _, opt := range opts {
		opt(&o)
	}

	l := &EventLoop{
		goroutineID:     getGoroutineID(),
		pollTimeout:     o.pollTimeout,
		pendingFunctors: queue.New(),
		spare:           queue.New(),
	}
	bindLoop(l.goroutineID, l)

	l.poller = newPoller(o.poller)
	l.wakeupFd = createEventfd()
	l.wakeupChannel = NewChannel(l, l.wakeupFd)
	l.timerQueue = newTimerQueue(l)

	l.wakeupChannel.SetReadCallback(l.handleWakeup)
	l.wakeupChannel.EnableReading()

	log.Logger.Debug("eventloop: created", zap.Stringer("loop", l), zap.Stringer("poller", o.poller))
	return l
}

// Loop runs poll, dispatch and pending functors until Quit. It must be
// called on the owning goroutine and must not be re-entered.
func (l *EventLoop) Loop() {
	l.AssertInLoopThread()
	if l.closed.Load() {
		log.Logger.DPanic("eventloop: loop on a closed loop", zap.Stringer("loop", l))
		return
	}
	if !l.looping.CompareAndSwap(false, true) {
		log.Logger.Fatal("eventloop: loop re-entered", zap.Stringer("loop", l))
	}
	log.Logger.Debug("eventloop: start looping", zap.Stringer("loop", l))

	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		l.pollReturnTime = l.poller.Poll(l.pollTimeout, &l.activeChannels)
		l.iteration.Inc()

		l.eventHandling = true
		for _, ch := range l.activeChannels {
			l.currentActiveChannel = ch
			ch.HandleEvent(l.pollReturnTime)
		}
		l.currentActiveChannel = nil
		l.eventHandling = false

		l.doPendingFunctors()
	}

	log.Logger.Debug("eventloop: stop looping", zap.Stringer("loop", l))
	l.quit.Store(false)
	l.looping.Store(false)
}

// Quit asks Loop to return after the current iteration. A Quit issued before
// Loop starts makes the next Loop return after zero iterations.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.Wakeup()
	}
}

// RunInLoop runs cb now when called on the loop, otherwise queues it.
func (l *EventLoop) RunInLoop(cb Functor) {
	if l.IsInLoopThread() {
		cb()
		return
	}
	l.QueueInLoop(cb)
}

// QueueInLoop defers cb to the pending-functor phase of the loop.
func (l *EventLoop) QueueInLoop(cb Functor) {
	l.mu.Lock()
	l.pendingFunctors.Add(cb)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPendingFunctors.Load() {
		l.Wakeup()
	}
}

func (l *EventLoop) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingFunctors.Length()
}

// RunAt runs cb at time when.
func (l *EventLoop) RunAt(when time.Time, cb TimerCallback) TimerID {
	return l.timerQueue.AddTimer(cb, when, 0)
}

// RunAfter runs cb once after delay.
func (l *EventLoop) RunAfter(delay time.Duration, cb TimerCallback) TimerID {
	return l.RunAt(time.Now().Add(delay), cb)
}

// RunEvery runs cb every interval, first after one interval.
func (l *EventLoop) RunEvery(interval time.Duration, cb TimerCallback) TimerID {
	return l.timerQueue.AddTimer(cb, time.Now().Add(interval), interval)
}

func (l *EventLoop) Cancel(id TimerID) {
	l.timerQueue.Cancel(id)
}

// Wakeup breaks a blocked poll call.
func (l *EventLoop) Wakeup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wakeupFd < 0 {
		return
	}
	writeEventfd(l.wakeupFd)
}

func (l *EventLoop) UpdateChannel(ch *Channel) {
	l.assertOwnsChannel(ch)
	l.poller.UpdateChannel(ch)
}

// RemoveChannel unregisters ch. During dispatch only the channel being
// handled or one that was not reported ready this iteration may be removed.
func (l *EventLoop) RemoveChannel(ch *Channel) {
	l.assertOwnsChannel(ch)
	if l.eventHandling && ch != l.currentActiveChannel {
		for _, active := range l.activeChannels {
			if active == ch {
				log.Logger.DPanic("eventloop: removing a channel still pending dispatch", zap.Int("fd", ch.Fd()))
			}
		}
	}
	l.poller.RemoveChannel(ch)
}

func (l *EventLoop) HasChannel(ch *Channel) bool {
	l.assertOwnsChannel(ch)
	return l.poller.HasChannel(ch)
}

func (l *EventLoop) assertOwnsChannel(ch *Channel) {
	if ch.OwnerLoop() != l {
		log.Logger.DPanic("eventloop: channel belongs to another loop", zap.Int("fd", ch.Fd()))
	}
	l.AssertInLoopThread()
}

// IsInLoopThread costs a runtime.Stack call, around a microsecond, so
// handlers reached only from dispatch skip it.
func (l *EventLoop) IsInLoopThread() bool {
	return getGoroutineID() == l.goroutineID
}

func (l *EventLoop) AssertInLoopThread() {
	if gid := getGoroutineID(); gid != l.goroutineID {
		log.Logger.Fatal("eventloop: called off the loop goroutine",
			zap.Stringer("loop", l), zap.Uint64("goroutine", gid))
	}
}

// PollReturnTime is when the last poll call returned. Loop goroutine only.
func (l *EventLoop) PollReturnTime() time.Time {
	return l.pollReturnTime
}

// Iteration counts completed poll calls.
func (l *EventLoop) Iteration() int64 {
	return l.iteration.Load()
}

func (l *EventLoop) Looping() bool {
	return l.looping.Load()
}

// Close releases the poller, timerfd and wakeup fd and frees the goroutine
// for another loop. The loop must have stopped.
func (l *EventLoop) Close() error {
	if l.looping.Load() {
		return ErrLoopLooping
	}
	l.AssertInLoopThread()
	if !l.closed.CompareAndSwap(false, true) {
		return ErrLoopClosed
	}

	// functors queued after the last drain still get to release what they
	// own while the poller is alive
	for l.QueueSize() > 0 {
		l.doPendingFunctors()
	}

	l.wakeupChannel.DisableAll()
	l.wakeupChannel.Remove()
	l.mu.Lock()
	wakeupErr := unix.Close(l.wakeupFd)
	l.wakeupFd = -1
	l.mu.Unlock()
	err := multierr.Combine(
		l.timerQueue.Close(),
		os.NewSyscallError("close", wakeupErr),
		l.poller.Close(),
	)
	unbindLoop(l.goroutineID, l)
	return err
}

func (l *EventLoop) String() string {
	return fmt.Sprintf("EventLoop(%p, goroutine %d)", l, l.goroutineID)
}

func (l *EventLoop) handleWakeup(time.Time) {
	readEventfd(l.wakeupFd)
}

func (l *EventLoop) doPendingFunctors() {
	l.callingPendingFunctors.Store(true)

	l.mu.Lock()
	functors := l.pendingFunctors
	l.pendingFunctors = l.spare
	l.mu.Unlock()

	for functors.Length() > 0 {
		functors.Remove().(Functor)()
	}
	l.spare = functors

	l.callingPendingFunctors.Store(false)
}
