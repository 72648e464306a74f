package reactor

import (
	"time"

	"go.uber.org/atomic"
)

type TimerCallback func()

// numCreated hands out timer sequence numbers. Sequences start at 1 so the
// zero TimerID never resolves.
var numCreated atomic.Int64

// Timer is one scheduled callback. It is owned by its TimerQueue and only
// touched on the queue's loop.
type Timer struct {
	callback   TimerCallback
	expiration time.Time
	interval   time.Duration
	repeat     bool
	sequence   int64
}

func newTimer(cb TimerCallback, when time.Time, interval time.Duration) *Timer {
	return &Timer{
		callback:   cb,
		expiration: when,
		interval:   interval,
		repeat:     interval > 0,
		sequence:   numCreated.Inc(),
	}
}

func (t *Timer) run() {
	t.callback()
}

// restart moves a repeating timer to its next expiration; a one-shot timer
// gets the zero time.
func (t *Timer) restart(now time.Time) {
	if t.repeat {
		t.expiration = now.Add(t.interval)
	} else {
		t.expiration = time.Time{}
	}
}

func (t *Timer) Expiration() time.Time { return t.expiration }
func (t *Timer) Repeat() bool { return t.repeat }
func (t *Timer) Sequence() int64 { return t.sequence }

// TimerID is a weak handle to a scheduled timer. Cancel resolves it by
// sequence, so a handle to a timer that already fired or was canceled is
// simply absent.
type TimerID struct {
	timer    *Timer
	sequence int64
}

func (id TimerID) Valid() bool {
	return id.timer != nil && id.sequence > 0
}

func (id TimerID) Sequence() int64 {
	return id.sequence
}
