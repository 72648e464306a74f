//go:build linux
// +build linux

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRunInLoopFromOtherGoroutine(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	ranInLoop := false
	go loop.RunInLoop(func() {
		ranInLoop = loop.IsInLoopThread()
		loop.Quit()
	})
	loop.Loop()
	assert.True(t, ranInLoop)
}

func TestRunInLoopOnOwnerRunsImmediately(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	ran := false
	loop.RunInLoop(func() { ran = true })
	assert.True(t, ran)
	assert.Zero(t, loop.QueueSize())

	loop.QueueInLoop(func() {})
	assert.Equal(t, 1, loop.QueueSize())
}

func TestQuitFromOtherGoroutineIsPrompt(t *testing.T) {
	for _, kind := range []PollerKind{PollerEpoll, PollerPoll} {
		t.Run(kind.String(), func(t *testing.T) {
			loop := NewEventLoop(WithPoller(kind), WithPollTimeout(10*time.Second))
			defer loop.Close()

			go func() {
				time.Sleep(50 * time.Millisecond)
				loop.Quit()
			}()
			start := time.Now()
			loop.Loop()
			assert.Less(t, time.Since(start), 2*time.Second)
			assert.False(t, loop.Looping())
		})
	}
}

func TestQueueInLoopDuringDrainWakesLoop(t *testing.T) {
	loop := NewEventLoop(WithPollTimeout(10 * time.Second))
	defer loop.Close()

	var start time.Time
	go loop.QueueInLoop(func() {
		start = time.Now()
		loop.QueueInLoop(loop.Quit)
	})
	loop.Loop()
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestQuitBeforeLoopReturnsImmediately(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	loop.Quit()
	loop.Loop()
	assert.Zero(t, loop.Iteration())
}

func TestLoopCountsIterations(t *testing.T) {
	loop := NewEventLoop(WithPollTimeout(10 * time.Millisecond))
	defer loop.Close()

	loop.RunAfter(35*time.Millisecond, loop.Quit)
	loop.Loop()
	assert.GreaterOrEqual(t, loop.Iteration(), int64(2))
	assert.False(t, loop.PollReturnTime().IsZero())
}

func TestSecondLoopOnSameGoroutineIsFatal(t *testing.T) {
	loop := NewEventLoop()
	assert.Panics(t, func() { NewEventLoop() })

	require.NoError(t, loop.Close())
	again := NewEventLoop()
	assert.NoError(t, again.Close())
}

func TestCallingOffLoopIsFatal(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	r, _ := newPipe(t)
	ch := NewChannel(loop, r)

	panicked := make(chan bool)
	go func() {
		defer func() { panicked <- recover() != nil }()
		ch.EnableReading()
	}()
	assert.True(t, <-panicked)
	assert.False(t, loop.HasChannel(ch))
}

func TestCloseWhileLoopingFails(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	var err error
	loop.QueueInLoop(func() {
		err = loop.Close()
		loop.Quit()
	})
	loop.Wakeup()
	loop.Loop()
	assert.ErrorIs(t, err, ErrLoopLooping)
}

func TestCloseTwice(t *testing.T) {
	loop := NewEventLoop()
	require.NoError(t, loop.Close())
	assert.ErrorIs(t, loop.Close(), ErrLoopClosed)
}

func TestCloseRunsQueuedFunctors(t *testing.T) {
	loop := NewEventLoop()
	ran := false
	loop.QueueInLoop(func() { ran = true })
	require.NoError(t, loop.Close())
	assert.True(t, ran)
}

func TestWakeupAfterCloseLeavesReusedFdAlone(t *testing.T) {
	loop := NewEventLoop()
	old := loop.wakeupFd
	require.NoError(t, loop.Close())

	// put a fresh eventfd on the number the loop used to own
	efd := createEventfd()
	require.NoError(t, unix.Dup3(efd, old, unix.O_CLOEXEC))
	require.NoError(t, unix.Close(efd))
	defer unix.Close(old)

	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Wakeup()
		loop.Quit()
	}()
	<-done

	var counter [8]byte
	_, err := unix.Read(old, counter[:])
	assert.ErrorIs(t, err, unix.EAGAIN)
}

func TestWakeupRacingClose(t *testing.T) {
	loop := NewEventLoop()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				loop.Wakeup()
			}
		}
	}()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, loop.Close())
	close(stop)
	<-done
	assert.Equal(t, -1, loop.wakeupFd)
}

func BenchmarkIsInLoopThread(b *testing.B) {
	loop := NewEventLoop()
	defer loop.Close()
	for i := 0; i < b.N; i++ {
		if !loop.IsInLoopThread() {
			b.Fatal("not on the loop goroutine")
		}
	}
}
