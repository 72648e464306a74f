//go:build linux
// +build linux

package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimersFireInExpirationOrder(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	var order []string
	loop.RunAfter(30*time.Millisecond, func() { order = append(order, "c") })
	loop.RunAfter(10*time.Millisecond, func() { order = append(order, "a") })
	loop.RunAfter(20*time.Millisecond, func() { order = append(order, "b") })
	loop.RunAfter(50*time.Millisecond, loop.Quit)
	loop.Loop()

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Zero(t, loop.timerQueue.Len())
}

func TestTimersWithSameExpirationStayDistinct(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	when := time.Now().Add(10 * time.Millisecond)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		loop.RunAt(when, func() { order = append(order, i) })
	}
	assert.Equal(t, 3, loop.timerQueue.Len())

	loop.RunAfter(30*time.Millisecond, loop.Quit)
	loop.Loop()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestTimerInThePastFiresImmediately(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	fired := false
	loop.RunAt(time.Now().Add(-time.Hour), func() {
		fired = true
		loop.Quit()
	})
	start := time.Now()
	loop.Loop()
	assert.True(t, fired)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCancelBeforeExpiration(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	fired := false
	id := loop.RunAfter(10*time.Millisecond, func() { fired = true })
	assert.True(t, id.Valid())
	loop.Cancel(id)
	assert.Zero(t, loop.timerQueue.Len())

	loop.RunAfter(40*time.Millisecond, loop.Quit)
	loop.Loop()
	assert.False(t, fired)
}

func TestCancelStaleAndZeroHandles(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	count := 0
	id := loop.RunAfter(time.Millisecond, func() { count++ })
	loop.RunAfter(20*time.Millisecond, loop.Quit)
	loop.Loop()
	require.Equal(t, 1, count)

	assert.NotPanics(t, func() {
		loop.Cancel(id)
		loop.Cancel(TimerID{})
	})
	assert.False(t, TimerID{}.Valid())
}

func TestRepeatingTimerCanceledFromItsOwnCallback(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	count := 0
	var id TimerID
	id = loop.RunEvery(5*time.Millisecond, func() {
		count++
		if count == 3 {
			loop.Cancel(id)
		}
	})
	loop.RunAfter(80*time.Millisecond, loop.Quit)
	loop.Loop()

	assert.Equal(t, 3, count)
}

func TestRepeatingTimerCanceledBySiblingInSameBatch(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	when := time.Now().Add(10 * time.Millisecond)
	victimRuns, killerRuns := 0, 0
	victim := loop.timerQueue.AddTimer(func() { victimRuns++ }, when, 10*time.Millisecond)
	loop.timerQueue.AddTimer(func() {
		killerRuns++
		if killerRuns == 1 {
			loop.Cancel(victim)
		}
	}, when, 10*time.Millisecond)

	loop.RunAfter(55*time.Millisecond, loop.Quit)
	loop.Loop()

	assert.Equal(t, 1, victimRuns, "the victim ran in the batch but was not re-armed")
	assert.GreaterOrEqual(t, killerRuns, 3)
}

func TestAddTimerFromOtherGoroutine(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	inLoop := false
	go func() {
		defer wg.Done()
		loop.RunAfter(5*time.Millisecond, func() {
			inLoop = loop.IsInLoopThread()
			loop.Quit()
		})
	}()
	loop.Loop()
	wg.Wait()
	assert.True(t, inLoop)
}

func TestTimerEntryOrdering(t *testing.T) {
	now := time.Now()
	a := timerEntry{when: now, sequence: 2}
	b := timerEntry{when: now, sequence: 3}
	c := timerEntry{when: now.Add(time.Nanosecond), sequence: 1}

	assert.True(t, timerEntryLess(a, b))
	assert.False(t, timerEntryLess(b, a))
	assert.True(t, timerEntryLess(b, c))
	assert.False(t, timerEntryLess(a, a))
}
