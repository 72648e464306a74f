//go:build linux
// +build linux

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestChannelHandleEventPriority(t *testing.T) {
	cases := []struct {
		name    string
		revents int
		want    []string
	}{
		{"hup without in closes", unix.POLLHUP, []string{"close"}},
		{"hup with in reads", unix.POLLHUP | unix.POLLIN, []string{"read"}},
		{"error beats read", unix.POLLERR | unix.POLLIN, []string{"error"}},
		{"nval is an error", unix.POLLNVAL, []string{"error"}},
		{"rdhup reads", pollRdHup, []string{"read"}},
		{"read beats write", unix.POLLIN | unix.POLLOUT, []string{"read"}},
		{"write", unix.POLLOUT, []string{"write"}},
		{"nothing", 0, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var fired []string
			ch := NewChannel(nil, 3)
			ch.SetReadCallback(func(time.Time) { fired = append(fired, "read") })
			ch.SetWriteCallback(func() { fired = append(fired, "write") })
			ch.SetCloseCallback(func() { fired = append(fired, "close") })
			ch.SetErrorCallback(func() { fired = append(fired, "error") })

			ch.SetRevents(tc.revents)
			ch.HandleEvent(time.Now())
			assert.Equal(t, tc.want, fired)
			assert.False(t, ch.eventHandling)
		})
	}
}

func TestChannelMissingCallbacksAreSkipped(t *testing.T) {
	ch := NewChannel(nil, 3)
	ch.SetRevents(unix.POLLIN | unix.POLLOUT | unix.POLLHUP | unix.POLLERR)
	assert.NotPanics(t, func() { ch.HandleEvent(time.Now()) })
}

func TestEventsToString(t *testing.T) {
	ch := NewChannel(nil, 9)
	ch.events = readEvent | writeEvent
	assert.Equal(t, "9: IN PRI OUT ", ch.EventsToString())

	ch.SetRevents(unix.POLLHUP | unix.POLLERR)
	assert.Equal(t, "9: HUP ERR ", ch.ReventsToString())
}
