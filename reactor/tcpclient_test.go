//go:build linux
// +build linux

package reactor

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fzft/go-reactor/inet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientReconnectsWhenRetryEnabled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr, err := inet.Resolve(ln.Addr().String())
	require.NoError(t, err)

	accepted := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	loop := NewEventLoop()
	defer loop.Close()

	client := NewTcpClient(loop, addr, "retry")
	client.EnableRetry()
	assert.True(t, client.Retry())

	var names []string
	client.SetConnectionCallback(func(c *TcpConnection) {
		if !c.Connected() {
			return
		}
		names = append(names, c.Name())
		if len(names) == 2 {
			loop.Quit()
		}
	})
	client.Connect()

	go func() {
		first := <-accepted
		first.Close()
	}()
	loop.RunAfter(5*time.Second, loop.Quit)
	loop.Loop()

	require.Len(t, names, 2)
	assert.True(t, strings.HasSuffix(names[0], "#1"))
	assert.True(t, strings.HasSuffix(names[1], "#2"))
	assert.True(t, strings.HasPrefix(names[1], "retry:"+addr.ToIPPort()))

	conn := client.Connection()
	require.NotNil(t, conn)
	assert.True(t, conn.Connected())

	client.Close()
	loop.RunAfter(10*time.Millisecond, loop.Quit)
	loop.Loop()
	assert.Nil(t, client.Connection())
	assert.True(t, conn.Disconnected())

	second := <-accepted
	second.Close()
}

func TestClientWithoutRetryStaysDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr, err := inet.Resolve(ln.Addr().String())
	require.NoError(t, err)

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	loop := NewEventLoop()
	defer loop.Close()

	client := NewTcpClient(loop, addr, "once")
	downs := 0
	client.SetConnectionCallback(func(c *TcpConnection) {
		if !c.Connected() {
			downs++
			loop.RunAfter(50*time.Millisecond, loop.Quit)
		}
	})
	client.Connect()
	loop.Loop()

	assert.Equal(t, 1, downs)
	assert.Nil(t, client.Connection())
	assert.Equal(t, ConnectorConnected, client.Connector().State())
}

func TestClientStopBeforeConnect(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	client := NewTcpClient(loop, inet.Loopback(closedPort(t)), "stopped")
	client.Connect()
	client.Stop()
	loop.RunAfter(700*time.Millisecond, loop.Quit)
	loop.Loop()

	assert.Nil(t, client.Connection())
	assert.Equal(t, ConnectorDisconnected, client.Connector().State())
}
