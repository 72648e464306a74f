//go:build linux
// +build linux

package reactor

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fzft/go-reactor/buffer"
	"github.com/fzft/go-reactor/inet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerAssignsLoopsRoundRobin(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	server := NewTcpServer(loop, inet.Loopback(0), "rr")
	server.SetThreadNum(2)
	established := make(chan *TcpConnection, 3)
	server.SetConnectionCallback(func(c *TcpConnection) {
		if c.Connected() {
			established <- c
		}
	})
	server.Start()
	server.Start()
	assert.True(t, server.Started())
	loops := server.ThreadPool().GetAllLoops()
	require.Len(t, loops, 2)

	addr := server.ListenAddress().ToIPPort()
	var clients []net.Conn
	var conns []*TcpConnection
	go func() {
		defer loop.Quit()
		for i := 0; i < 3; i++ {
			c, err := net.Dial("tcp", addr)
			if !assert.NoError(t, err) {
				return
			}
			clients = append(clients, c)
			conns = append(conns, <-established)
		}
		assert.Equal(t, 3, server.ConnectionCount())
	}()
	loop.Loop()
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	require.Len(t, conns, 3)
	wantLoops := []*EventLoop{loops[0], loops[1], loops[0]}
	for i, c := range conns {
		assert.Equal(t, int64(i+1), c.ID())
		assert.Same(t, wantLoops[i], c.Loop())
		assert.True(t, strings.HasPrefix(c.Name(), "rr-"+server.IPPort()+"#"))
		assert.True(t, strings.HasSuffix(c.Name(), "#"+string(rune('1'+i))))
	}

	require.NoError(t, server.Close())
	assert.Zero(t, server.ConnectionCount())
}

func TestServerEchoesToClient(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	server := NewTcpServer(loop, inet.Loopback(0), "echo")
	server.SetThreadNum(1)
	server.SetMessageCallback(func(c *TcpConnection, buf *buffer.Buffer, _ time.Time) {
		assert.NoError(t, c.SendBuffer(buf))
	})
	server.Start()

	clientThread := NewEventLoopThread(nil, "client")
	clientLoop := clientThread.StartLoop()

	client := NewTcpClient(clientLoop, server.ListenAddress(), "pinger")
	client.SetConnectionCallback(func(c *TcpConnection) {
		if c.Connected() {
			assert.NoError(t, c.SendString("ping"))
		}
	})
	echoed := make(chan string, 1)
	var got strings.Builder
	client.SetMessageCallback(func(c *TcpConnection, buf *buffer.Buffer, _ time.Time) {
		got.WriteString(buf.RetrieveAllAsString())
		if got.Len() >= len("ping") {
			echoed <- got.String()
		}
	})
	client.Connect()

	var reply string
	go func() {
		select {
		case reply = <-echoed:
		case <-time.After(5 * time.Second):
		}
		loop.Quit()
	}()
	loop.Loop()

	assert.Equal(t, "ping", reply)
	client.Close()
	assert.NoError(t, clientThread.Stop())
	assert.NoError(t, server.Close())
}

func TestServerRemovesClosedConnections(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	server := NewTcpServer(loop, inet.Loopback(0), "count", WithReusePort(true))
	up := make(chan struct{}, 1)
	down := make(chan struct{}, 1)
	server.SetConnectionCallback(func(c *TcpConnection) {
		if c.Connected() {
			up <- struct{}{}
		} else {
			down <- struct{}{}
		}
	})
	server.Start()

	addr := server.ListenAddress().ToIPPort()
	var countWhileUp int
	go func() {
		defer loop.Quit()
		c, err := net.Dial("tcp", addr)
		if !assert.NoError(t, err) {
			return
		}
		<-up
		countWhileUp = server.ConnectionCount()
		c.Close()
		<-down
	}()
	loop.Loop()

	assert.Equal(t, 1, countWhileUp)
	assert.Zero(t, server.ConnectionCount())
	assert.NoError(t, server.Close())
}
