//go:build linux
// +build linux

package reactor

import (
	"fmt"
	"sync"

	"github.com/fzft/go-reactor/inet"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TcpClient keeps at most one connection to a server, optionally reconnecting
// whenever it closes.
type TcpClient struct {
	loop      *EventLoop
	connector *Connector
	name      string

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	retry   atomic.Bool
	connect atomic.Bool

	// loop goroutine only
	nextConnID int64

	mu         sync.Mutex
	connection *TcpConnection
}

func NewTcpClient(loop *EventLoop, serverAddr inet.InetAddress, name string) *TcpClient {
	if loop == nil {
		log.Logger.Fatal("tcpclient: nil loop", zap.String("client", name))
	}
	c := &TcpClient{
		loop:               loop,
		connector:          NewConnector(loop, serverAddr),
		name:               name,
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
		nextConnID:         1,
	}
	c.connect.Store(true)
	c.connector.SetNewConnectionCallback(c.newConnection)
	return c
}

func (c *TcpClient) Loop() *EventLoop { return c.loop }
func (c *TcpClient) Name() string { return c.name }
func (c *TcpClient) Retry() bool { return c.retry.Load() }
func (c *TcpClient) EnableRetry() { c.retry.Store(true) }
func (c *TcpClient) Connector() *Connector { return c.connector }

func (c *TcpClient) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }
func (c *TcpClient) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }
func (c *TcpClient) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// Connection returns the live connection, or nil.
func (c *TcpClient) Connection() *TcpConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection
}

func (c *TcpClient) Connect() {
	log.Logger.Info("tcpclient: connecting",
		zap.String("client", c.name), zap.Stringer("server", c.connector.ServerAddress()))
	c.connect.Store(true)
	c.connector.Start()
}

// Disconnect half-closes the live connection and disables reconnecting.
func (c *TcpClient) Disconnect() {
	c.connect.Store(false)
	if conn := c.Connection(); conn != nil {
		conn.Shutdown()
	}
}

// Stop abandons connecting. A live connection is left alone.
func (c *TcpClient) Stop() {
	c.connect.Store(false)
	c.connector.Stop()
}

// Close releases the client: reconnecting is disabled, a live connection is
// force closed and a pending connect is abandoned.
func (c *TcpClient) Close() {
	log.Logger.Info("tcpclient: closing", zap.String("client", c.name))
	c.connect.Store(false)
	if conn := c.Connection(); conn != nil {
		conn.ForceClose()
	}
	c.connector.Stop()
}

func (c *TcpClient) newConnection(fd int) {
	c.loop.AssertInLoopThread()
	peer := getPeerAddr(fd)
	id := c.nextConnID
	c.nextConnID++
	connName := fmt.Sprintf("%s:%s#%d", c.name, peer.ToIPPort(), id)

	conn := NewTcpConnection(c.loop, connName, id, fd, getLocalAddr(fd), peer)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.SetCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.connection = conn
	c.mu.Unlock()
	conn.ConnectEstablished()
}

func (c *TcpClient) removeConnection(conn *TcpConnection) {
	c.loop.AssertInLoopThread()
	c.mu.Lock()
	if c.connection == conn {
		c.connection = nil
	}
	c.mu.Unlock()

	c.loop.QueueInLoop(conn.ConnectDestroyed)
	if c.retry.Load() && c.connect.Load() {
		log.Logger.Info("tcpclient: reconnecting",
			zap.String("client", c.name), zap.Stringer("server", c.connector.ServerAddress()))
		c.connector.Restart()
	}
}
