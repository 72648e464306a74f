//go:build linux
// +build linux

package reactor

import (
	"fmt"

	"github.com/fzft/go-reactor/inet"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type serverOptions struct {
	reusePort   bool
	loopOptions []LoopOption
}

type ServerOption func(*serverOptions)

// WithReusePort sets SO_REUSEPORT on the listening socket.
func WithReusePort(on bool) ServerOption {
	return func(o *serverOptions) {
		o.reusePort = on
	}
}

// WithIOLoopOptions configures the loops started by the server's pool.
func WithIOLoopOptions(opts ...LoopOption) ServerOption {
	return func(o *serverOptions) {
		o.loopOptions = append(o.loopOptions, opts...)
	}
}

// TcpServer accepts on its base loop and spreads connections over the IO
// loops of its pool. Connection bookkeeping lives on the base loop; each
// connection runs entirely on the IO loop it was assigned.
type TcpServer struct {
	loop       *EventLoop
	name       string
	ipPort     string
	acceptor   *Acceptor
	threadPool *EventLoopThreadPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	highWaterMark         int
	threadInitCallback    ThreadInitCallback

	started   atomic.Bool
	connCount atomic.Int64

	// base loop only
	nextConnID  int64
	connections map[string]*TcpConnection
}

func NewTcpServer(loop *EventLoop, listenAddr inet.InetAddress, name string, opts ...ServerOption) *TcpServer {
	if loop == nil {
		log.Logger.Fatal("tcpserver: nil loop", zap.String("server", name))
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &TcpServer{
		loop:               loop,
		name:               name,
		acceptor:           NewAcceptor(loop, listenAddr, o.reusePort),
		threadPool:         NewEventLoopThreadPool(loop, name, o.loopOptions...),
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
		highWaterMark:      defaultHighWaterMark,
		nextConnID:         1,
		connections:        make(map[string]*TcpConnection),
	}
	s.ipPort = s.acceptor.ListenAddress().ToIPPort()
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	return s
}

func (s *TcpServer) Name() string { return s.name }
func (s *TcpServer) IPPort() string { return s.ipPort }
func (s *TcpServer) Loop() *EventLoop { return s.loop }
func (s *TcpServer) ThreadPool() *EventLoopThreadPool { return s.threadPool }
func (s *TcpServer) ListenAddress() inet.InetAddress { return s.acceptor.ListenAddress() }
func (s *TcpServer) ConnectionCount() int { return int(s.connCount.Load()) }
func (s *TcpServer) Started() bool { return s.started.Load() }

// SetThreadNum sets the number of IO loops. 0 keeps every connection on the
// base loop. Call before Start.
func (s *TcpServer) SetThreadNum(n int) {
	if n < 0 {
		log.Logger.DPanic("tcpserver: negative thread count", zap.Int("threads", n))
		n = 0
	}
	s.threadPool.SetThreadNum(n)
}

func (s *TcpServer) SetThreadInitCallback(cb ThreadInitCallback) { s.threadInitCallback = cb }
func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

func (s *TcpServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = mark
}

// Start starts the pool and begins listening. Calling it again is harmless.
func (s *TcpServer) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.loop.RunInLoop(func() {
		s.threadPool.Start(s.threadInitCallback)
		s.acceptor.Listen()
		log.Logger.Info("tcpserver: listening", zap.String("server", s.name), zap.String("addr", s.ipPort))
	})
}

func (s *TcpServer) newConnection(fd int, peer inet.InetAddress) {
	s.loop.AssertInLoopThread()
	ioLoop := s.threadPool.GetNextLoop()
	id := s.nextConnID
	s.nextConnID++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, id)
	log.Logger.Info("tcpserver: new connection",
		zap.String("server", s.name), zap.String("conn", connName), zap.Stringer("peer", peer))

	conn := NewTcpConnection(ioLoop, connName, id, fd, getLocalAddr(fd), peer)
	s.connections[connName] = conn
	s.connCount.Inc()

	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	if s.highWaterMarkCallback != nil {
		conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	}
	conn.SetCloseCallback(s.removeConnection)
	ioLoop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection is the connection's close callback and runs on its IO
// loop. The map entry is dropped on the base loop, then the connection is
// destroyed back on its own loop.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.loop.AssertInLoopThread()
	log.Logger.Info("tcpserver: remove connection", zap.String("server", s.name), zap.String("conn", conn.Name()))
	if _, ok := s.connections[conn.Name()]; !ok {
		return
	}
	delete(s.connections, conn.Name())
	s.connCount.Dec()
	conn.Loop().QueueInLoop(conn.ConnectDestroyed)
}

// Close destroys every connection on its own loop, stops the IO loops and
// closes the listening socket. Base loop only.
func (s *TcpServer) Close() error {
	s.loop.AssertInLoopThread()
	log.Logger.Info("tcpserver: closing", zap.String("server", s.name), zap.Int("connections", len(s.connections)))
	for name, conn := range s.connections {
		delete(s.connections, name)
		conn.Loop().QueueInLoop(conn.ConnectDestroyed)
	}
	s.connCount.Store(0)
	return multierr.Combine(s.threadPool.Stop(), s.acceptor.Close())
}
