package reactor

import (
	"time"

	"github.com/fzft/go-reactor/buffer"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
)

type ConnectionCallback func(conn *TcpConnection)

type CloseCallback func(conn *TcpConnection)

type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback receives the output buffer size that crossed the mark.
type HighWaterMarkCallback func(conn *TcpConnection, queued int)

// MessageCallback gets the connection's input buffer; whatever it leaves
// unread stays buffered for the next call.
type MessageCallback func(conn *TcpConnection, buf *buffer.Buffer, receiveTime time.Time)

func DefaultConnectionCallback(conn *TcpConnection) {
	log.Logger.Debug("connection",
		zap.String("conn", conn.Name()),
		zap.Stringer("local", conn.LocalAddress()),
		zap.Stringer("peer", conn.PeerAddress()),
		zap.String("state", conn.StateString()))
}

func DefaultMessageCallback(_ *TcpConnection, buf *buffer.Buffer, _ time.Time) {
	buf.RetrieveAll()
}
