package reactor

import "errors"

var (
	ErrLoopLooping  = errors.New("reactor: event loop is still looping")
	ErrLoopClosed   = errors.New("reactor: event loop closed")
	ErrNotConnected = errors.New("reactor: connection is not connected")
)
