//go:build linux
// +build linux

package reactor

import (
	"runtime"
	"sync"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
)

type ThreadInitCallback func(loop *EventLoop)

// EventLoopThread runs one EventLoop on a dedicated goroutine locked to its
// own OS thread.
type EventLoopThread struct {
	name         string
	opts         []LoopOption
	initCallback ThreadInitCallback

	mu       sync.Mutex
	cond     *sync.Cond
	loop     *EventLoop
	closeErr error
	done     chan struct{}
}

func NewEventLoopThread(initCb ThreadInitCallback, name string, opts ...LoopOption) *EventLoopThread {
	t := &EventLoopThread{
		name:         name,
		opts:         opts,
		initCallback: initCb,
		done:         make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop starts the goroutine and blocks until its loop exists.
func (t *EventLoopThread) StartLoop() *EventLoop {
	go t.threadFunc()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.loop == nil {
		t.cond.Wait()
	}
	return t.loop
}

func (t *EventLoopThread) threadFunc() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	loop := NewEventLoop(t.opts...)
	if t.initCallback != nil {
		t.initCallback(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()

	err := loop.Close()
	if err != nil {
		log.Logger.Error("eventloop thread: close loop failed", zap.String("thread", t.name), zap.Error(err))
	}
	t.mu.Lock()
	t.closeErr = err
	t.mu.Unlock()
}

// Stop quits the loop and waits for the goroutine to exit. It returns the
// error from closing the loop.
func (t *EventLoopThread) Stop() error {
	t.mu.Lock()
	loop := t.loop
	t.mu.Unlock()
	if loop == nil {
		return nil
	}

	loop.Quit()
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

func (t *EventLoopThread) Name() string {
	return t.name
}
