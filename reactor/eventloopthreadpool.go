//go:build linux
// +build linux

package reactor

import (
	"strconv"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventLoopThreadPool owns the IO loops of a server. Everything but Stop and
// Started must be called on the base loop.
type EventLoopThreadPool struct {
	baseLoop   *EventLoop
	name       string
	opts       []LoopOption
	started    atomic.Bool
	numThreads int
	next       int
	threads    []*EventLoopThread
	loops      []*EventLoop
}

func NewEventLoopThreadPool(baseLoop *EventLoop, name string, opts ...LoopOption) *EventLoopThreadPool {
	return &EventLoopThreadPool{
		baseLoop: baseLoop,
		name:     name,
		opts:     opts,
	}
}

func (p *EventLoopThreadPool) SetThreadNum(n int) {
	p.numThreads = n
}

// Start spawns the IO loops. With zero threads initCb runs on the base loop.
func (p *EventLoopThreadPool) Start(initCb ThreadInitCallback) {
	p.baseLoop.AssertInLoopThread()
	if !p.started.CompareAndSwap(false, true) {
		log.Logger.DPanic("threadpool: started twice", zap.String("pool", p.name))
		return
	}

	for i := 0; i < p.numThreads; i++ {
		t := NewEventLoopThread(initCb, p.name+strconv.Itoa(i), p.opts...)
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.StartLoop())
	}
	if p.numThreads == 0 && initCb != nil {
		initCb(p.baseLoop)
	}
	log.Logger.Info("threadpool: started", zap.String("pool", p.name), zap.Int("threads", p.numThreads))
}

// GetNextLoop hands out IO loops round robin, or the base loop when the pool
// has no threads.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.baseLoop.AssertInLoopThread()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// GetLoopForHash always maps the same hash to the same loop.
func (p *EventLoopThreadPool) GetLoopForHash(hash uint64) *EventLoop {
	p.baseLoop.AssertInLoopThread()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	return p.loops[hash%uint64(len(p.loops))]
}

func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	p.baseLoop.AssertInLoopThread()
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return append([]*EventLoop(nil), p.loops...)
}

func (p *EventLoopThreadPool) Started() bool {
	return p.started.Load()
}

func (p *EventLoopThreadPool) Name() string {
	return p.name
}

// Stop quits every IO loop and waits for all of them.
func (p *EventLoopThreadPool) Stop() error {
	var g errgroup.Group
	for _, t := range p.threads {
		g.Go(t.Stop)
	}
	return g.Wait()
}
