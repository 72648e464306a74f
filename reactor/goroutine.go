package reactor

import (
	"runtime"
	"sync"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
)

// getGoroutineID parses the current goroutine id out of the first line of
// runtime.Stack ("goroutine 17 [running]:").
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// owners records which goroutine each live loop is bound to. It is only used
// to refuse a second loop on the same goroutine; affinity checks go through
// the id stored on the loop itself.
var owners = struct {
	sync.Mutex
	loops map[uint64]*EventLoop
}{loops: make(map[uint64]*EventLoop)}

func bindLoop(gid uint64, loop *EventLoop) {
	owners.Lock()
	defer owners.Unlock()
	if other, ok := owners.loops[gid]; ok {
		log.Logger.Fatal("eventloop: another loop exists on this goroutine",
			zap.Uint64("goroutine", gid), zap.Stringer("loop", other))
	}
	owners.loops[gid] = loop
}

func unbindLoop(gid uint64, loop *EventLoop) {
	owners.Lock()
	defer owners.Unlock()
	if owners.loops[gid] == loop {
		delete(owners.loops, gid)
	}
}
