package network

import (
	"log/slog"
	"runtime"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Dispatcher runs packet handling on a fixed pool of worker lanes. Work
// submitted with the same key always lands on the same lane, so packets of
// one channel are handled in arrival order while different channels proceed
// in parallel.
type Dispatcher struct {
	lanes  []chan func()
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts workers lanes with queueSize pending tasks each.
// workers <= 0 selects GOMAXPROCS.
func NewDispatcher(workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		lanes:  make([]chan func(), workers),
		logger: logger,
	}
	for i := range d.lanes {
		lane := make(chan func(), queueSize)
		d.lanes[i] = lane
		d.wg.Add(1)
		go d.work(lane)
	}
	return d
}

// Dispatch queues fn on the lane owning key. It blocks while that lane is
// full and reports false once the dispatcher is closed.
func (d *Dispatcher) Dispatch(key string, fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.lanes[d.laneOf(key)] <- fn
	return true
}

// Workers returns the number of lanes.
func (d *Dispatcher) Workers() int {
	return len(d.lanes)
}

// Close stops accepting work, drains queued tasks and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) laneOf(key string) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(len(d.lanes)))
}

func (d *Dispatcher) work(lane <-chan func()) {
	defer d.wg.Done()
	for fn := range lane {
		d.run(fn)
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatched task panicked", "panic", r)
		}
	}()
	fn()
}
