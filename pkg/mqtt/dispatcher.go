package mqtt

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// dispatcher runs queued functions one at a time in FIFO order on its own
// goroutine. The queue is unbounded so the connection loop never blocks on a
// slow hook.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool

	// owner is the id of the goroutine running queued functions.
	owner atomic.Uint64
	done  chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// enqueue reports false once stop was called.
func (d *dispatcher) enqueue(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	return true
}

// call enqueues fn and returns a channel closed after fn ran, or immediately
// if the dispatcher is stopped.
func (d *dispatcher) call(fn func()) <-chan struct{} {
	ran := make(chan struct{})
	if !d.enqueue(func() {
		defer close(ran)
		fn()
	}) {
		close(ran)
	}
	return ran
}

// stop lets queued work drain and then ends the goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// current reports whether the caller is running on the dispatch goroutine,
// that is inside a hook or handler.
func (d *dispatcher) current() bool {
	return goroutineID() == d.owner.Load()
}

func (d *dispatcher) run() {
	defer close(d.done)
	d.owner.Store(goroutineID())
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

// goroutineID parses the id from the "goroutine N [...]" stack header.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
