package broker

import (
	"sync"

	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/transport"
)

// eventQueue is an unbounded FIFO drained into a channel by a pump goroutine,
// so the broker never blocks on a slow client.
type eventQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []transport.Packet
	finished bool

	out  chan transport.Packet
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		out:  make(chan transport.Packet),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *eventQueue) push(p transport.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return false
	}
	q.items = append(q.items, p)
	q.cond.Signal()
	return true
}

// finish closes the channel once queued items are consumed.
func (q *eventQueue) finish() {
	q.mu.Lock()
	q.finished = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// abort closes the channel without draining and waits for the pump.
func (q *eventQueue) abort() {
	q.once.Do(func() { close(q.stop) })
	q.finish()
	<-q.done
}

func (q *eventQueue) run() {
	defer close(q.done)
	defer close(q.out)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.finished {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		p := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- p:
		case <-q.stop:
			return
		}
	}
}
