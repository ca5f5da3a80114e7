package dout

import (
	"context"
	"sync"
	"time"

	"github.com/gordian-engine/dgrid/dcall"
)

// entry is one element of the send queue.
// An entry with a nil call is the reconnect probe,
// which carries no request and only forces the loop
// to look at the connection again.
type entry struct {
	call *dcall.Call
}

var probe = entry{}

func (e entry) isProbe() bool { return e.call == nil }

// sendQueue is an unbounded multi-producer, single-consumer FIFO.
type sendQueue struct {
	mu     sync.Mutex
	items  []entry
	closed bool

	// 1-buffered; a token means items may be non-empty.
	notify chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{notify: make(chan struct{}, 1)}
}

// push appends e, reporting false if the queue is closed.
func (q *sendQueue) push(e entry) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	q.signal()
	return true
}

// pushProbeIfAbsent appends a probe unless one is already queued.
func (q *sendQueue) pushProbeIfAbsent() bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	for _, e := range q.items {
		if e.isProbe() {
			q.mu.Unlock()
			return false
		}
	}
	q.items = append(q.items, probe)
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *sendQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *sendQueue) tryPop() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return entry{}, false
	}

	e := q.items[0]
	q.items[0] = entry{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Let the backing array be collected after bursts.
		q.items = nil
	}
	return e, true
}

// pop removes the head of the queue,
// waiting up to timeout for one to arrive.
func (q *sendQueue) pop(ctx context.Context, timeout time.Duration) (entry, bool) {
	if e, ok := q.tryPop(); ok {
		return e, true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return entry{}, false
		case <-t.C:
			return q.tryPop()
		case <-q.notify:
			if e, ok := q.tryPop(); ok {
				return e, true
			}
		}
	}
}

// drain removes and returns every queued entry, in order.
func (q *sendQueue) drain() []entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	return out
}

// rebuild atomically replaces the queue contents with fn(current contents).
// Producers cannot interleave with the rebuild,
// so nothing pushed concurrently can overtake the rebuilt entries.
func (q *sendQueue) rebuild(fn func(held []entry) []entry) {
	q.mu.Lock()
	q.items = fn(q.items)
	n := len(q.items)
	q.mu.Unlock()

	if n > 0 {
		q.signal()
	}
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close rejects all further pushes.
// Entries already queued stay until drained.
func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
