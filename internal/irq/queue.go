package irq

import (
	"sync"

	"github.com/rs/xid"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

type requestOp int

const (
	opSubscribe requestOp = iota + 1
	opCancel
	opRegister
	opUnregister
)

// request is a table mutation waiting for the next safe point.
type request struct {
	op     requestOp
	id     xid.ID
	kind   Kind
	array  int
	fn     Handler
	engine int
	addr   uint32
	cb     ir.Callback
}

// requestQueue is a thread-safe FIFO of table mutations.
//
// Any goroutine may enqueue; only the polling goroutine drains. The signal
// channel lets an idle dispatcher wake early when requests arrive.
type requestQueue struct {
	mu       sync.Mutex
	requests []request
	closed   bool
	signal   chan struct{} // Buffered, size 1
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		requests: make([]request, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds r to the back of the queue.
// Returns false if the queue is closed.
func (q *requestQueue) Enqueue(r request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.requests = append(q.requests, r)

	// Non-blocking: the buffer of 1 coalesces signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns every queued request in order.
func (q *requestQueue) Drain() []request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.requests) == 0 {
		return nil
	}
	out := q.requests
	q.requests = make([]request, 0, cap(out))
	return out
}

// Wait returns a channel that signals when requests may be available.
// The channel is closed by Close.
func (q *requestQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// Close stops accepting requests and wakes any waiter.
func (q *requestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *requestQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
