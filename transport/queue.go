package transport

import "sync"

// EventQueue collects callback invocations until the next Dispatch call.
// Drivers push closures from their network goroutines; the pump drains them
// synchronously. Push never blocks.
type EventQueue struct {
	mu      sync.Mutex
	pending []func()
}

// Push appends an event to the queue.
func (q *EventQueue) Push(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

// Dispatch runs all queued events on the calling goroutine in push order.
// Events pushed while a batch is running are delivered on the next call.
func (q *EventQueue) Dispatch() {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

// Len reports the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
