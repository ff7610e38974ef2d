package bridge

import (
	"context"
	"errors"
	"sync"
)

// Policy selects how a stream retains published values.
type Policy int

const (
	// PolicyQueue keeps every published value in an ordered log. Each
	// subscriber replays the full sequence at its own pace; nothing is ever
	// dropped.
	PolicyQueue Policy = iota
	// PolicyLatest keeps only the most recent value. A subscriber observes
	// the latest value once; rapid back-to-back publishes coalesce. Only
	// suitable where presence of an event matters, never for message data.
	PolicyLatest
)

var errHubClosed = errors.New("stream closed")

// hub is a single-producer fan-out stream. Publish is non-blocking; each
// subscriber runs its own goroutine with an independent cursor so a slow or
// cancelled consumer never affects the others.
type hub[T any] struct {
	policy Policy

	mu     sync.Mutex
	log    []T
	latest T
	seq    uint64
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newHub[T any](policy Policy) *hub[T] {
	return &hub[T]{
		policy: policy,
		wake:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.policy == PolicyLatest {
		h.latest = v
		h.seq++
	} else {
		h.log = append(h.log, v)
	}
	close(h.wake)
	h.wake = make(chan struct{})
	h.mu.Unlock()
}

// close completes the stream for every current and future subscriber. It is
// idempotent.
func (h *hub[T]) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	close(h.wake)
	h.mu.Unlock()
}

// subscribe attaches a new independent consumer. The returned channel closes
// when ctx is cancelled or the hub is closed; cancelling one subscriber never
// affects another.
func (h *hub[T]) subscribe(ctx context.Context) (<-chan T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errHubClosed
	}
	h.mu.Unlock()

	out := make(chan T)
	go func() {
		defer close(out)
		cursor := 0
		var seen uint64
		for {
			h.mu.Lock()
			if h.closed {
				h.mu.Unlock()
				return
			}
			v, ok := h.next(&cursor, &seen)
			if !ok {
				wake := h.wake
				h.mu.Unlock()
				select {
				case <-ctx.Done():
					return
				case <-wake:
				}
				continue
			}
			h.mu.Unlock()
			select {
			case out <- v:
			case <-ctx.Done():
				return
			case <-h.done:
				return
			}
		}
	}()
	return out, nil
}

// next returns the subscriber's next value, if any. Caller holds h.mu.
func (h *hub[T]) next(cursor *int, seen *uint64) (T, bool) {
	var zero T
	if h.policy == PolicyLatest {
		if h.seq == *seen {
			return zero, false
		}
		*seen = h.seq
		return h.latest, true
	}
	if *cursor >= len(h.log) {
		return zero, false
	}
	v := h.log[*cursor]
	*cursor++
	return v, true
}
