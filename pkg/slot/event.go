package slot

import (
	"context"
	"sync"
)

// Event is the per-node one-shot wait/signal primitive that unblocks
// readers stalled on a data pull. Signal wakes every current and future
// waiter until Reset; callers Reset before each wait cycle to discard a
// signal left over from a push nobody was waiting on.
type Event struct {
	mu       sync.Mutex
	ch       chan struct{}
	signaled bool
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

func (e *Event) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.signaled {
		e.signaled = true
		close(e.ch)
	}
}

func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signaled {
		e.signaled = false
		e.ch = make(chan struct{})
	}
}

func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
