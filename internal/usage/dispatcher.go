package usage

import (
	"context"
	"errors"
	"sync"

	"github.com/goodtune/voicetime/internal/gateway"
	"github.com/goodtune/voicetime/internal/metrics"
)

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// HandlerFunc processes one transition.
type HandlerFunc func(ctx context.Context, ev gateway.PresenceTransition)

// Dispatcher runs transitions for the same user strictly in submission order
// while different users proceed concurrently. A worker goroutine exists only
// while a user has queued events.
type Dispatcher struct {
	ctx     context.Context
	handler HandlerFunc

	mu     sync.Mutex
	queues map[string][]gateway.PresenceTransition
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher calling handler with ctx.
func NewDispatcher(ctx context.Context, handler HandlerFunc) *Dispatcher {
	return &Dispatcher{
		ctx:     ctx,
		handler: handler,
		queues:  make(map[string][]gateway.PresenceTransition),
	}
}

// Submit enqueues ev behind any pending events for the same user.
func (d *Dispatcher) Submit(ev gateway.PresenceTransition) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	q, running := d.queues[ev.UserID]
	d.queues[ev.UserID] = append(q, ev)
	metrics.EventsDispatched.Inc()

	if !running {
		d.wg.Add(1)
		go d.drain(ev.UserID)
	}
	return nil
}

// Pending returns the number of users with queued or in-flight events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close rejects further submissions and waits for queued events to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) drain(userID string) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		q := d.queues[userID]
		if len(q) == 0 {
			delete(d.queues, userID)
			d.mu.Unlock()
			return
		}
		ev := q[0]
		d.queues[userID] = q[1:]
		d.mu.Unlock()

		d.handler(d.ctx, ev)
	}
}
