package webhook

import (
	"context"
	"log/slog"
	"sync"
)

const queueSize = 16

type delivery struct {
	ctx   context.Context
	url   string
	event Event
}

// Dispatcher delivers events in the background. Events sharing a key are sent
// one at a time in the order they were enqueued; different keys do not wait on
// each other.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]chan delivery
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		logger: slog.Default(),
		queues: make(map[string]chan delivery),
	}
}

// Enqueue schedules event for url and returns without waiting for delivery.
// last marks the final event for key, after which its queue is released.
// Events are dropped when the key's queue is full or the dispatcher is closed.
func (d *Dispatcher) Enqueue(ctx context.Context, key, url string, event Event, last bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("webhook dispatcher closed, dropping event", "key", key, "status", event.Status)
		return
	}
	q, ok := d.queues[key]
	if !ok {
		q = make(chan delivery, queueSize)
		d.queues[key] = q
		d.wg.Add(1)
		go d.drain(key, q)
	}
	select {
	case q <- delivery{ctx: context.WithoutCancel(ctx), url: url, event: event}:
	default:
		d.logger.Warn("webhook queue full, dropping event", "key", key, "status", event.Status)
	}
	if last {
		close(q)
		delete(d.queues, key)
	}
}

func (d *Dispatcher) drain(key string, q <-chan delivery) {
	defer d.wg.Done()
	for item := range q {
		if err := d.sender.Notify(item.ctx, item.url, item.event); err != nil {
			d.logger.Warn("webhook notification failed", "key", key, "status", item.event.Status, "error", err)
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for key, q := range d.queues {
			close(q)
			delete(d.queues, key)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
