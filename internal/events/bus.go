package events

import (
	"context"
	"log"
	"sync"
	"time"
)

// Handler is a callback invoked when a matching event is published.
type Handler func(Event)

// subscription ties a handler to the event types it cares about.
type subscription struct {
	id      int64
	types   map[EventType]struct{} // nil means "all events"
	handler Handler
	queue   *asyncQueue // nil for synchronous subscribers
}

func (s *subscription) matches(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is a thread-safe, in-process publish/subscribe event bus.
type Bus struct {
	mu          sync.RWMutex
	nextID      int64
	subscribers []*subscription
}

// NewBus creates a ready-to-use event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler invoked inline on publish, in registration
// order. If no types are provided the handler receives every event.
// The returned function removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	return b.add(handler, nil, types)
}

// SubscribeAsync registers a handler that receives events through an
// unbounded per-subscriber queue drained by a dedicated goroutine, so a
// slow handler never blocks the publisher. Events are delivered to the
// handler one at a time, in publish order. The returned function removes
// the subscription and stops the goroutine after the queue drains.
func (b *Bus) SubscribeAsync(handler Handler, types ...EventType) func() {
	q := newAsyncQueue(handler)
	return b.add(handler, q, types)
}

func (b *Bus) add(handler Handler, q *asyncQueue, types []EventType) func() {
	sub := &subscription{handler: handler, queue: q}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	for i, s := range b.subscribers {
		if s.id == sub.id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if sub.queue != nil {
		sub.queue.close()
	}
}

// Publish sends an event to all matching subscribers.
// The timestamp is set automatically if zero.
// Synchronous handlers are called in the caller's goroutine; a panicking
// handler is logged and does not affect other subscribers or the publisher.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.matches(e.Type) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(e)
			continue
		}
		invoke(sub.handler, e)
	}
}

// WaitNext blocks until the next event of the given type matching the
// predicate is published, or the context is cancelled. A nil predicate
// matches any event of the type. Intended for test synchronization.
func (b *Bus) WaitNext(ctx context.Context, t EventType, predicate func(Event) bool) (Event, error) {
	ch := make(chan Event, 1)
	var once sync.Once
	unsubscribe := b.Subscribe(func(e Event) {
		if predicate != nil && !predicate(e) {
			return
		}
		once.Do(func() { ch <- e })
	}, t)
	defer unsubscribe()

	select {
	case e := <-ch:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: subscriber panic on %s: %v", e.Type, r)
		}
	}()
	h(e)
}

// asyncQueue is an unbounded FIFO drained by a single goroutine, preserving
// per-subscriber delivery order.
type asyncQueue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newAsyncQueue(handler Handler) *asyncQueue {
	q := &asyncQueue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go q.run(handler)
	return q
}

func (q *asyncQueue) push(e Event) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *asyncQueue) close() {
	q.once.Do(func() { close(q.stop) })
}

func (q *asyncQueue) drain(handler Handler) {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			invoke(handler, e)
		}
	}
}

func (q *asyncQueue) run(handler Handler) {
	for {
		select {
		case <-q.wake:
			q.drain(handler)
		case <-q.stop:
			q.drain(handler)
			return
		}
	}
}
