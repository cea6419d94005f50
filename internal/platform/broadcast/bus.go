// Package broadcast is the in-process event channel between producers of new
// records and the feeds that consume them.
//
// Delivery contract: every message published after Subscribe reaches that
// subscriber exactly in publish order until it unsubscribes. A slow
// subscriber queues; it never loses messages and never blocks Publish.
// Producers may republish, so consumers must tolerate duplicates.
package broadcast

import (
	"sync"
)

// Bus fans messages out to subscribers.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscription receives messages on C until Unsubscribe or Bus.Close.
type Subscription[T any] struct {
	C <-chan T

	bus   *Bus[T]
	out   chan T
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Subscribe registers a new subscriber. Messages published before this call
// are not delivered to it.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	out := make(chan T)
	s := &Subscription[T]{
		C:    out,
		bus:  b,
		out:  out,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish enqueues msg for every current subscriber and returns immediately.
func (b *Bus[T]) Publish(msg T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.enqueue(msg)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later Publish calls are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

// Unsubscribe detaches the subscription. Queued messages not yet received
// are discarded and C is closed.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription[T]) enqueue(msg T) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
