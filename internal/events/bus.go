package events

import (
	"sync"

	"media-optimizer/internal/metrics"
)

// Bus fans events of type T out to subscribers.
type Bus[T any] struct {
	name   string
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// Subscription receives events from a Bus until closed.
type Subscription[T any] struct {
	ch       chan T
	done     chan struct{}
	once     sync.Once
	reliable bool
	id       uint64
	bus      *Bus[T]
}

// New creates a bus. name labels the bus metrics.
func New[T any](name string) *Bus[T] {
	return &Bus[T]{
		name: name,
		subs: make(map[uint64]*Subscription[T]),
	}
}

// Subscribe registers a lossy subscriber with the given channel buffer.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	return b.subscribe(buffer, false)
}

// SubscribeReliable registers a subscriber that never misses an event.
// Publish blocks until the event is queued or the subscription is closed.
func (b *Bus[T]) SubscribeReliable(buffer int) *Subscription[T] {
	return b.subscribe(buffer, true)
}

func (b *Bus[T]) subscribe(buffer int, reliable bool) *Subscription[T] {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription[T]{
		ch:       make(chan T, buffer),
		done:     make(chan struct{}),
		reliable: reliable,
		bus:      b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.once.Do(func() { close(s.done) })
		close(s.ch)
		return s
	}

	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	metrics.EventSubscribers.WithLabelValues(b.name).Set(float64(len(b.subs)))
	return s
}

// Publish delivers ev to every subscriber and returns how many received it.
func (b *Bus[T]) Publish(ev T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	metrics.EventsPublished.WithLabelValues(b.name).Inc()

	delivered := 0
	for _, s := range b.subs {
		if s.reliable {
			select {
			case s.ch <- ev:
				delivered++
			case <-s.done:
			}
			continue
		}
		select {
		case s.ch <- ev:
			delivered++
		default:
			metrics.EventsDropped.WithLabelValues(b.name).Inc()
		}
	}
	return delivered
}

// Subscribers returns the number of open subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are no-ops.
func (b *Bus[T]) Close() {
	b.mu.RLock()
	subs := make([]*Subscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	// Unblock reliable sends before taking the write lock.
	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	metrics.EventSubscribers.WithLabelValues(b.name).Set(0)
}

// C returns the receive channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Done is closed when the subscription is closed.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() { close(s.done) })

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
	metrics.EventSubscribers.WithLabelValues(b.name).Set(float64(len(b.subs)))
}
