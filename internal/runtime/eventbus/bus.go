// Package eventbus is the in-process broker that carries domain events from
// backend connections and the access layer to the router, the control API and
// anything else that subscribes.
//
// Every subscription owns an unbounded FIFO mailbox drained by its own
// goroutine, so a slow subscriber never blocks publishers or other
// subscribers, and no event is ever dropped. Events reach each subscriber in
// publish order.
package eventbus

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Bus fans events out to subscriptions.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
	logger  *zap.Logger
	closed  bool
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
		logger:  logger.Named("eventbus"),
	}
}

// Publish stamps evt with a monotonic id and timestamp and enqueues it for
// every matching subscription. It never blocks on subscribers.
func (b *Bus) Publish(evt Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	evt.Timestamp = now
	evt.ID = ulid.MustNew(ulid.Timestamp(now), b.entropy).String()

	if b.closed {
		return evt
	}
	for sub := range b.subs {
		if sub.filter == nil || sub.filter(evt) {
			sub.enqueue(evt)
		}
	}
	return evt
}

// Subscribe registers a subscription. filter may be nil to receive everything.
func (b *Bus) Subscribe(name string, filter func(Event) bool) *Subscription {
	sub := &Subscription{
		name:   name,
		filter: filter,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		bus:    b,
	}
	sub.C = sub.out

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		close(sub.out)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	b.logger.Debug("Subscriber registered", zap.String("subscriber", name))
	return sub
}

// Close terminates every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*Subscription]struct{}{}
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one subscriber's ordered event stream.
type Subscription struct {
	// C delivers events in publish order. It is closed after Close.
	C <-chan Event

	name   string
	filter func(Event) bool
	out    chan Event
	wake   chan struct{}
	done   chan struct{}
	bus    *Bus

	mu       sync.Mutex
	queue    []Event
	stopOnce sync.Once
}

func (s *Subscription) enqueue(evt Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of events waiting to be received.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) pump() {
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
		evt := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}

// Close unregisters the subscription and closes C. Undelivered events are discarded.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
