package board

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Tick represents a signal received by an interrupt pin. This signal is communicated
// via registered channel to the various drivers.
type Tick struct {
	Name string
	High bool
	// TimestampNanosec is when the board saw the edge. It is informational: consumers such as the
	// quadrature decoder stamp edges with their own clock on arrival.
	TimestampNanosec uint64
}

// A Subscription is a registered tick channel. Cancel removes it and may be called more than once.
type Subscription interface {
	Cancel()
}

// A DigitalInterrupt represents a configured interrupt on the board that
// when interrupted, calls the added callbacks.
type DigitalInterrupt interface {
	// Name returns the name of the interrupt.
	Name() string

	// Value returns the number of rising edges seen so far.
	Value(ctx context.Context) (int64, error)

	// Subscribe adds a channel that receives every tick until the returned subscription is
	// cancelled. Delivery blocks until the channel is read, so subscribers must keep draining it.
	Subscribe(ch chan<- Tick) Subscription
}

// BasicDigitalInterrupt is a simple high/low interrupt that fans ticks out to its subscribers.
// Board models own one per configured interrupt and feed it from their edge workers.
type BasicDigitalInterrupt struct {
	name  string
	count atomic.Int64

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	di       *BasicDigitalInterrupt
	ch       chan<- Tick
	done     chan struct{}
	doneOnce sync.Once
}

// NewBasicDigitalInterrupt returns an interrupt with no subscribers.
func NewBasicDigitalInterrupt(config DigitalInterruptConfig) *BasicDigitalInterrupt {
	return &BasicDigitalInterrupt{
		name: config.Name,
		subs: map[*subscription]struct{}{},
	}
}

// Name returns the name of the interrupt.
func (i *BasicDigitalInterrupt) Name() string {
	return i.name
}

// Value returns the amount of ticks that have occurred.
func (i *BasicDigitalInterrupt) Value(ctx context.Context) (int64, error) {
	return i.count.Load(), nil
}

// Tick records an edge and hands it to every subscriber in turn. It returns early with the
// context's error if a subscriber is not reading and ctx ends first.
func (i *BasicDigitalInterrupt) Tick(ctx context.Context, high bool, nanoseconds uint64) error {
	if high {
		i.count.Inc()
	}

	i.mu.Lock()
	subs := make([]*subscription, 0, len(i.subs))
	for sub := range i.subs {
		subs = append(subs, sub)
	}
	i.mu.Unlock()

	tick := Tick{Name: i.name, High: high, TimestampNanosec: nanoseconds}
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
		case sub.ch <- tick:
		}
	}
	return nil
}

// Subscribe adds a listener for ticks.
func (i *BasicDigitalInterrupt) Subscribe(ch chan<- Tick) Subscription {
	sub := &subscription{di: i, ch: ch, done: make(chan struct{})}
	i.mu.Lock()
	i.subs[sub] = struct{}{}
	i.mu.Unlock()
	return sub
}

// Subscribers returns how many subscriptions are live.
func (i *BasicDigitalInterrupt) Subscribers() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subs)
}

func (s *subscription) Cancel() {
	s.doneOnce.Do(func() {
		s.di.mu.Lock()
		delete(s.di.subs, s)
		s.di.mu.Unlock()
		close(s.done)
	})
}
