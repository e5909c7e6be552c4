package events

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

const (
	subscriberBuffer = 64
)

var (
	ErrPubSubClosed = errors.New("pubsub closed")
)

// PubSub publishes events to subscribers.
//
// Delivery is best effort, events are dropped for subscribers that do not keep up.
type PubSub interface {
	Publish(ctx context.Context, e Event) error

	// Subscribe returns a channel of events with the given name, or all events
	// when the name is empty. The returned func unsubscribes and closes the channel,
	// the subscription is also released when ctx is canceled.
	Subscribe(ctx context.Context, name Name) (<-chan Event, func(), error)

	Close() error
}

type memorySubscriber struct {
	name Name
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *memorySubscriber) stop() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// MemoryPubSub is an in-process fan out PubSub.
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[int]*memorySubscriber
	next        int
	closed      bool
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subscribers: map[int]*memorySubscriber{}}
}

func (m *MemoryPubSub) Publish(_ context.Context, e Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrPubSubClosed
	}

	name := e.EventBase().Name

	for _, sub := range m.subscribers {
		if sub.name != "" && sub.name != name {
			continue
		}

		select {
		case sub.ch <- e:
		default:
		}
	}

	return nil
}

func (m *MemoryPubSub) Subscribe(ctx context.Context, name Name) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrPubSubClosed
	}

	id := m.next
	m.next++

	sub := &memorySubscriber{
		name: name,
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	m.subscribers[id] = sub

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.subscribers, id)
		sub.stop()
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return sub.ch, cancel, nil
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	for id, sub := range m.subscribers {
		delete(m.subscribers, id)
		sub.stop()
	}

	return nil
}
