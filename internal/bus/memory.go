package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"devorchestra/pkg/models"
)

const subscriberBuffer = 64

// MemoryBus is an in-process event bus. It is the fallback when Redis is
// disabled or unreachable, and the default in tests. Slow subscribers lose
// events rather than block publishers.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memorySub
	dropped atomic.Int64
	closed  bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]*memorySub),
	}
}

// Publish delivers the event to subscribers of the topic and of
// TopicAllJobs. Full subscriber buffers drop the event for that subscriber
// only.
func (b *MemoryBus) Publish(_ context.Context, topic string, event models.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	b.deliver(topic, event)
	if topic != TopicAllJobs {
		b.deliver(TopicAllJobs, event)
	}
	return nil
}

func (b *MemoryBus) deliver(topic string, event models.Event) {
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe opens a feed for the given topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySub{
		bus:   b,
		topic: topic,
		ch:    make(chan models.Event, subscriberBuffer),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// Healthy always returns true; the in-process bus has no backend to lose.
func (b *MemoryBus) Healthy(_ context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Name identifies the backend.
func (b *MemoryBus) Name() string {
	return "memory"
}

// Dropped returns how many events were discarded due to slow subscribers.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts down the bus and closes all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[string][]*memorySub)
	return nil
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	ch    chan models.Event
	once  sync.Once
}

func (s *memorySub) Events() <-chan models.Event {
	return s.ch
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		subs := b.subs[s.topic]
		for i, sub := range subs {
			if sub == s {
				b.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

var _ Bus = (*MemoryBus)(nil)
