package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"devorchestra/pkg/models"
)

// RedisBus publishes task lifecycle events over Redis pub/sub so external
// observers (dashboards, CLIs on other hosts) can follow job progress.
type RedisBus struct {
	client *redis.Client
	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

// NewRedisBus connects to the broker at the given URL and verifies it is
// reachable. Callers fall back to NewMemoryBus when this returns an error.
func NewRedisBus(ctx context.Context, url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	return &RedisBus{client: client}, nil
}

// Publish sends the event to the topic and TopicAllJobs as JSON.
func (b *RedisBus) Publish(ctx context.Context, topic string, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if topic != TopicAllJobs {
		if err := b.client.Publish(ctx, TopicAllJobs, payload).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", TopicAllJobs, err)
		}
	}
	return nil
}

// Subscribe opens a feed for the given topic. Messages that fail to decode
// are logged and dropped.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, topic)

	// Wait for the subscription to be confirmed so callers never miss
	// events published right after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan models.Event, subscriberBuffer),
	}
	go sub.pump(topic)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Healthy pings the broker.
func (b *RedisBus) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return b.client.Ping(pingCtx).Err() == nil
}

// Name identifies the backend.
func (b *RedisBus) Name() string {
	return "redis"
}

// Close shuts down all subscriptions and the client connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.Close()
	}
	return b.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan models.Event
	once   sync.Once
}

func (s *redisSub) pump(topic string) {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var event models.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Printf("[bus] dropping undecodable message on %s: %v", topic, err)
			continue
		}
		select {
		case s.ch <- event:
		default:
			// Slow consumer; losing a bus event never blocks progress.
		}
	}
}

func (s *redisSub) Events() <-chan models.Event {
	return s.ch
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

var _ Bus = (*RedisBus)(nil)

// Connect returns a Redis bus when enabled and reachable, otherwise the
// in-process fallback. The degradation is logged, never fatal.
func Connect(ctx context.Context, enabled bool, url string) Bus {
	if !enabled {
		log.Printf("[bus] redis disabled, using in-process bus")
		return NewMemoryBus()
	}
	rb, err := NewRedisBus(ctx, url)
	if err != nil {
		log.Printf("[bus] %v, falling back to in-process bus", err)
		return NewMemoryBus()
	}
	log.Printf("[bus] connected to redis at %s", url)
	return rb
}
