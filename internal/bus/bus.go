// Package bus provides the event bus for task lifecycle events. Two
// implementations exist: a Redis-backed bus for cross-process observers
// and an in-process bus used as a graceful fallback when the broker is
// unavailable. The bus is an observability channel only; scheduling
// progress never depends on delivery through it.
package bus

import (
	"context"

	"devorchestra/pkg/models"
)

// TopicAllJobs carries every event from every job.
const TopicAllJobs = "jobs:all"

// JobTopic returns the per-job topic name.
func JobTopic(jobID string) string {
	return "job:" + jobID
}

// Subscription is a live event feed for one topic.
type Subscription interface {
	// Events returns the channel events arrive on. The channel is closed
	// when the subscription is closed or the bus shuts down.
	Events() <-chan models.Event
	// Close tears down the subscription.
	Close() error
}

// Bus publishes and subscribes task lifecycle events. Publishing must be
// best-effort from the caller's point of view: an error means observers
// may miss the event, never that the event did not happen.
type Bus interface {
	// Publish sends an event to the given topic and TopicAllJobs.
	Publish(ctx context.Context, topic string, event models.Event) error
	// Subscribe opens a feed for the given topic.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	// Healthy reports whether the bus backend is reachable.
	Healthy(ctx context.Context) bool
	// Name identifies the backend for logs and health reporting.
	Name() string
	// Close shuts down the bus and all subscriptions.
	Close() error
}
