// Package bus publishes job-lifecycle notifications over Redis pub/sub so
// pull-style agents (and any admin dashboard) can react to new work or
// reassignments without polling. It is a pure side channel — nothing in
// the coordination core depends on delivery, so a dropped Redis connection
// degrades agents to their normal poll cadence rather than stalling
// dispatch.
package bus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/nodepool/marketplace/internal/pkg/logger"
)

const JobsAvailableChannel = "marketplace:jobs:available"

type Event struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Reason  string `json:"reason"`
}

type Bus struct {
	client *redis.Client
	log    *logger.Logger
}

func New(client *redis.Client, baseLog *logger.Logger) *Bus {
	return &Bus{client: client, log: baseLog.With("component", "RealtimeBus")}
}

// PublishJobAvailable notifies subscribers a job just entered (or
// re-entered, on reassign) the queue. Failures are logged and swallowed:
// the scheduler's own dispatch sweep remains the source of truth.
func (b *Bus) PublishJobAvailable(ctx context.Context, ev Event) {
	if b == nil || b.client == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("marshal job-available event failed", "job_id", ev.JobID, "error", err)
		return
	}
	if err := b.client.Publish(ctx, JobsAvailableChannel, payload).Err(); err != nil {
		b.log.Warn("publish job-available event failed", "job_id", ev.JobID, "error", err)
	}
}

// Subscribe returns a channel of decoded Events for agents that prefer a
// push notification over polling /jobs/available. The returned closer must
// be called to release the underlying subscription.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func() error) {
	sub := b.client.Subscribe(ctx, JobsAvailableChannel)
	out := make(chan Event)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for msg := range ch {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("discarding malformed job-available event", "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}
