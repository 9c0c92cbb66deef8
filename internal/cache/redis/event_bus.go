package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quantpulse/guardbot/internal/domain"
)

const (
	// eventStream is the Redis stream carrying the durable event history.
	eventStream = "guardbot:events"

	// eventChannel is the Pub/Sub channel for live observers (dashboards,
	// ad-hoc tooling).
	eventChannel = "guardbot:events:live"

	// streamMaxLen bounds the stream via XADD MAXLEN ~.
	streamMaxLen int64 = 10000
)

// EventBus implements domain.EventBus on Redis: every event is appended to a
// capped stream for durable, ordered history and published on a Pub/Sub
// channel for live listeners.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish appends the event to the stream and fans it out to subscribers.
func (b *EventBus) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    ev.Type,
			"payload": payload,
		},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: append event %s: %w", ev.Type, err)
	}

	// Live fan-out is best effort on top of the durable append.
	if err := b.rdb.Publish(ctx, eventChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish event %s: %w", ev.Type, err)
	}
	return nil
}

// History returns the most recent count events from the stream, oldest
// first. Entries that fail to decode are skipped.
func (b *EventBus) History(ctx context.Context, count int) ([]domain.Event, error) {
	if count <= 0 {
		count = 50
	}

	msgs, err := b.rdb.XRevRangeN(ctx, eventStream, "+", "-", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read events: %w", err)
	}

	events := make([]domain.Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["payload"].(string)
		if !ok {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Compile-time interface check.
var _ domain.EventBus = (*EventBus)(nil)
