package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// TriangleChannel is the Pub/Sub channel and stream key for triangle
// lifecycle events.
const TriangleChannel = "triarb:triangles"

// defaultStreamMaxLen caps streams via XADD MAXLEN ~.
const defaultStreamMaxLen int64 = 10000

// EventBus implements domain.SignalBus using Redis Pub/Sub for live
// consumers and Redis Streams for a bounded, replayable history.
type EventBus struct {
	rdb    *redis.Client
	maxLen int64
}

// NewEventBus creates an EventBus. maxLen <= 0 uses 10,000 entries.
func NewEventBus(c *Client, maxLen int64) *EventBus {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &EventBus{rdb: c.Underlying(), maxLen: maxLen}
}

// PublishTriangle publishes ev on TriangleChannel and appends it to the
// stream of the same name.
func (b *EventBus) PublishTriangle(ctx context.Context, ev domain.TriangleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal triangle event: %w", err)
	}
	return errors.Join(
		b.Publish(ctx, TriangleChannel, payload),
		b.StreamAppend(ctx, TriangleChannel, payload),
	)
}

// RecentTriangles returns up to count events from the stream, oldest first.
func (b *EventBus) RecentTriangles(ctx context.Context, count int) ([]domain.TriangleEvent, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, TriangleChannel, "+", "-", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent triangles: %w", err)
	}
	out := make([]domain.TriangleEvent, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := payloadBytes(msgs[i].Values)
		if !ok {
			continue
		}
		var ev domain.TriangleEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Publish sends a raw payload to a Pub/Sub channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw payloads. The subscription and the
// returned channel are closed when ctx is cancelled.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend appends a payload with an approximate MAXLEN trim.
func (b *EventBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages after lastID. It returns an empty
// slice when no messages are available.
func (b *EventBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			if data, ok := payloadBytes(msg.Values); ok {
				messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
			}
		}
	}
	return messages, nil
}

func payloadBytes(values map[string]any) ([]byte, bool) {
	switch v := values["payload"].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

// Compile-time interface check.
var _ domain.SignalBus = (*EventBus)(nil)
