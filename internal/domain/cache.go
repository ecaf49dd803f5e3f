package domain

import (
	"context"
	"time"
)

// QuoteMirror publishes the latest quotes to an external cache for other
// processes to read.
type QuoteMirror interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	Extend(ctx context.Context, key string, ttl time.Duration) error
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
