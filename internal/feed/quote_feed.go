// Package feed ingests live quotes from the broker stream into the quote
// cache and the publish queue.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/quotes"
)

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
)

// QuoteFeed subscribes to a domain.QuoteStream for the catalog's symbols and
// writes every update into the cache, then the queue. It resubscribes with
// backoff whenever the stream ends.
type QuoteFeed struct {
	stream    domain.QuoteStream
	symbols   []string
	cache     *quotes.Cache
	queue     *quotes.Queue
	logger    *slog.Logger
	baseDelay time.Duration
	maxDelay  time.Duration

	updates  atomic.Int64
	rejected atomic.Int64
	sessions atomic.Int64
}

// NewQuoteFeed creates a feed. maxDelay caps the resubscribe backoff; zero
// means 30s.
func NewQuoteFeed(
	stream domain.QuoteStream,
	symbols []string,
	cache *quotes.Cache,
	queue *quotes.Queue,
	maxDelay time.Duration,
	logger *slog.Logger,
) *QuoteFeed {
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &QuoteFeed{
		stream:    stream,
		symbols:   symbols,
		cache:     cache,
		queue:     queue,
		logger:    logger.With(slog.String("component", "quote_feed")),
		baseDelay: defaultBaseDelay,
		maxDelay:  maxDelay,
	}
}

// Run subscribes and consumes until ctx is cancelled. Reconnects with
// exponential backoff when the subscription fails or its channel closes.
func (f *QuoteFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	delay := f.baseDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := f.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n > 0 {
			delay = f.baseDelay
		}

		attrs := []any{slog.Duration("retry_in", delay), slog.Int64("received", n)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		f.logger.Warn("quote stream ended, resubscribing", attrs...)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.maxDelay {
			delay = f.maxDelay
		}
	}
}

// runSession consumes one subscription and returns how many updates it
// delivered.
func (f *QuoteFeed) runSession(ctx context.Context) (int64, error) {
	ch, err := f.stream.Subscribe(ctx, f.symbols)
	if err != nil {
		return 0, err
	}
	f.sessions.Add(1)
	f.logger.Info("quote feed subscribed", slog.Int("symbols", len(f.symbols)))

	var n int64
	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case u, ok := <-ch:
			if !ok {
				return n, errors.New("stream closed")
			}
			n++
			f.Ingest(u)
		}
	}
}

// Ingest applies one update. Invalid books are counted and dropped.
func (f *QuoteFeed) Ingest(u domain.QuoteUpdate) {
	if !u.Quote().Valid() {
		f.rejected.Add(1)
		return
	}
	if u.Time.IsZero() {
		u.Time = time.Now()
	}
	f.cache.Apply(u)
	f.queue.Publish(u)
	f.updates.Add(1)
}

// Updates returns the number of updates applied to the cache.
func (f *QuoteFeed) Updates() int64 { return f.updates.Load() }

// Rejected returns the number of invalid updates dropped.
func (f *QuoteFeed) Rejected() int64 { return f.rejected.Load() }

// Sessions returns how many subscriptions have been established.
func (f *QuoteFeed) Sessions() int64 { return f.sessions.Load() }
