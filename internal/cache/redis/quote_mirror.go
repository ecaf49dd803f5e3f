package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// QuoteMirror implements domain.QuoteMirror using Redis hashes. Each
// symbol's book is stored at "quote:{symbol}" with fields bid, ask, last and
// ts (Unix nanoseconds). It also observes the quote queue so every drained
// batch is mirrored in one pipeline.
type QuoteMirror struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewQuoteMirror creates a QuoteMirror. Keys expire after ttl when it is
// positive so a stopped engine leaves no stale books behind.
func NewQuoteMirror(c *Client, ttl time.Duration, logger *slog.Logger) *QuoteMirror {
	return &QuoteMirror{
		rdb:    c.Underlying(),
		ttl:    ttl,
		logger: logger.With(slog.String("component", "quote_mirror")),
	}
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}

func quoteFields(q domain.Quote) map[string]any {
	return map[string]any{
		"bid":  strconv.FormatFloat(q.Bid, 'f', -1, 64),
		"ask":  strconv.FormatFloat(q.Ask, 'f', -1, 64),
		"last": strconv.FormatFloat(q.Last, 'f', -1, 64),
		"ts":   strconv.FormatInt(q.ObservedAt.UnixNano(), 10),
	}
}

// parseQuote decodes the hash written by quoteFields.
func parseQuote(symbol string, vals map[string]string) (domain.Quote, error) {
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}
	q := domain.Quote{Symbol: symbol}
	var err error
	if q.Bid, err = strconv.ParseFloat(vals["bid"], 64); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse bid %s: %w", symbol, err)
	}
	if q.Ask, err = strconv.ParseFloat(vals["ask"], 64); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse ask %s: %w", symbol, err)
	}
	if v, ok := vals["last"]; ok && v != "" {
		q.Last, _ = strconv.ParseFloat(v, 64)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse ts %s: %w", symbol, err)
	}
	q.ObservedAt = time.Unix(0, ts)
	return q, nil
}

// SetQuote stores the latest book for one symbol.
func (m *QuoteMirror) SetQuote(ctx context.Context, q domain.Quote) error {
	pipe := m.rdb.Pipeline()
	m.queue(ctx, pipe, q)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Symbol, err)
	}
	return nil
}

// GetQuote retrieves the mirrored book. It returns domain.ErrNotFound when
// the key does not exist.
func (m *QuoteMirror) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	vals, err := m.rdb.HGetAll(ctx, quoteKey(symbol)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}
	return parseQuote(symbol, vals)
}

// ObserveQuotes mirrors a drained batch. Only the last update per symbol is
// written. Failures are logged, the engine does not depend on the mirror.
func (m *QuoteMirror) ObserveQuotes(ctx context.Context, batch []domain.QuoteUpdate) {
	if len(batch) == 0 {
		return
	}
	latest := make(map[string]domain.Quote, len(batch))
	for _, u := range batch {
		latest[u.Symbol] = u.Quote()
	}

	pipe := m.rdb.Pipeline()
	for _, q := range latest {
		m.queue(ctx, pipe, q)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("quote mirror write failed",
			slog.Int("symbols", len(latest)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *QuoteMirror) queue(ctx context.Context, pipe redis.Pipeliner, q domain.Quote) {
	key := quoteKey(q.Symbol)
	pipe.HSet(ctx, key, quoteFields(q))
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
}

// Compile-time interface check.
var _ domain.QuoteMirror = (*QuoteMirror)(nil)
