// Package quotes holds the latest top-of-book per instrument and resolves the
// effective price of direct and derived triangle legs.
package quotes

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// LegBook is the effective top-of-book of a leg. For a derived leg the
// prices are reciprocals of the underlying and PointSize is rescaled so that
// a spread measured in points matches the underlying instrument's.
type LegBook struct {
	Bid       float64
	Ask       float64
	PointSize float64
	Quote     domain.Quote // underlying quote
}

// SpreadPoints returns (ask-bid)/pointSize.
func (b LegBook) SpreadPoints() float64 {
	if b.PointSize <= 0 {
		return 0
	}
	return (b.Ask - b.Bid) / b.PointSize
}

// Price returns the price a leg traded on side consumes: asks for buys, bids
// for sells.
func (b LegBook) Price(side domain.OrderSide) float64 {
	if side == domain.OrderSideBuy {
		return b.Ask
	}
	return b.Bid
}

// Stats summarises cache activity.
type Stats struct {
	Symbols   int       `json:"symbols"`
	Updates   int64     `json:"updates"`
	StartedAt time.Time `json:"started_at"`
}

// Cache is a concurrency-safe latest-quote store. Writers replace the whole
// Quote value, so a reader always sees bid and ask from the same update.
type Cache struct {
	mu      sync.RWMutex
	quotes  map[string]domain.Quote
	maxAge  time.Duration
	now     func() time.Time
	updates atomic.Int64
	started time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxAge treats quotes older than d as absent. Zero disables the check.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) { c.maxAge = d }
}

// WithClock overrides the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		quotes: make(map[string]domain.Quote),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.started = c.now()
	return c
}

// Update stores the latest quote for symbol. The most recently received
// value always wins; nothing is merged with the previous one.
func (c *Cache) Update(symbol string, bid, ask, last, volume float64, t time.Time) {
	q := domain.Quote{
		Symbol:     symbol,
		Bid:        bid,
		Ask:        ask,
		Last:       last,
		Volume:     volume,
		ObservedAt: t,
	}
	c.mu.Lock()
	c.quotes[symbol] = q
	c.mu.Unlock()
	c.updates.Add(1)
}

// Apply stores a stream update.
func (c *Cache) Apply(u domain.QuoteUpdate) {
	c.Update(u.Symbol, u.Bid, u.Ask, u.Last, u.Volume, u.Time)
}

// Snapshot returns the latest usable quote for symbol. Missing, invalid or
// stale quotes are reported as absent.
func (c *Cache) Snapshot(symbol string) (domain.Quote, bool) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()
	if !ok || !q.Valid() {
		return domain.Quote{}, false
	}
	if c.maxAge > 0 && !q.ObservedAt.IsZero() && c.now().Sub(q.ObservedAt) > c.maxAge {
		return domain.Quote{}, false
	}
	return q, true
}

// Book resolves the effective top-of-book of a leg.
func (c *Cache) Book(leg domain.Leg) (LegBook, bool) {
	q, ok := c.Snapshot(leg.Symbol)
	if !ok {
		return LegBook{}, false
	}
	if !leg.Derived() {
		return LegBook{Bid: q.Bid, Ask: q.Ask, PointSize: leg.PointSize, Quote: q}, true
	}
	return LegBook{
		Bid:       1 / q.Ask,
		Ask:       1 / q.Bid,
		PointSize: leg.PointSize / (q.Bid * q.Ask),
		Quote:     q,
	}, true
}

// EffectivePrice returns the price consumed when trading leg on side. A
// derived leg buys at 1/bid and sells at 1/ask of its underlying.
func (c *Cache) EffectivePrice(leg domain.Leg, side domain.OrderSide) (float64, bool) {
	b, ok := c.Book(leg)
	if !ok {
		return 0, false
	}
	return b.Price(side), true
}

// Symbols returns the number of symbols seen so far.
func (c *Cache) Symbols() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

// All returns a copy of every stored quote.
func (c *Cache) All() []domain.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Quote, 0, len(c.quotes))
	for _, q := range c.quotes {
		out = append(out, q)
	}
	return out
}

// Stats returns activity counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Symbols:   c.Symbols(),
		Updates:   c.updates.Load(),
		StartedAt: c.started,
	}
}
