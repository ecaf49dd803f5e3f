package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

func TestQuoteFieldsRoundTrip(t *testing.T) {
	at := time.Unix(1_700_000_000, 123)
	q := domain.Quote{Symbol: "EURUSD", Bid: 1.0704, Ask: 1.0705, Last: 1.07045, ObservedAt: at}

	vals := map[string]string{}
	for k, v := range quoteFields(q) {
		vals[k] = v.(string)
	}
	got, err := parseQuote("EURUSD", vals)
	if err != nil {
		t.Fatal(err)
	}
	if got.Bid != q.Bid || got.Ask != q.Ask || got.Last != q.Last || !got.ObservedAt.Equal(at) {
		t.Fatalf("got %+v", got)
	}

	if _, err := parseQuote("X", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("empty hash: %v", err)
	}
	if _, err := parseQuote("X", map[string]string{"bid": "x"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestInstanceLockKey(t *testing.T) {
	if got := InstanceLockKey("ACC-1"); got != "triarb:lock:ACC-1" {
		t.Fatalf("key = %s", got)
	}
}

// fakeLocks fails Extend after n successful calls.
type fakeLocks struct {
	ok    int32
	calls atomic.Int32
}

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

func (f *fakeLocks) Extend(context.Context, string, time.Duration) error {
	if f.calls.Add(1) > f.ok {
		return domain.ErrLockHeld
	}
	return nil
}

func TestKeepAliveStopsWhenLockLost(t *testing.T) {
	locks := &fakeLocks{ok: 2}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := KeepAlive(ctx, locks, "k", 30*time.Millisecond, logger)
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("err = %v", err)
	}
	if locks.calls.Load() != 3 {
		t.Fatalf("extend calls = %d", locks.calls.Load())
	}
}

func TestKeepAliveReturnsNilOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := KeepAlive(ctx, &fakeLocks{ok: 100}, "k", time.Second, slog.Default()); err != nil {
		t.Fatalf("err = %v", err)
	}
}

// integrationClient connects to TRIARB_TEST_REDIS_ADDR or skips.
func integrationClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TRIARB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRIARB_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, PoolSize: 4})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManagerIntegration(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()
	key := InstanceLockKey("test-" + time.Now().Format("150405.000000"))

	a := NewLockManager(c)
	b := NewLockManager(c)

	unlock, err := a.Acquire(ctx, key, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Acquire(ctx, key, 5*time.Second); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second acquire: %v", err)
	}
	if err := a.Extend(ctx, key, 5*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if err := b.Extend(ctx, key, 5*time.Second); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("extend by non-holder: %v", err)
	}

	unlock()
	unlock()
	relock, err := b.Acquire(ctx, key, time.Second)
	if err != nil {
		t.Fatalf("acquire after unlock: %v", err)
	}
	relock()
}

func TestQuoteMirrorIntegration(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()
	m := NewQuoteMirror(c, time.Minute, slog.Default())

	now := time.Now()
	m.ObserveQuotes(ctx, []domain.QuoteUpdate{
		{Symbol: "TESTEURUSD", Bid: 1.07, Ask: 1.0701, Time: now},
		{Symbol: "TESTEURUSD", Bid: 1.08, Ask: 1.0801, Time: now},
	})

	q, err := m.GetQuote(ctx, "TESTEURUSD")
	if err != nil {
		t.Fatal(err)
	}
	if q.Bid != 1.08 {
		t.Fatalf("bid = %v, want last write", q.Bid)
	}
}

func TestEventBusIntegration(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()
	bus := NewEventBus(c, 100)

	ev := domain.TriangleEvent{Event: domain.EventTriangleOpened, TemplateID: 9, Direction: -1}
	if err := bus.PublishTriangle(ctx, ev); err != nil {
		t.Fatal(err)
	}
	recent, err := bus.RecentTriangles(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].TemplateID != 9 {
		t.Fatalf("recent = %+v", recent)
	}
}
