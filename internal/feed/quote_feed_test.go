package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/quotes"
)

// scriptedStream serves one batch of updates per Subscribe call, then closes
// the channel. Calls beyond the script fail.
type scriptedStream struct {
	mu      sync.Mutex
	batches [][]domain.QuoteUpdate
	calls   int
}

func (s *scriptedStream) Subscribe(_ context.Context, _ []string) (<-chan domain.QuoteUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.batches) == 0 {
		return nil, errors.New("venue down")
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]

	ch := make(chan domain.QuoteUpdate, len(batch))
	for _, u := range batch {
		ch <- u
	}
	close(ch)
	return ch, nil
}

func (s *scriptedStream) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQuoteFeedResubscribesAndIngests(t *testing.T) {
	now := time.Now()
	stream := &scriptedStream{batches: [][]domain.QuoteUpdate{
		{{Symbol: "EURUSD", Bid: 1.07, Ask: 1.0701, Time: now}},
		{
			{Symbol: "USDRUB", Bid: 79.52, Ask: 79.53, Time: now},
			{Symbol: "EURRUB", Bid: 0, Ask: 85.2, Time: now}, // invalid
		},
	}}

	cache := quotes.NewCache()
	queue := quotes.NewQueue(16)
	f := NewQuoteFeed(stream, []string{"EURUSD", "USDRUB", "EURRUB"}, cache, queue, 20*time.Millisecond, testLogger())
	f.baseDelay = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	deadline := time.After(time.Second)
	for f.Updates() < 2 || stream.Calls() < 3 {
		select {
		case <-deadline:
			t.Fatalf("updates=%d calls=%d", f.Updates(), stream.Calls())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	if f.Rejected() != 1 || f.Sessions() != 2 {
		t.Fatalf("rejected=%d sessions=%d", f.Rejected(), f.Sessions())
	}
	if _, ok := cache.Snapshot("USDRUB"); !ok {
		t.Fatal("USDRUB not cached")
	}
	if _, ok := cache.Snapshot("EURRUB"); ok {
		t.Fatal("invalid quote cached")
	}
	if got := queue.Drain(); len(got) != 2 || got[0].Symbol != "EURUSD" {
		t.Fatalf("queue = %+v", got)
	}
}

func TestQuoteFeedNoSymbols(t *testing.T) {
	f := NewQuoteFeed(&scriptedStream{}, nil, quotes.NewCache(), quotes.NewQueue(1), 0, testLogger())
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
