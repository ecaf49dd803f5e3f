package quotes

import (
	"context"
	"testing"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

type recordingObserver struct {
	batches [][]domain.QuoteUpdate
}

func (r *recordingObserver) ObserveQuotes(_ context.Context, batch []domain.QuoteUpdate) {
	r.batches = append(r.batches, batch)
}

func TestQueue_DrainInArrivalOrder(t *testing.T) {
	q := NewQueue(4)
	for _, s := range []string{"A", "B", "C"} {
		q.Publish(domain.QuoteUpdate{Symbol: s})
	}
	got := q.Drain()
	if len(got) != 3 || got[0].Symbol != "A" || got[2].Symbol != "C" {
		t.Fatalf("unexpected drain result: %+v", got)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after drain, got %d", q.Len())
	}
	if q.Drain() != nil {
		t.Error("expected nil from empty drain")
	}
}

func TestQueue_EvictsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	q.Publish(domain.QuoteUpdate{Symbol: "A"})
	q.Publish(domain.QuoteUpdate{Symbol: "B"})
	if evicted := q.Publish(domain.QuoteUpdate{Symbol: "C"}); !evicted {
		t.Error("expected eviction on full queue")
	}

	got := q.Drain()
	if len(got) != 2 || got[0].Symbol != "B" || got[1].Symbol != "C" {
		t.Errorf("expected [B C], got %+v", got)
	}
	if q.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", q.Dropped())
	}
}

func TestQueue_DispatchToObservers(t *testing.T) {
	q := NewQueue(8)
	a, b := &recordingObserver{}, &recordingObserver{}

	if n := q.Dispatch(context.Background(), a, b); n != 0 {
		t.Errorf("expected nothing dispatched, got %d", n)
	}
	if len(a.batches) != 0 {
		t.Error("observers must not be called for an empty batch")
	}

	q.Publish(domain.QuoteUpdate{Symbol: "USDRUB"})
	if n := q.Dispatch(context.Background(), a, b); n != 1 {
		t.Errorf("expected 1 dispatched, got %d", n)
	}
	if len(a.batches) != 1 || len(b.batches) != 1 {
		t.Errorf("expected each observer to receive one batch, got %d and %d",
			len(a.batches), len(b.batches))
	}
}
