package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/catalog"
	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/executor"
	"github.com/alanyoungcy/fxtriarb/internal/monitor"
	"github.com/alanyoungcy/fxtriarb/internal/quotes"
	"github.com/alanyoungcy/fxtriarb/internal/scanner"
	"github.com/alanyoungcy/fxtriarb/internal/slots"
)

type paperBroker struct {
	mu      sync.Mutex
	n       int
	cancels int
	err     error
}

func (b *paperBroker) PlaceOrder(context.Context, domain.OrderRequest) (domain.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return domain.OrderAck{}, b.err
	}
	b.n++
	return domain.OrderAck{OrderID: fmt.Sprintf("p-%d", b.n)}, nil
}

func (b *paperBroker) CancelOrder(context.Context, string, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return nil
}

func (b *paperBroker) GetOrderState(context.Context, string, string) (domain.OrderState, error) {
	return domain.OrderStateFilled, nil
}

type countingMonitor struct {
	ticks int
}

func (m *countingMonitor) Tick(context.Context, time.Time) int { m.ticks++; return 0 }
func (m *countingMonitor) PnLBySlot() map[int]float64          { return nil }

type countingObserver struct{ n int }

func (o *countingObserver) ObserveQuotes(_ context.Context, b []domain.QuoteUpdate) { o.n += len(b) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type harness struct {
	loop     *Loop
	broker   *paperBroker
	registry *slots.Registry
	queue    *quotes.Queue
	observer *countingObserver
}

func eurCycle() []domain.Instrument {
	return []domain.Instrument{
		{Symbol: "USDRUB", Base: "USD", Quote: "RUB", PointSize: 0.0001},
		{Symbol: "EURRUB", Base: "EUR", Quote: "RUB", PointSize: 0.0001},
		{Symbol: "EURUSD", Base: "EUR", Quote: "USD", PointSize: 0.00001},
	}
}

func twoCycles() []domain.Instrument {
	return append(eurCycle(),
		domain.Instrument{Symbol: "USDCNY", Base: "USD", Quote: "CNY", PointSize: 0.0001},
		domain.Instrument{Symbol: "CNYRUB", Base: "CNY", Quote: "RUB", PointSize: 0.0001},
	)
}

func newHarness(t *testing.T, execute bool, sup Supervisor) harness {
	t.Helper()
	return newHarnessOver(t, eurCycle(), execute, sup)
}

func newHarnessOver(t *testing.T, instruments []domain.Instrument, execute bool, sup Supervisor) harness {
	t.Helper()
	cat, err := catalog.Build(instruments)
	if err != nil {
		t.Fatal(err)
	}
	cache := quotes.NewCache()
	now := time.Now()
	cache.Update("USDRUB", 79.50, 79.52, 0, 0, now)
	cache.Update("EURRUB", 85.10, 85.14, 0, 0, now)
	cache.Update("EURUSD", 1.0695, 1.0705, 0, 0, now)
	cache.Update("USDCNY", 7.10, 7.11, 0, 0, now)
	cache.Update("CNYRUB", 11.20, 11.21, 0, 0, now)

	reg := slots.NewRegistry(2)
	b := &paperBroker{}
	eng := executor.NewEngine(executor.Config{LotSize: 0.1, MinLotStep: 0.01, CancelRetries: 1},
		b, reg, nil, nil, discard())
	if sup == nil {
		sup = monitor.New(monitor.Config{TakeProfit: 1e9, StopLoss: 1e9, MaxHold: time.Hour, UnitMultiplier: 1},
			reg, eng, cache, nil, discard())
	}
	q := quotes.NewQueue(16)
	obs := &countingObserver{}
	loop := New(Config{
		Interval: 10 * time.Millisecond,
		Execute:  execute,
		Scan:     scanner.Config{MaxSpreadPoints: 1e6, MinDeviationPoints: 1},
	}, cat.Triangles(), cache, reg, eng, sup, q, []quotes.Observer{obs}, discard())
	return harness{loop: loop, broker: b, registry: reg, queue: q, observer: obs}
}

func TestTick_OpensBestOpportunity(t *testing.T) {
	h := newHarness(t, true, nil)
	h.queue.Publish(domain.QuoteUpdate{Symbol: "USDRUB"})

	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.registry.Count() != 1 {
		t.Fatalf("expected one active triangle, got %d", h.registry.Count())
	}
	res, _ := h.loop.LastScan()
	best, _ := res.Best()
	if !h.registry.Busy(best.Template) {
		t.Error("expected the best template to be opened")
	}
	if h.observer.n != 1 {
		t.Errorf("expected drained quote to reach observers, got %d", h.observer.n)
	}
}

func TestTick_ScanModeDoesNotTrade(t *testing.T) {
	h := newHarness(t, false, nil)
	_ = h.loop.Tick(context.Background())
	if h.registry.Count() != 0 || h.broker.n != 0 {
		t.Error("scan mode must not place orders")
	}
	res, _ := h.loop.LastScan()
	if len(res.Opportunities) == 0 {
		t.Error("expected opportunities to be recorded")
	}
}

func TestTick_ConnectionFailureSkipsMonitor(t *testing.T) {
	mon := &countingMonitor{}
	h := newHarness(t, true, mon)
	h.broker.err = fmt.Errorf("dial: %w", domain.ErrConnectionFailure)

	err := h.loop.Tick(context.Background())
	if !errors.Is(err, domain.ErrConnectionFailure) {
		t.Fatalf("expected connection failure, got %v", err)
	}
	if mon.ticks != 0 {
		t.Error("monitor must not run after a connection failure")
	}
	if h.registry.Count() != 0 {
		t.Error("failed open must not hold a slot")
	}

	h.broker.err = nil
	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mon.ticks != 1 {
		t.Errorf("expected monitor to run on the next tick, got %d", mon.ticks)
	}
}

func TestTick_FillsRegistryThenStops(t *testing.T) {
	h := newHarnessOver(t, twoCycles(), true, nil)
	for i := 0; i < 4; i++ {
		_ = h.loop.Tick(context.Background())
	}
	if h.registry.Count() != 2 {
		t.Fatalf("expected registry full at 2, got %d", h.registry.Count())
	}
	res, _ := h.loop.LastScan()
	if !res.RegistryFull {
		t.Error("expected the scan to stop once the registry is full")
	}
	snap := h.registry.Snapshot()
	if snap[0].Template.Cycle() == snap[1].Template.Cycle() {
		t.Errorf("both slots trade %s", snap[0].Template.Cycle())
	}
}

func TestTick_OneCycleNeverOpensTwice(t *testing.T) {
	h := newHarness(t, true, nil)
	for i := 0; i < 3; i++ {
		if err := h.loop.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if h.registry.Count() != 1 {
		t.Fatalf("expected a single slot for one instrument cycle, got %d", h.registry.Count())
	}
	if h.broker.n != 3 {
		t.Errorf("expected exactly three orders, got %d", h.broker.n)
	}
	res, _ := h.loop.LastScan()
	if len(res.Opportunities) != 0 {
		t.Errorf("expected every template of the cycle to be excluded, got %d", len(res.Opportunities))
	}
}

func TestRun_ShutdownClosesActive(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for h.registry.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("loop never opened a triangle")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	if h.registry.Count() != 0 {
		t.Errorf("expected all slots closed on shutdown, got %d", h.registry.Count())
	}
	if h.loop.Running() {
		t.Error("expected run flag cleared")
	}
}

func TestRun_StopFlag(t *testing.T) {
	h := newHarness(t, false, nil)
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	h.loop.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not observe the run flag")
	}
}
