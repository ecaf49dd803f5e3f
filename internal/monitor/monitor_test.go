package monitor

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/executor"
	"github.com/alanyoungcy/fxtriarb/internal/quotes"
)

type closeCall struct {
	slot   int
	reason domain.CloseReason
	pnl    float64
}

type fakeEngine struct {
	closes []closeCall
	opens  []executor.OpenOptions
	opps   []domain.Opportunity
}

func (f *fakeEngine) Open(_ context.Context, opp domain.Opportunity, opts executor.OpenOptions) (domain.ActiveTriangle, error) {
	f.opens = append(f.opens, opts)
	f.opps = append(f.opps, opp)
	return domain.ActiveTriangle{Slot: 9, IsCompensation: opts.Compensation, ParentSlot: opts.ParentSlot}, nil
}

func (f *fakeEngine) Close(_ context.Context, slot int, reason domain.CloseReason, pnl float64) error {
	f.closes = append(f.closes, closeCall{slot, reason, pnl})
	return nil
}

type fakeSlots []domain.ActiveTriangle

func (f fakeSlots) Active() []domain.ActiveTriangle { return f }

type stateBroker struct {
	state domain.OrderState
	calls int
}

func (b *stateBroker) PlaceOrder(context.Context, domain.OrderRequest) (domain.OrderAck, error) {
	return domain.OrderAck{}, nil
}
func (b *stateBroker) CancelOrder(context.Context, string, string) error { return nil }
func (b *stateBroker) GetOrderState(context.Context, string, string) (domain.OrderState, error) {
	b.calls++
	return b.state, nil
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func template() domain.Triangle {
	usdrub := domain.Instrument{Symbol: "USDRUB", Base: "USD", Quote: "RUB", PointSize: 0.0001}
	eurrub := domain.Instrument{Symbol: "EURRUB", Base: "EUR", Quote: "RUB", PointSize: 0.0001}
	eurusd := domain.Instrument{Symbol: "EURUSD", Base: "EUR", Quote: "USD", PointSize: 0.00001}
	return domain.Triangle{
		ID:         3,
		Combinator: domain.CombinatorMul,
		Direction:  1,
		Legs: [3]domain.Leg{
			domain.DirectLeg(eurusd, domain.OrderSideBuy),
			domain.DirectLeg(usdrub, domain.OrderSideBuy),
			domain.DirectLeg(eurrub, domain.OrderSideSell),
		},
	}
}

// active opens a forward triangle at the given entries with unit lots.
func active(slot int, entries [3]float64) domain.ActiveTriangle {
	tri := template()
	return domain.ActiveTriangle{
		Slot:        slot,
		Template:    tri,
		Direction:   1,
		Sides:       tri.SidesFor(1),
		OrderIDs:    [3]string{"a", "b", "c"},
		EntryPrices: entries,
		Lots:        [3]float64{1, 1, 1},
		OpenedAt:    t0,
		State:       domain.TriangleStateActive,
		ParentSlot:  domain.NoParent,
	}
}

func flatCache(eurusd, usdrub, eurrub float64) *quotes.Cache {
	c := quotes.NewCache()
	c.Update("EURUSD", eurusd, eurusd, 0, 0, t0)
	c.Update("USDRUB", usdrub, usdrub, 0, 0, t0)
	c.Update("EURRUB", eurrub, eurrub, 0, 0, t0)
	return c
}

func baseConfig() Config {
	return Config{
		TakeProfit:     10,
		StopLoss:       20,
		MaxHold:        4 * time.Hour,
		UnitMultiplier: 1,
	}
}

func TestPnL_SignedByLegSide(t *testing.T) {
	// Bought legs gain 0.5 each, the sold leg loses 2.
	c := flatCache(1.5, 80.5, 87)
	m := New(baseConfig(), fakeSlots{}, &fakeEngine{}, c, nil, logger())

	pnl, ok := m.PnL(active(0, [3]float64{1.0, 80, 85}))
	if !ok {
		t.Fatal("expected priced")
	}
	if math.Abs(pnl-(0.5+0.5-2)) > 1e-9 {
		t.Errorf("expected -1, got %v", pnl)
	}
}

func TestPnL_UsesExitSide(t *testing.T) {
	c := quotes.NewCache()
	c.Update("EURUSD", 1.0, 1.2, 0, 0, t0)
	c.Update("USDRUB", 80, 80, 0, 0, t0)
	c.Update("EURRUB", 85, 86, 0, 0, t0)
	m := New(baseConfig(), fakeSlots{}, &fakeEngine{}, c, nil, logger())

	pnl, _ := m.PnL(active(0, [3]float64{1.0, 80, 85}))
	// EURUSD bought, marked at bid 1.0 -> 0; EURRUB sold, marked at ask 86 -> -1.
	if math.Abs(pnl-(-1)) > 1e-9 {
		t.Errorf("expected -1, got %v", pnl)
	}
}

func TestTick_MaxHoldClosesRegardlessOfSign(t *testing.T) {
	tests := []struct {
		name  string
		cache *quotes.Cache
	}{
		{"profit below target", flatCache(1.001, 80, 85)},
		{"loss above stop", flatCache(0.999, 80, 85)},
		{"unpriced", quotes.NewCache()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			slots := fakeSlots{active(2, [3]float64{1.0, 80, 85})}
			m := New(baseConfig(), slots, eng, tt.cache, nil, logger())

			if n := m.Tick(context.Background(), t0.Add(4*time.Hour-time.Second)); n != 0 {
				t.Fatalf("closed before max hold")
			}
			if n := m.Tick(context.Background(), t0.Add(4*time.Hour)); n != 1 {
				t.Fatalf("expected a close at t0+4h, got %d", n)
			}
			if eng.closes[0].reason != domain.CloseReasonMaxHold || eng.closes[0].slot != 2 {
				t.Errorf("unexpected close %+v", eng.closes[0])
			}
		})
	}
}

func TestDecide_Priority(t *testing.T) {
	m := New(baseConfig(), fakeSlots{}, &fakeEngine{}, quotes.NewCache(), nil, logger())
	inst := active(0, [3]float64{})

	tests := []struct {
		name    string
		pnl     float64
		elapsed time.Duration
		want    domain.CloseReason
	}{
		{"hold", 5, time.Hour, ""},
		{"take profit", 10, time.Hour, domain.CloseReasonTakeProfit},
		{"stop loss", -20, time.Hour, domain.CloseReasonStopLoss},
		{"max hold beats take profit", 50, 5 * time.Hour, domain.CloseReasonMaxHold},
		{"max hold beats stop loss", -50, 4 * time.Hour, domain.CloseReasonMaxHold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Decide(inst, tt.pnl, true, t0.Add(tt.elapsed)); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTick_TakeProfitAndMarks(t *testing.T) {
	eng := &fakeEngine{}
	c := flatCache(1.0, 80, 85)
	cfg := baseConfig()
	cfg.UnitMultiplier = 1000
	slots := fakeSlots{
		active(0, [3]float64{0.98, 80, 85}), // +20 with multiplier 1000
		active(1, [3]float64{1.0, 80, 85}),  // flat
	}
	m := New(cfg, slots, eng, c, nil, logger())

	if n := m.Tick(context.Background(), t0.Add(time.Minute)); n != 1 {
		t.Fatalf("expected one close, got %d", n)
	}
	if eng.closes[0].reason != domain.CloseReasonTakeProfit || math.Abs(eng.closes[0].pnl-20) > 1e-6 {
		t.Errorf("unexpected close %+v", eng.closes[0])
	}
	marks := m.Marks()
	if len(marks) != 1 || marks[0].Slot != 1 {
		t.Errorf("expected a mark only for the open slot, got %+v", marks)
	}
}

func TestTick_StopLossCompensation(t *testing.T) {
	eng := &fakeEngine{}
	cfg := baseConfig()
	cfg.CompensationEnabled = true
	cfg.CompensationLotMultiplier = 0.6
	c := flatCache(1.0, 80, 110) // sold EURRUB at 85, now 110: -25
	m := New(cfg, fakeSlots{active(1, [3]float64{1.0, 80, 85})}, eng, c, nil, logger())

	m.Tick(context.Background(), t0.Add(time.Minute))
	if len(eng.closes) != 1 || eng.closes[0].reason != domain.CloseReasonStopLoss {
		t.Fatalf("expected a stop-loss close, got %+v", eng.closes)
	}
	if len(eng.opens) != 1 {
		t.Fatalf("expected one compensation open, got %d", len(eng.opens))
	}
	opts := eng.opens[0]
	if !opts.Compensation || opts.ParentSlot != 1 || opts.LotMultiplier != 0.6 {
		t.Errorf("unexpected compensation options %+v", opts)
	}
	if eng.opps[0].Template.ID != 3 || eng.opps[0].Direction != 1 {
		t.Errorf("compensation must reuse template and direction, got %+v", eng.opps[0])
	}
}

func TestTick_NoCompensationOfCompensation(t *testing.T) {
	eng := &fakeEngine{}
	cfg := baseConfig()
	cfg.CompensationEnabled = true
	inst := active(1, [3]float64{1.0, 80, 85})
	inst.IsCompensation = true
	inst.ParentSlot = 0
	m := New(cfg, fakeSlots{inst}, eng, flatCache(1.0, 80, 110), nil, logger())

	m.Tick(context.Background(), t0.Add(time.Minute))
	if len(eng.opens) != 0 {
		t.Error("a compensation triangle must not be compensated again")
	}
}

func TestTick_ReconcileClosesExternallyGone(t *testing.T) {
	eng := &fakeEngine{}
	b := &stateBroker{state: domain.OrderStateCancelled}
	cfg := baseConfig()
	cfg.ReconcileEvery = 2
	m := New(cfg, fakeSlots{active(0, [3]float64{1.0, 80, 85})}, eng, flatCache(1.0, 80, 85), b, logger())

	m.Tick(context.Background(), t0.Add(time.Minute))
	if b.calls != 0 || len(eng.closes) != 0 {
		t.Fatal("reconciliation must only run every second tick")
	}
	m.Tick(context.Background(), t0.Add(2*time.Minute))
	if b.calls != 3 {
		t.Errorf("expected 3 order state lookups, got %d", b.calls)
	}
	if len(eng.closes) != 1 || eng.closes[0].reason != domain.CloseReasonExternal {
		t.Errorf("expected an external close, got %+v", eng.closes)
	}
}

func TestTick_ReconcileKeepsFilled(t *testing.T) {
	eng := &fakeEngine{}
	b := &stateBroker{state: domain.OrderStateFilled}
	cfg := baseConfig()
	cfg.ReconcileEvery = 1
	m := New(cfg, fakeSlots{active(0, [3]float64{1.0, 80, 85})}, eng, flatCache(1.0, 80, 85), b, logger())

	m.Tick(context.Background(), t0.Add(time.Minute))
	if len(eng.closes) != 0 {
		t.Errorf("filled orders must keep the slot open, got %+v", eng.closes)
	}
}
