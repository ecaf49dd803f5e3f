package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/slots"
)

type fakeBroker struct {
	mu         sync.Mutex
	placed     []domain.OrderRequest
	cancels    []string
	failLeg    int // index of the PlaceOrder call that fails, -1 for none
	blockLeg   int // index of the PlaceOrder call that waits for its deadline, -1 for none
	failErr    error
	cancelErrs int // number of cancels that fail before succeeding
	fillPrice  float64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{failLeg: -1, blockLeg: -1}
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	b.mu.Lock()
	n := len(b.placed)
	b.placed = append(b.placed, req)
	block := n == b.blockLeg
	b.mu.Unlock()
	if block {
		<-ctx.Done()
		return domain.OrderAck{}, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if n == b.failLeg {
		if b.failErr != nil {
			return domain.OrderAck{}, b.failErr
		}
		return domain.OrderAck{}, nil
	}
	return domain.OrderAck{OrderID: fmt.Sprintf("ord-%d", n), FilledPrice: b.fillPrice}, nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, _, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, orderID)
	if b.cancelErrs > 0 {
		b.cancelErrs--
		return errors.New("venue busy")
	}
	return nil
}

func (b *fakeBroker) GetOrderState(context.Context, string, string) (domain.OrderState, error) {
	return domain.OrderStateFilled, nil
}

type recorder struct {
	opened, failed, closed []domain.ActiveTriangle
	anomalies              []error
}

func (r *recorder) Opened(_ context.Context, a domain.ActiveTriangle) { r.opened = append(r.opened, a) }
func (r *recorder) Failed(_ context.Context, a domain.ActiveTriangle, _ error) {
	r.failed = append(r.failed, a)
}
func (r *recorder) Closed(_ context.Context, a domain.ActiveTriangle) { r.closed = append(r.closed, a) }
func (r *recorder) Anomaly(_ context.Context, _ domain.ActiveTriangle, _ int, err error) {
	r.anomalies = append(r.anomalies, err)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		AccountID:     "acc-1",
		LotSize:       0.1,
		MinLotStep:    0.01,
		OrderTimeout:  time.Second,
		CancelRetries: 3,
	}
}

func mulOpportunity(id int) domain.Opportunity {
	usdrub := domain.Instrument{Symbol: "USDRUB", Base: "USD", Quote: "RUB", PointSize: 0.0001}
	eurrub := domain.Instrument{Symbol: "EURRUB", Base: "EUR", Quote: "RUB", PointSize: 0.0001}
	eurusd := domain.Instrument{Symbol: "EURUSD", Base: "EUR", Quote: "USD", PointSize: 0.00001}
	t := domain.Triangle{
		ID:         id,
		Combinator: domain.CombinatorMul,
		Direction:  1,
		Legs: [3]domain.Leg{
			domain.DirectLeg(eurusd, domain.OrderSideBuy),
			domain.DirectLeg(usdrub, domain.OrderSideBuy),
			domain.DirectLeg(eurrub, domain.OrderSideSell),
		},
	}
	return domain.Opportunity{
		Template:        t,
		Direction:       1,
		DeviationPoints: 120,
		Prices:          [3]float64{1.0705, 79.52, 85.30},
	}
}

func cnyOpportunity(id int) domain.Opportunity {
	usdcny := domain.Instrument{Symbol: "USDCNY", Base: "USD", Quote: "CNY", PointSize: 0.0001}
	cnyrub := domain.Instrument{Symbol: "CNYRUB", Base: "CNY", Quote: "RUB", PointSize: 0.0001}
	usdrub := domain.Instrument{Symbol: "USDRUB", Base: "USD", Quote: "RUB", PointSize: 0.0001}
	opp := mulOpportunity(id)
	opp.Template.Legs = [3]domain.Leg{
		domain.DirectLeg(usdcny, domain.OrderSideBuy),
		domain.DirectLeg(cnyrub, domain.OrderSideBuy),
		domain.DirectLeg(usdrub, domain.OrderSideSell),
	}
	opp.Prices = [3]float64{7.11, 11.21, 79.50}
	return opp
}

func TestOpen_Success(t *testing.T) {
	b := newFakeBroker()
	reg := slots.NewRegistry(3)
	rec := &recorder{}
	e := NewEngine(testConfig(), b, reg, rec, nil, testLogger())

	inst, err := e.Open(context.Background(), mulOpportunity(1), OpenOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.State != domain.TriangleStateActive {
		t.Errorf("expected active, got %s", inst.State)
	}
	if len(b.placed) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(b.placed))
	}
	for i, id := range inst.OrderIDs {
		if id == "" {
			t.Errorf("leg %d: missing order id", i)
		}
	}
	if inst.EntryPrices != [3]float64{1.0705, 79.52, 85.30} {
		t.Errorf("expected reference prices, got %v", inst.EntryPrices)
	}
	wantSides := []domain.OrderSide{domain.OrderSideBuy, domain.OrderSideBuy, domain.OrderSideSell}
	for i, req := range b.placed {
		if req.Side != wantSides[i] || req.Type != domain.OrderTypeMarket || req.AccountID != "acc-1" {
			t.Errorf("leg %d: unexpected request %+v", i, req)
		}
	}
	if b.placed[0].Comment != "ARB_MUL_D1_0" {
		t.Errorf("unexpected comment %q", b.placed[0].Comment)
	}
	if reg.Count() != 1 || len(rec.opened) != 1 {
		t.Errorf("expected one active slot and one open event")
	}
}

func TestOpen_LegTwoFailureRollsBack(t *testing.T) {
	b := newFakeBroker()
	b.failLeg = 2
	reg := slots.NewRegistry(3)
	rec := &recorder{}
	e := NewEngine(testConfig(), b, reg, rec, nil, testLogger())

	before := reg.Count()
	_, err := e.Open(context.Background(), mulOpportunity(1), OpenOptions{})
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
	if len(b.cancels) != 2 {
		t.Fatalf("expected exactly 2 cancels, got %d (%v)", len(b.cancels), b.cancels)
	}
	if b.cancels[0] != "ord-0" || b.cancels[1] != "ord-1" {
		t.Errorf("expected cancels for legs 0 and 1, got %v", b.cancels)
	}
	if reg.Count() != before {
		t.Errorf("expected slot count %d, got %d", before, reg.Count())
	}
	if reg.Busy(mulOpportunity(1).Template) {
		t.Error("template must be free after rollback")
	}
	if len(rec.failed) != 1 || rec.failed[0].State != domain.TriangleStateFailed {
		t.Errorf("expected one failed event in FAILED state, got %+v", rec.failed)
	}
}

func TestOpen_OrderTimeoutRollsBack(t *testing.T) {
	b := newFakeBroker()
	b.blockLeg = 1
	reg := slots.NewRegistry(1)
	rec := &recorder{}
	cfg := testConfig()
	cfg.OrderTimeout = 20 * time.Millisecond
	e := NewEngine(cfg, b, reg, rec, nil, testLogger())

	start := time.Now()
	_, err := e.Open(context.Background(), mulOpportunity(1), OpenOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("placement must be bounded by the order timeout")
	}
	if len(b.placed) != 2 {
		t.Errorf("expected no leg after the timed out one, got %d orders", len(b.placed))
	}
	if len(b.cancels) != 1 || b.cancels[0] != "ord-0" {
		t.Errorf("expected the first leg cancelled, got %v", b.cancels)
	}
	if reg.Count() != 0 {
		t.Error("expected the slot to be released")
	}
	if len(rec.failed) != 1 || rec.failed[0].State != domain.TriangleStateFailed {
		t.Errorf("expected one failed event, got %+v", rec.failed)
	}
}

func TestOpen_FirstLegTransportErrorNoCancels(t *testing.T) {
	b := newFakeBroker()
	b.failLeg = 0
	b.failErr = fmt.Errorf("dial: %w", domain.ErrConnectionFailure)
	reg := slots.NewRegistry(1)
	e := NewEngine(testConfig(), b, reg, nil, nil, testLogger())

	_, err := e.Open(context.Background(), mulOpportunity(1), OpenOptions{})
	if !domain.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	if len(b.cancels) != 0 {
		t.Errorf("expected no cancels, got %v", b.cancels)
	}
	if reg.Count() != 0 {
		t.Error("expected slot to be released")
	}
}

func TestOpen_NoFreeSlot(t *testing.T) {
	b := newFakeBroker()
	reg := slots.NewRegistry(1)
	e := NewEngine(testConfig(), b, reg, nil, nil, testLogger())

	if _, err := e.Open(context.Background(), mulOpportunity(1), OpenOptions{}); err != nil {
		t.Fatal(err)
	}
	_, err := e.Open(context.Background(), mulOpportunity(2), OpenOptions{})
	if !errors.Is(err, domain.ErrNoFreeSlot) {
		t.Errorf("expected ErrNoFreeSlot, got %v", err)
	}
	if len(b.placed) != 3 {
		t.Errorf("expected no orders for the rejected open, got %d total", len(b.placed))
	}
}

func TestOpen_CooldownAfterFailure(t *testing.T) {
	b := newFakeBroker()
	b.failLeg = 1
	e := NewEngine(testConfig(), b, slots.NewRegistry(1), nil, NewCooldown(time.Minute), testLogger())

	_, _ = e.Open(context.Background(), mulOpportunity(9), OpenOptions{})
	if !e.Blocked(mulOpportunity(9).Template) {
		t.Error("expected template to be cooling down after a failed open")
	}
	if !e.Blocked(mulOpportunity(10).Template) {
		t.Error("another template over the same instruments must cool down too")
	}
	if e.Blocked(cnyOpportunity(11).Template) {
		t.Error("unrelated cycle must not be blocked")
	}
}

func TestRollback_CancelExhaustionIsAnomaly(t *testing.T) {
	b := newFakeBroker()
	b.failLeg = 2
	b.cancelErrs = 100
	reg := slots.NewRegistry(1)
	rec := &recorder{}
	e := NewEngine(testConfig(), b, reg, rec, nil, testLogger())

	_, _ = e.Open(context.Background(), mulOpportunity(1), OpenOptions{})
	if len(b.cancels) != 6 {
		t.Errorf("expected 3 attempts for each of 2 legs, got %d", len(b.cancels))
	}
	if len(rec.anomalies) != 2 {
		t.Fatalf("expected 2 anomalies, got %d", len(rec.anomalies))
	}
	if !errors.Is(rec.anomalies[0], domain.ErrReconciliationAnomaly) {
		t.Errorf("expected ErrReconciliationAnomaly, got %v", rec.anomalies[0])
	}
	if reg.Count() != 0 {
		t.Error("slot must be force-released after an anomaly")
	}
}

func TestClose_ActiveOnly(t *testing.T) {
	b := newFakeBroker()
	reg := slots.NewRegistry(2)
	rec := &recorder{}
	e := NewEngine(testConfig(), b, reg, rec, nil, testLogger())

	if err := e.Close(context.Background(), 0, domain.CloseReasonManual, 0); err != nil {
		t.Errorf("closing an empty slot must be a no-op, got %v", err)
	}

	inst, _ := e.Open(context.Background(), mulOpportunity(1), OpenOptions{})
	if err := e.Close(context.Background(), inst.Slot, domain.CloseReasonTakeProfit, 12.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.cancels) != 3 {
		t.Errorf("expected 3 leg closes, got %d", len(b.cancels))
	}
	if reg.Count() != 0 {
		t.Error("expected slot released")
	}
	if len(rec.closed) != 1 {
		t.Fatalf("expected one close event")
	}
	got := rec.closed[0]
	if got.State != domain.TriangleStateClosed || got.CloseReason != domain.CloseReasonTakeProfit || got.RealizedPnL != 12.5 {
		t.Errorf("unexpected closed instance %+v", got)
	}
	if err := e.Close(context.Background(), inst.Slot, domain.CloseReasonManual, 0); err != nil {
		t.Errorf("second close must be a no-op, got %v", err)
	}
	if len(rec.closed) != 1 {
		t.Error("second close must not emit an event")
	}
}

func TestClose_ContinuesPastFailures(t *testing.T) {
	b := newFakeBroker()
	reg := slots.NewRegistry(1)
	rec := &recorder{}
	cfg := testConfig()
	cfg.CancelRetries = 1
	e := NewEngine(cfg, b, reg, rec, nil, testLogger())

	inst, _ := e.Open(context.Background(), mulOpportunity(1), OpenOptions{})
	b.cancelErrs = 1
	if err := e.Close(context.Background(), inst.Slot, domain.CloseReasonStopLoss, -3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.cancels) != 3 {
		t.Errorf("expected a close attempt on every leg, got %d", len(b.cancels))
	}
	if len(rec.anomalies) != 1 {
		t.Errorf("expected one anomaly, got %d", len(rec.anomalies))
	}
	if reg.Count() != 0 {
		t.Error("expected slot released despite the failed leg")
	}
}

func TestCloseAll(t *testing.T) {
	b := newFakeBroker()
	reg := slots.NewRegistry(3)
	rec := &recorder{}
	cfg := testConfig()
	cfg.AllowOverlap = true
	e := NewEngine(cfg, b, reg, rec, nil, testLogger())

	for id := 1; id <= 3; id++ {
		if _, err := e.Open(context.Background(), mulOpportunity(id), OpenOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n := e.CloseAll(ctx, domain.CloseReasonShutdown, map[int]float64{0: 1.5}); n != 3 {
		t.Errorf("expected 3 closes, got %d", n)
	}
	if reg.Count() != 0 {
		t.Error("expected every slot released")
	}
	if rec.closed[0].RealizedPnL != 1.5 {
		t.Errorf("expected mark to be recorded, got %v", rec.closed[0].RealizedPnL)
	}
}

func TestOpen_CompensationLinksParent(t *testing.T) {
	b := newFakeBroker()
	e := NewEngine(testConfig(), b, slots.NewRegistry(2), nil, nil, testLogger())

	inst, err := e.Open(context.Background(), mulOpportunity(1), OpenOptions{
		LotMultiplier: 0.6,
		Compensation:  true,
		ParentSlot:    4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !inst.IsCompensation || inst.ParentSlot != 4 {
		t.Errorf("expected compensation linked to slot 4, got %+v", inst)
	}
	if b.placed[0].Comment != "COMP_MUL_D1_0" {
		t.Errorf("unexpected comment %q", b.placed[0].Comment)
	}
	if math.Abs(inst.Lots[0]-0.06) > 1e-12 {
		t.Errorf("expected scaled lot 0.06, got %v", inst.Lots[0])
	}
}

func TestOpen_DerivedLegFillInverted(t *testing.T) {
	b := newFakeBroker()
	b.fillPrice = 80
	e := NewEngine(testConfig(), b, slots.NewRegistry(1), nil, nil, testLogger())

	opp := mulOpportunity(1)
	usdrub := domain.Instrument{Symbol: "USDRUB", Base: "USD", Quote: "RUB", PointSize: 0.0001}
	opp.Template.Legs[1] = domain.DerivedLeg(usdrub, domain.OrderSideBuy)

	inst, err := e.Open(context.Background(), opp, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if b.placed[1].Side != domain.OrderSideSell {
		t.Errorf("derived buy must be sent as sell, got %s", b.placed[1].Side)
	}
	if math.Abs(inst.EntryPrices[1]-1.0/80) > 1e-12 {
		t.Errorf("expected inverted fill 1/80, got %v", inst.EntryPrices[1])
	}
}

func TestLots(t *testing.T) {
	e := NewEngine(testConfig(), newFakeBroker(), slots.NewRegistry(1), nil, nil, testLogger())

	mul := e.Lots(mulOpportunity(1).Template, 1)
	if mul != [3]float64{0.1, 0.1, 0.1} {
		// 0.1*0.98 = 0.098 rounds to 0.1 with a 0.01 step
		t.Errorf("unexpected MUL lots %v", mul)
	}

	big := NewEngine(Config{LotSize: 10, MinLotStep: 0.01}, newFakeBroker(), slots.NewRegistry(1), nil, nil, testLogger())
	got := big.Lots(mulOpportunity(1).Template, 1)
	if got[2] != 9.8 {
		t.Errorf("expected third MUL leg 9.8, got %v", got[2])
	}
	div := mulOpportunity(1).Template
	div.Combinator = domain.CombinatorDiv
	if got := big.Lots(div, 1); got[2] != 10.2 {
		t.Errorf("expected third DIV leg 10.2, got %v", got[2])
	}
}

func TestRoundLot(t *testing.T) {
	tests := []struct {
		lot, step, want float64
	}{
		{0.098, 0.01, 0.1},
		{1.234, 0.1, 1.2},
		{0.001, 0.01, 0.01},
		{7, 1, 7},
		{0.37, 0, 0.37},
	}
	for _, tt := range tests {
		if got := RoundLot(tt.lot, tt.step); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("RoundLot(%v, %v) = %v, want %v", tt.lot, tt.step, got, tt.want)
		}
	}
}
