package paper

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

type staticQuotes map[string]domain.Quote

func (s staticQuotes) Snapshot(symbol string) (domain.Quote, bool) {
	q, ok := s[symbol]
	return q, ok
}

func TestPaperFillsAtTouch(t *testing.T) {
	b := NewBroker(staticQuotes{"EURUSD": {Symbol: "EURUSD", Bid: 1.0704, Ask: 1.0705}}, nil)
	ctx := context.Background()

	buy, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "EURUSD", Side: domain.OrderSideBuy, Quantity: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buy.OrderID, "PAPER-") || buy.State != domain.OrderStateFilled || buy.FilledPrice != 1.0705 {
		t.Fatalf("buy ack = %+v", buy)
	}

	sell, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "EURUSD", Side: domain.OrderSideSell, Quantity: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if sell.FilledPrice != 1.0704 || sell.OrderID == buy.OrderID {
		t.Fatalf("sell ack = %+v", sell)
	}

	unknown, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "USDJPY", Side: domain.OrderSideSell, Quantity: 0.1})
	if err != nil || unknown.FilledPrice != 0 {
		t.Fatalf("unpriced ack = %+v, %v", unknown, err)
	}

	if got := len(b.Orders()); got != 3 {
		t.Fatalf("orders = %d", got)
	}
}

func TestPaperCancelAndState(t *testing.T) {
	b := NewBroker(nil, nil)
	ctx := context.Background()

	ack, _ := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "EURUSD", Side: domain.OrderSideBuy, Quantity: 1})
	if st, _ := b.GetOrderState(ctx, "", ack.OrderID); st != domain.OrderStateFilled {
		t.Fatalf("state = %s", st)
	}
	if err := b.CancelOrder(ctx, "", ack.OrderID); err != nil {
		t.Fatal(err)
	}
	if st, _ := b.GetOrderState(ctx, "", ack.OrderID); st != domain.OrderStateCancelled {
		t.Fatalf("state after cancel = %s", st)
	}
	if err := b.CancelOrder(ctx, "", "PAPER-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cancel unknown: %v", err)
	}
}

func TestPaperFailOn(t *testing.T) {
	b := NewBroker(nil, nil)
	b.FailOn = func(req domain.OrderRequest) error {
		if req.Symbol == "EURRUB" {
			return domain.ErrOrderRejected
		}
		return nil
	}

	_, err := b.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "EURRUB", Side: domain.OrderSideBuy, Quantity: 1})
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("err = %v", err)
	}
	if len(b.Orders()) != 0 {
		t.Fatal("rejected order recorded")
	}

	if _, err := b.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "EURUSD", Side: domain.OrderSideBuy, Quantity: 0}); !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("zero qty: %v", err)
	}
}
