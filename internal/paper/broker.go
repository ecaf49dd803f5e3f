// Package paper provides an in-process broker that fills every market order
// at the current top of book without touching the venue.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// QuoteSource supplies the book used to price simulated fills.
type QuoteSource interface {
	Snapshot(symbol string) (domain.Quote, bool)
}

// Order is the simulated record of one placement.
type Order struct {
	ID      string
	Request domain.OrderRequest
	Price   float64
	State   domain.OrderState
}

// Broker is a paper-trading domain.Broker. It acknowledges every order as
// filled, priced at ask for buys and bid for sells when a quote is known.
type Broker struct {
	quotes QuoteSource
	logger *slog.Logger

	// FailOn, when set, is consulted before each placement; a non-nil return
	// rejects the order with that error.
	FailOn func(req domain.OrderRequest) error

	mu     sync.Mutex
	orders map[string]*Order
	seq    []string
}

// NewBroker creates a paper broker. quotes may be nil, in which case fills
// carry no price and the engine falls back to its reference prices.
func NewBroker(quotes QuoteSource, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		quotes: quotes,
		logger: logger.With(slog.String("component", "paper-broker")),
		orders: make(map[string]*Order),
	}
}

// PlaceOrder records a filled order.
func (b *Broker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderAck{}, err
	}
	if req.Quantity <= 0 {
		return domain.OrderAck{}, fmt.Errorf("paper: place %s: %w: non-positive quantity", req.Symbol, domain.ErrOrderRejected)
	}
	if b.FailOn != nil {
		if err := b.FailOn(req); err != nil {
			return domain.OrderAck{}, fmt.Errorf("paper: place %s: %w", req.Symbol, err)
		}
	}

	var price float64
	if b.quotes != nil {
		if q, ok := b.quotes.Snapshot(req.Symbol); ok {
			price = q.Bid
			if req.Side == domain.OrderSideBuy {
				price = q.Ask
			}
		}
	}

	o := &Order{
		ID:      "PAPER-" + uuid.NewString(),
		Request: req,
		Price:   price,
		State:   domain.OrderStateFilled,
	}

	b.mu.Lock()
	b.orders[o.ID] = o
	b.seq = append(b.seq, o.ID)
	b.mu.Unlock()

	b.logger.Info("paper fill",
		slog.String("order_id", o.ID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("qty", req.Quantity),
		slog.Float64("price", price),
		slog.String("comment", req.Comment),
	)

	return domain.OrderAck{OrderID: o.ID, FilledPrice: price, State: o.State}, nil
}

// CancelOrder marks the order cancelled. Unknown IDs return ErrNotFound.
func (b *Broker) CancelOrder(ctx context.Context, _, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	o.State = domain.OrderStateCancelled
	return nil
}

// GetOrderState returns the simulated state.
func (b *Broker) GetOrderState(ctx context.Context, _, orderID string) (domain.OrderState, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderStateUnknown, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return domain.OrderStateUnknown, fmt.Errorf("paper: get %s: %w", orderID, domain.ErrNotFound)
	}
	return o.State, nil
}

// Orders returns every placement in arrival order.
func (b *Broker) Orders() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Order, 0, len(b.seq))
	for _, id := range b.seq {
		out = append(out, *b.orders[id])
	}
	return out
}
