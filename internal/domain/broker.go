package domain

import (
	"context"
	"time"
)

// QuoteStream delivers live top-of-book updates. The returned channel is
// closed when the subscription ends.
type QuoteStream interface {
	Subscribe(ctx context.Context, symbols []string) (<-chan QuoteUpdate, error)
}

// Broker places and manages orders on the trading venue.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
	GetOrderState(ctx context.Context, accountID, orderID string) (OrderState, error)
}

// InstrumentSource lists the tradable universe when it is not configured
// statically.
type InstrumentSource interface {
	Instruments(ctx context.Context) ([]Instrument, error)
}

// VenueInfo answers connectivity checks used by the diagnose mode.
type VenueInfo interface {
	ServerTime(ctx context.Context) (time.Time, error)
}
