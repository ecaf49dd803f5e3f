package domain

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideBuy {
		return 1
	}
	return -1
}

// OrderType is the execution style. Only market orders are used by the
// engine.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderState is the broker-side lifecycle of an order.
type OrderState string

const (
	OrderStateNew             OrderState = "new"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCancelled       OrderState = "cancelled"
	OrderStateRejected        OrderState = "rejected"
	OrderStateUnknown         OrderState = "unknown"
)

// Gone reports whether the order no longer backs a position.
func (s OrderState) Gone() bool {
	return s == OrderStateCancelled || s == OrderStateRejected
}

// OrderRequest is a single leg submission.
type OrderRequest struct {
	AccountID     string
	Symbol        string
	Side          OrderSide
	Quantity      float64
	Type          OrderType
	ClientOrderID string
	Comment       string
}

// OrderAck is the broker's answer to a placement.
type OrderAck struct {
	OrderID     string
	FilledPrice float64 // 0 when the venue does not report it synchronously
	State       OrderState
}
