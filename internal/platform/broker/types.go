package broker

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// sessionRequest is the body of POST /v1/session.
type sessionRequest struct {
	APIKey string `json:"api_key"`
}

// sessionResponse carries the bearer token issued by the venue.
type sessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // unix millis, 0 = no expiry
}

// orderRequest is the body of POST /v1/accounts/{id}/orders.
type orderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Comment       string          `json:"comment,omitempty"`
}

// orderResponse is returned by order placement and order lookup.
type orderResponse struct {
	OrderID     string          `json:"order_id"`
	State       string          `json:"state"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	Reason      string          `json:"reason,omitempty"`
}

// instrumentWire is one element of GET /v1/instruments.
type instrumentWire struct {
	Symbol    string  `json:"symbol"`
	Base      string  `json:"base"`
	Quote     string  `json:"quote"`
	PointSize float64 `json:"point_size"`
	LotStep   float64 `json:"lot_step"`
	Tradable  *bool   `json:"tradable,omitempty"`
}

// timeResponse is returned by GET /v1/time.
type timeResponse struct {
	ServerTime int64 `json:"server_time"` // unix millis
}

// errorResponse is the venue's error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsCommand is a client-to-server stream frame.
type wsCommand struct {
	ID      int64    `json:"id"`
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// wsFrame is a server-to-client stream frame.
type wsFrame struct {
	Type    string  `json:"type"` // quote | heartbeat | error | subscribed
	Symbol  string  `json:"symbol"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Last    float64 `json:"last"`
	Volume  float64 `json:"volume"`
	TS      int64   `json:"ts"` // unix millis
	Message string  `json:"message,omitempty"`
}

// toUpdate converts a quote frame to a domain update. Frames without a
// timestamp are stamped with recv.
func (f wsFrame) toUpdate(recv time.Time) domain.QuoteUpdate {
	at := recv
	if f.TS > 0 {
		at = time.UnixMilli(f.TS)
	}
	return domain.QuoteUpdate{
		Symbol: f.Symbol,
		Bid:    f.Bid,
		Ask:    f.Ask,
		Last:   f.Last,
		Volume: f.Volume,
		Time:   at,
	}
}

// parseState maps the venue's state vocabulary onto domain.OrderState.
func parseState(s string) domain.OrderState {
	switch strings.ToLower(s) {
	case "new", "accepted", "pending", "working":
		return domain.OrderStateNew
	case "partially_filled", "partial":
		return domain.OrderStatePartiallyFilled
	case "filled", "executed":
		return domain.OrderStateFilled
	case "cancelled", "canceled":
		return domain.OrderStateCancelled
	case "rejected", "expired":
		return domain.OrderStateRejected
	default:
		return domain.OrderStateUnknown
	}
}
