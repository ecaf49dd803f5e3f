package domain

import "time"

// TriangleState is the execution lifecycle of a triangle instance.
type TriangleState string

const (
	TriangleStatePending TriangleState = "pending"
	TriangleStateOpening TriangleState = "opening"
	TriangleStateActive  TriangleState = "active"
	TriangleStateClosing TriangleState = "closing"
	TriangleStateClosed  TriangleState = "closed"
	TriangleStateFailed  TriangleState = "failed"
)

var triangleTransitions = map[TriangleState][]TriangleState{
	TriangleStatePending: {TriangleStateOpening, TriangleStateFailed},
	TriangleStateOpening: {TriangleStateActive, TriangleStateFailed},
	TriangleStateActive:  {TriangleStateClosing},
	TriangleStateClosing: {TriangleStateClosed},
}

// CanTransition reports whether moving from s to next is legal.
func (s TriangleState) CanTransition(next TriangleState) bool {
	for _, allowed := range triangleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TriangleState) Terminal() bool {
	return s == TriangleStateClosed || s == TriangleStateFailed
}

// Live reports whether the instance still holds or is acquiring a position.
func (s TriangleState) Live() bool {
	return s == TriangleStatePending || s == TriangleStateOpening ||
		s == TriangleStateActive || s == TriangleStateClosing
}

// CloseReason records why an active triangle was unwound.
type CloseReason string

const (
	CloseReasonMaxHold    CloseReason = "max_hold"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonShutdown   CloseReason = "shutdown"
	CloseReasonExternal   CloseReason = "external"
	CloseReasonManual     CloseReason = "manual"
)

// NoParent marks an instance that is not a compensation triangle.
const NoParent = -1

// ActiveTriangle is one in-flight or active triangle instance held in a
// slot.
type ActiveTriangle struct {
	Slot             int
	Template         Triangle
	Direction        int
	Sides            [3]OrderSide
	OrderIDs         [3]string
	EntryPrices      [3]float64
	Lots             [3]float64
	OpenedAt         time.Time
	DeviationAtEntry float64
	State            TriangleState
	IsCompensation   bool
	ParentSlot       int
	ClosedAt         time.Time
	CloseReason      CloseReason
	RealizedPnL      float64
	FailureReason    string
}

// PlacedLegs returns the indexes of legs that hold a broker order id.
func (a ActiveTriangle) PlacedLegs() []int {
	var out []int
	for i, id := range a.OrderIDs {
		if id != "" {
			out = append(out, i)
		}
	}
	return out
}
