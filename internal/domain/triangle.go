package domain

import (
	"sort"
	"strings"
	"time"
)

// Combinator is the algebraic identity linking the three legs.
type Combinator int

const (
	// CombinatorMul: leg0 * leg1 reproduces leg2.
	CombinatorMul Combinator = iota
	// CombinatorDiv: leg0 / leg1 reproduces leg2.
	CombinatorDiv
)

func (c Combinator) String() string {
	if c == CombinatorDiv {
		return "DIV"
	}
	return "MUL"
}

// Triangle is an immutable template: three legs forming a closed currency
// cycle. Direction is +1 for the forward combination and -1 for the
// mirrored one; leg sides already reflect it.
type Triangle struct {
	ID         int
	Legs       [3]Leg
	Combinator Combinator
	Direction  int
}

// Currencies returns the three currencies of the cycle.
func (t Triangle) Currencies() [3]string {
	switch t.Combinator {
	case CombinatorDiv:
		return [3]string{t.Legs[0].Base, t.Legs[1].Quote, t.Legs[0].Quote}
	default:
		return [3]string{t.Legs[0].Base, t.Legs[0].Quote, t.Legs[1].Quote}
	}
}

// Symbols returns the underlying instruments of the three legs.
func (t Triangle) Symbols() [3]string {
	return [3]string{t.Legs[0].Symbol, t.Legs[1].Symbol, t.Legs[2].Symbol}
}

// Cycle identifies the set of underlying instruments t trades, independent
// of construction and direction. Templates sharing a cycle send the same
// broker orders in one direction or the other.
func (t Triangle) Cycle() string {
	syms := t.Symbols()
	list := syms[:]
	sort.Strings(list)
	return strings.Join(list, "+")
}

// ForwardSides returns the sides of the forward combination:
// BUY/BUY/SELL for MUL and BUY/SELL/SELL for DIV.
func (t Triangle) ForwardSides() [3]OrderSide {
	if t.Combinator == CombinatorDiv {
		return [3]OrderSide{OrderSideBuy, OrderSideSell, OrderSideSell}
	}
	return [3]OrderSide{OrderSideBuy, OrderSideBuy, OrderSideSell}
}

// SidesFor returns the leg sides for an execution direction (+1 forward,
// -1 mirrored).
func (t Triangle) SidesFor(direction int) [3]OrderSide {
	sides := t.ForwardSides()
	if direction < 0 {
		for i := range sides {
			sides[i] = sides[i].Opposite()
		}
	}
	return sides
}

// Opportunity is a point-in-time scored candidate. It is never persisted.
type Opportunity struct {
	Template         Triangle
	Direction        int // +1 forward combination, -1 mirrored
	DeviationPoints  float64
	DeviationPercent float64
	Synthetic        float64
	Market           float64
	Quotes           [3]Quote   // underlying quotes read for each leg
	Prices           [3]float64 // effective reference price of each leg on its executed side
	DetectedAt       time.Time
}

// Sides returns the per-leg sides the opportunity would be executed with.
func (o Opportunity) Sides() [3]OrderSide {
	return o.Template.SidesFor(o.Direction)
}
