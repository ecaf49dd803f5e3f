package domain

import "fmt"

// LegKind tags a Leg as backed by its own instrument or by the reciprocal of
// another one.
type LegKind int

const (
	// LegDirect trades the referenced instrument as quoted.
	LegDirect LegKind = iota
	// LegDerived trades the reciprocal of the referenced instrument. Its
	// price is 1/price of the underlying and its order side is inverted.
	LegDerived
)

func (k LegKind) String() string {
	if k == LegDerived {
		return "derived"
	}
	return "direct"
}

// Leg is one instrument+side pair of a triangle. Base/Quote name the
// effective pair the leg trades, which for a derived leg is the reverse of
// the underlying instrument.
type Leg struct {
	Kind      LegKind
	Symbol    string // underlying tradable instrument
	Base      string
	Quote     string
	Side      OrderSide // nominal side on the effective pair
	PointSize float64   // underlying point size
	LotStep   float64
}

// DirectLeg builds a leg on inst as quoted.
func DirectLeg(inst Instrument, side OrderSide) Leg {
	return Leg{
		Kind:      LegDirect,
		Symbol:    inst.Symbol,
		Base:      inst.Base,
		Quote:     inst.Quote,
		Side:      side,
		PointSize: inst.PointSize,
		LotStep:   inst.LotStep,
	}
}

// DerivedLeg builds a leg trading the reciprocal of inst.
func DerivedLeg(inst Instrument, side OrderSide) Leg {
	return Leg{
		Kind:      LegDerived,
		Symbol:    inst.Symbol,
		Base:      inst.Quote,
		Quote:     inst.Base,
		Side:      side,
		PointSize: inst.PointSize,
		LotStep:   inst.LotStep,
	}
}

// Derived reports whether the leg is a computed reciprocal view.
func (l Leg) Derived() bool { return l.Kind == LegDerived }

// WithSide returns a copy of the leg with a different nominal side.
func (l Leg) WithSide(side OrderSide) Leg {
	l.Side = side
	return l
}

// OrderSide returns the side that must be sent to the broker for the
// underlying instrument when the leg is traded on side.
func (l Leg) OrderSide(side OrderSide) OrderSide {
	if l.Derived() {
		return side.Opposite()
	}
	return side
}

// Pair returns the effective pair name, e.g. "RUB/USD".
func (l Leg) Pair() string {
	return fmt.Sprintf("%s/%s", l.Base, l.Quote)
}
