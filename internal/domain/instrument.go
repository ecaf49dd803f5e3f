package domain

import "time"

// Instrument is a tradable currency pair. Price is expressed as units of
// Quote per one unit of Base.
type Instrument struct {
	Symbol    string
	Base      string
	Quote     string
	PointSize float64 // minimal quoted price increment
	LotStep   float64 // minimal tradable quantity increment, 0 = global default
}

// Quote is the latest top-of-book for one symbol.
type Quote struct {
	Symbol     string
	Bid        float64
	Ask        float64
	Last       float64
	Volume     float64
	ObservedAt time.Time
}

// Valid reports whether both sides are positive and not crossed.
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// QuoteUpdate is one element of a broker quote stream.
type QuoteUpdate struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	Volume float64
	Time   time.Time
}

// Quote converts the stream element into a cache value.
func (u QuoteUpdate) Quote() Quote {
	return Quote{
		Symbol:     u.Symbol,
		Bid:        u.Bid,
		Ask:        u.Ask,
		Last:       u.Last,
		Volume:     u.Volume,
		ObservedAt: u.Time,
	}
}
