// Package scanner scores triangle templates against the current quotes and
// ranks the tradeable deviations.
package scanner

import (
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/quotes"
)

// PriceSource resolves the effective book of a leg.
type PriceSource interface {
	Book(leg domain.Leg) (quotes.LegBook, bool)
}

// Occupancy reports slot registry state relevant to candidate selection.
type Occupancy interface {
	Full() bool
	Busy(t domain.Triangle) bool
}

// Config holds the scan thresholds.
type Config struct {
	MaxSpreadPoints    float64
	MinDeviationPoints float64
	AllowOverlap       bool
}

// Reject reasons counted per scan.
const (
	RejectNoQuote   = "no_quote"
	RejectSpread    = "spread"
	RejectDeviation = "deviation"
	RejectBusy      = "busy"
)

// Result is the outcome of one scan tick.
type Result struct {
	Opportunities []domain.Opportunity
	Rejected      map[string]int
	Evaluated     int
	RegistryFull  bool
}

// Best returns the top-ranked opportunity, if any.
func (r Result) Best() (domain.Opportunity, bool) {
	if len(r.Opportunities) == 0 {
		return domain.Opportunity{}, false
	}
	return r.Opportunities[0], true
}

// Evaluation is the raw scoring of a single template.
type Evaluation struct {
	Opportunity domain.Opportunity
	Books       [3]quotes.LegBook
}

// Evaluate resolves the legs of t and computes its deviation. It reports
// RejectNoQuote when a leg has no usable price and RejectSpread when a leg's
// spread exceeds maxSpread points. Deviation thresholds are not applied.
//
// Legs are always priced on the forward sides of the construction, so the
// forward and reverse templates of one cycle score exact sign mirrors on the
// same quotes and agree on the direction to execute.
func Evaluate(t domain.Triangle, src PriceSource, maxSpread float64, now time.Time) (Evaluation, string) {
	var ev Evaluation
	for i, leg := range t.Legs {
		b, ok := src.Book(leg)
		if !ok || b.Bid <= 0 || b.Ask <= 0 || b.PointSize <= 0 {
			return ev, RejectNoQuote
		}
		ev.Books[i] = b
	}
	for _, b := range ev.Books {
		if b.SpreadPoints() > maxSpread {
			return ev, RejectSpread
		}
	}

	var prices [3]float64
	for i, side := range t.ForwardSides() {
		prices[i] = ev.Books[i].Price(side)
	}

	var synthetic float64
	switch t.Combinator {
	case domain.CombinatorDiv:
		if prices[1] <= 0 {
			return ev, RejectNoQuote
		}
		synthetic = prices[0] / prices[1]
	default:
		synthetic = prices[0] * prices[1]
	}
	if synthetic <= 0 {
		return ev, RejectNoQuote
	}
	market := prices[2]

	dir := float64(t.Direction)
	if dir == 0 {
		dir = 1
	}
	devPoints := (market - synthetic) / ev.Books[2].PointSize * dir
	devPercent := (market - synthetic) / synthetic * 100 * dir

	direction := t.Direction
	if devPoints < 0 {
		direction = -t.Direction
	}

	ev.Opportunity = domain.Opportunity{
		Template:         t,
		Direction:        direction,
		DeviationPoints:  devPoints,
		DeviationPercent: devPercent,
		Synthetic:        synthetic,
		Market:           market,
		DetectedAt:       now,
	}
	ev.Opportunity.Prices = ExecutionPrices(ev.Books, ev.Opportunity.Sides())
	for i, b := range ev.Books {
		ev.Opportunity.Quotes[i] = b.Quote
	}
	return ev, ""
}

// ExecutionPrices returns the reference price of each leg when traded on
// sides, which may be the mirror of the template's own sides.
func ExecutionPrices(books [3]quotes.LegBook, sides [3]domain.OrderSide) [3]float64 {
	var out [3]float64
	for i, b := range books {
		out[i] = b.Price(sides[i])
	}
	return out
}

// Scan evaluates every template and returns the accepted opportunities
// ranked by absolute deviation, ties broken by ascending template id. When
// the registry is full nothing is scanned.
func Scan(templates []domain.Triangle, src PriceSource, occ Occupancy, cfg Config, now time.Time) Result {
	res := Result{Rejected: make(map[string]int)}
	if occ != nil && occ.Full() {
		res.RegistryFull = true
		return res
	}

	for _, t := range templates {
		if !cfg.AllowOverlap && occ != nil && occ.Busy(t) {
			res.Rejected[RejectBusy]++
			continue
		}
		res.Evaluated++
		ev, reason := Evaluate(t, src, cfg.MaxSpreadPoints, now)
		if reason != "" {
			res.Rejected[reason]++
			continue
		}
		if math.Abs(ev.Opportunity.DeviationPoints) < cfg.MinDeviationPoints {
			res.Rejected[RejectDeviation]++
			continue
		}
		res.Opportunities = append(res.Opportunities, ev.Opportunity)
	}

	Rank(res.Opportunities)
	return res
}

// Rank sorts opportunities by |DeviationPoints| descending, then by template
// id ascending.
func Rank(opps []domain.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		ai, aj := math.Abs(opps[i].DeviationPoints), math.Abs(opps[j].DeviationPoints)
		if ai != aj {
			return ai > aj
		}
		return opps[i].Template.ID < opps[j].Template.ID
	})
}
