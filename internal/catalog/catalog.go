// Package catalog enumerates every closed three-currency cycle that can be
// traded over an instrument universe.
package catalog

import (
	"fmt"
	"sort"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// Catalog is the immutable set of triangle templates built for a session.
type Catalog struct {
	triangles []domain.Triangle
	byID      map[int]int
	symbols   []string
}

type pairKey struct{ base, quote string }

// Build enumerates triangles over instruments. For every ordered triple of
// distinct currencies it tries the multiplication and division
// constructions, resolving each required pair to a direct leg or, when only
// the reciprocal instrument exists, a derived leg. Many triples describe the
// same cycle of instruments, so each (cycle, combinator) keeps a single
// construction: the one with the fewest derived legs, earliest enumerated on
// ties. Every kept construction is registered in both directions.
func Build(instruments []domain.Instrument) (*Catalog, error) {
	pairs := make(map[pairKey]domain.Instrument, len(instruments))
	seen := make(map[string]bool, len(instruments))
	currencySet := make(map[string]bool)

	for _, inst := range instruments {
		if inst.Symbol == "" || inst.Base == "" || inst.Quote == "" || inst.Base == inst.Quote {
			return nil, fmt.Errorf("catalog: instrument %q: %w", inst.Symbol, domain.ErrConfigInvalid)
		}
		if inst.PointSize <= 0 {
			return nil, fmt.Errorf("catalog: instrument %s point size %v: %w",
				inst.Symbol, inst.PointSize, domain.ErrConfigInvalid)
		}
		if seen[inst.Symbol] {
			return nil, fmt.Errorf("catalog: duplicate symbol %s: %w", inst.Symbol, domain.ErrConfigInvalid)
		}
		seen[inst.Symbol] = true
		pairs[pairKey{inst.Base, inst.Quote}] = inst
		currencySet[inst.Base] = true
		currencySet[inst.Quote] = true
	}

	currencies := make([]string, 0, len(currencySet))
	for c := range currencySet {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	resolve := func(base, quote string, side domain.OrderSide) (domain.Leg, bool) {
		if inst, ok := pairs[pairKey{base, quote}]; ok {
			return domain.DirectLeg(inst, side), true
		}
		if inst, ok := pairs[pairKey{quote, base}]; ok {
			return domain.DerivedLeg(inst, side), true
		}
		return domain.Leg{}, false
	}

	type construction struct {
		legs [3]domain.Leg
		comb domain.Combinator
	}
	var found []construction
	best := make(map[string]int) // cycle+combinator -> index into found
	consider := func(legs [3]domain.Leg, comb domain.Combinator) {
		if !distinctUnderlyings(legs) {
			return
		}
		key := domain.Triangle{Legs: legs}.Cycle() + "/" + comb.String()
		found = append(found, construction{legs: legs, comb: comb})
		if i, ok := best[key]; !ok || derivedLegs(legs) < derivedLegs(found[i].legs) {
			best[key] = len(found) - 1
		}
	}

	buy, sell := domain.OrderSideBuy, domain.OrderSideSell
	for _, c1 := range currencies {
		for _, c2 := range currencies {
			if c2 == c1 {
				continue
			}
			for _, c3 := range currencies {
				if c3 == c1 || c3 == c2 {
					continue
				}
				// MUL: c1/c2 * c2/c3 = c1/c3
				l0, ok0 := resolve(c1, c2, buy)
				l1, ok1 := resolve(c2, c3, buy)
				l2, ok2 := resolve(c1, c3, sell)
				if ok0 && ok1 && ok2 {
					consider([3]domain.Leg{l0, l1, l2}, domain.CombinatorMul)
				}
				// DIV: c1/c3 / c1/c2 = c2/c3
				d0, ok0 := resolve(c1, c3, buy)
				d1, ok1 := resolve(c1, c2, sell)
				d2, ok2 := resolve(c2, c3, sell)
				if ok0 && ok1 && ok2 {
					consider([3]domain.Leg{d0, d1, d2}, domain.CombinatorDiv)
				}
			}
		}
	}

	keep := make(map[int]bool, len(best))
	for _, i := range best {
		keep[i] = true
	}
	c := &Catalog{byID: make(map[int]int)}
	for i, k := range found {
		if !keep[i] {
			continue
		}
		fwd := domain.Triangle{Legs: k.legs, Combinator: k.comb, Direction: 1}
		for _, dir := range []int{1, -1} {
			t := fwd
			t.Direction = dir
			sides := fwd.SidesFor(dir)
			for j := range t.Legs {
				t.Legs[j] = t.Legs[j].WithSide(sides[j])
			}
			t.ID = len(c.triangles) + 1
			c.byID[t.ID] = len(c.triangles)
			c.triangles = append(c.triangles, t)
		}
	}

	for i, t := range c.triangles {
		if err := CheckIdentity(t); err != nil {
			return nil, fmt.Errorf("catalog: triangle %d: %w", i+1, err)
		}
	}
	c.symbols = collectSymbols(c.triangles)
	return c, nil
}

// CheckIdentity verifies that the legs of t form a closed cycle over three
// distinct currencies satisfying the triangle's combinator.
func CheckIdentity(t domain.Triangle) error {
	l := t.Legs
	var ok bool
	switch t.Combinator {
	case domain.CombinatorMul:
		ok = l[0].Base == l[2].Base && l[0].Quote == l[1].Base && l[1].Quote == l[2].Quote
	case domain.CombinatorDiv:
		ok = l[0].Base == l[1].Base && l[0].Quote == l[2].Quote && l[1].Quote == l[2].Base
	}
	if !ok {
		return fmt.Errorf("%s identity broken by %s %s %s: %w",
			t.Combinator, l[0].Pair(), l[1].Pair(), l[2].Pair(), domain.ErrConfigInvalid)
	}
	cur := t.Currencies()
	if cur[0] == cur[1] || cur[1] == cur[2] || cur[0] == cur[2] {
		return fmt.Errorf("currencies not distinct %v: %w", cur, domain.ErrConfigInvalid)
	}
	return nil
}

func distinctUnderlyings(legs [3]domain.Leg) bool {
	return legs[0].Symbol != legs[1].Symbol &&
		legs[1].Symbol != legs[2].Symbol &&
		legs[0].Symbol != legs[2].Symbol
}

func derivedLegs(legs [3]domain.Leg) int {
	n := 0
	for _, l := range legs {
		if l.Derived() {
			n++
		}
	}
	return n
}

func collectSymbols(triangles []domain.Triangle) []string {
	set := make(map[string]bool)
	for _, t := range triangles {
		for _, s := range t.Symbols() {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Triangles returns the templates in build order.
func (c *Catalog) Triangles() []domain.Triangle {
	return c.triangles
}

// Len returns the number of templates.
func (c *Catalog) Len() int { return len(c.triangles) }

// Get returns the template with the given id.
func (c *Catalog) Get(id int) (domain.Triangle, bool) {
	i, ok := c.byID[id]
	if !ok {
		return domain.Triangle{}, false
	}
	return c.triangles[i], true
}

// Symbols returns the sorted set of instruments referenced by any template.
// These are the symbols the quote stream must be subscribed to.
func (c *Catalog) Symbols() []string {
	return c.symbols
}
