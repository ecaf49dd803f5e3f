package handler

import (
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

type legView struct {
	Symbol  string `json:"symbol"`
	Pair    string `json:"pair"`
	Derived bool   `json:"derived"`
	Side    string `json:"side"`
}

type triangleView struct {
	ID         int        `json:"id"`
	Combinator string     `json:"combinator"`
	Direction  int        `json:"direction"`
	Currencies [3]string  `json:"currencies"`
	Legs       [3]legView `json:"legs"`
}

func newTriangleView(t domain.Triangle) triangleView {
	v := triangleView{
		ID:         t.ID,
		Combinator: t.Combinator.String(),
		Direction:  t.Direction,
		Currencies: t.Currencies(),
	}
	for i, l := range t.Legs {
		v.Legs[i] = legView{Symbol: l.Symbol, Pair: l.Pair(), Derived: l.Derived(), Side: string(l.Side)}
	}
	return v
}

type opportunityView struct {
	TemplateID       int        `json:"template_id"`
	Combinator       string     `json:"combinator"`
	Direction        int        `json:"direction"`
	Symbols          [3]string  `json:"symbols"`
	Sides            [3]string  `json:"sides"`
	DeviationPoints  float64    `json:"deviation_points"`
	DeviationPercent float64    `json:"deviation_percent"`
	Synthetic        float64    `json:"synthetic"`
	Market           float64    `json:"market"`
	Prices           [3]float64 `json:"prices"`
	DetectedAt       time.Time  `json:"detected_at"`
}

func newOpportunityView(o domain.Opportunity) opportunityView {
	v := opportunityView{
		TemplateID:       o.Template.ID,
		Combinator:       o.Template.Combinator.String(),
		Direction:        o.Direction,
		Symbols:          o.Template.Symbols(),
		DeviationPoints:  o.DeviationPoints,
		DeviationPercent: o.DeviationPercent,
		Synthetic:        o.Synthetic,
		Market:           o.Market,
		Prices:           o.Prices,
		DetectedAt:       o.DetectedAt,
	}
	for i, s := range o.Sides() {
		v.Sides[i] = string(s)
	}
	return v
}

type slotView struct {
	Slot             int        `json:"slot"`
	TemplateID       int        `json:"template_id"`
	Direction        int        `json:"direction"`
	State            string     `json:"state"`
	Symbols          [3]string  `json:"symbols"`
	Sides            [3]string  `json:"sides"`
	OrderIDs         [3]string  `json:"order_ids"`
	EntryPrices      [3]float64 `json:"entry_prices"`
	Lots             [3]float64 `json:"lots"`
	DeviationAtEntry float64    `json:"deviation_at_entry"`
	OpenedAt         time.Time  `json:"opened_at"`
	IsCompensation   bool       `json:"is_compensation"`
	ParentSlot       int        `json:"parent_slot"`
	PnL              *float64   `json:"pnl,omitempty"`
	MarkedAt         *time.Time `json:"marked_at,omitempty"`
}

func newSlotView(a domain.ActiveTriangle) slotView {
	v := slotView{
		Slot:             a.Slot,
		TemplateID:       a.Template.ID,
		Direction:        a.Direction,
		State:            string(a.State),
		Symbols:          a.Template.Symbols(),
		OrderIDs:         a.OrderIDs,
		EntryPrices:      a.EntryPrices,
		Lots:             a.Lots,
		DeviationAtEntry: a.DeviationAtEntry,
		OpenedAt:         a.OpenedAt,
		IsCompensation:   a.IsCompensation,
		ParentSlot:       a.ParentSlot,
	}
	for i, s := range a.Sides {
		v.Sides[i] = string(s)
	}
	return v
}

type recordLegView struct {
	Index      int     `json:"index"`
	Symbol     string  `json:"symbol"`
	Derived    bool    `json:"derived"`
	Side       string  `json:"side"`
	OrderID    string  `json:"order_id"`
	EntryPrice float64 `json:"entry_price"`
	Lot        float64 `json:"lot"`
}

type recordView struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"session_id"`
	TemplateID       int             `json:"template_id"`
	Combinator       string          `json:"combinator"`
	Direction        int             `json:"direction"`
	Slot             int             `json:"slot"`
	IsCompensation   bool            `json:"is_compensation"`
	State            string          `json:"state"`
	DeviationAtEntry float64         `json:"deviation_at_entry"`
	Legs             []recordLegView `json:"legs"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	CloseReason      string          `json:"close_reason,omitempty"`
	RealizedPnL      float64         `json:"realized_pnl"`
	FailureReason    string          `json:"failure_reason,omitempty"`
}

func newRecordView(r domain.TriangleRecord) recordView {
	v := recordView{
		ID:               r.ID,
		SessionID:        r.SessionID,
		TemplateID:       r.TemplateID,
		Combinator:       r.Combinator,
		Direction:        r.Direction,
		Slot:             r.Slot,
		IsCompensation:   r.IsCompensation,
		State:            string(r.State),
		DeviationAtEntry: r.DeviationAtEntry,
		Legs:             make([]recordLegView, 0, len(r.Legs)),
		OpenedAt:         r.OpenedAt,
		ClosedAt:         r.ClosedAt,
		CloseReason:      string(r.CloseReason),
		RealizedPnL:      r.RealizedPnL,
		FailureReason:    r.FailureReason,
	}
	for _, l := range r.Legs {
		v.Legs = append(v.Legs, recordLegView{
			Index:      l.Index,
			Symbol:     l.Symbol,
			Derived:    l.Derived,
			Side:       string(l.Side),
			OrderID:    l.OrderID,
			EntryPrice: l.EntryPrice,
			Lot:        l.Lot,
		})
	}
	return v
}
