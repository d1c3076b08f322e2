package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument identifies a traded pair in canonical BASE/QUOTE form.
type Instrument string

// Base returns the base asset of the pair.
func (i Instrument) Base() string {
	base, _, _ := strings.Cut(string(i), "/")
	return base
}

// Quote returns the quote asset of the pair, or an empty string when the
// identifier carries no separator.
func (i Instrument) Quote() string {
	_, quote, _ := strings.Cut(string(i), "/")
	return quote
}

func (i Instrument) String() string { return string(i) }

// Side of the book a level belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// PriceLevel is a single price and the volume resting at it. A level with zero
// volume is never stored in a book.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// OrderBook is an immutable view of a book. Bids are strictly descending and
// asks strictly ascending by price. Callers must not modify the slices; the
// store builds a new value on every change.
type OrderBook struct {
	Instrument Instrument   `json:"instrument"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Sequence   uint64       `json:"sequence"`
	Checksum   uint32       `json:"checksum"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// BestBid returns the highest bid, if any.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Crossed reports whether the best bid is at or above the best ask.
func (b OrderBook) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// Mid returns the midpoint between best bid and best ask. With one side empty
// the best price of the other side is returned.
func (b OrderBook) Mid() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	switch {
	case okBid && okAsk:
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
	case okBid:
		return bid.Price, true
	case okAsk:
		return ask.Price, true
	}
	return decimal.Zero, false
}

// Side returns the levels of the requested side.
func (b OrderBook) Side(side Side) []PriceLevel {
	if side == SideBid {
		return b.Bids
	}
	return b.Asks
}

// Empty reports whether both sides are empty.
func (b OrderBook) Empty() bool {
	return len(b.Bids) == 0 && len(b.Asks) == 0
}
