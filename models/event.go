package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags a BookEvent.
type EventKind int

const (
	EventSnapshot EventKind = iota + 1
	EventDelta
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// BookEvent is a normalised feed update. Snapshot events carry Bids and Asks;
// delta events carry Side, Price and Volume for a single level.
// A Checksum of zero means the feed did not provide one.
type BookEvent struct {
	Kind       EventKind
	Instrument Instrument
	Sequence   uint64
	Checksum   uint32
	Timestamp  time.Time

	Bids []PriceLevel
	Asks []PriceLevel

	Side   Side
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// RawFeedMessage is an opaque payload delivered by a transport.
type RawFeedMessage struct {
	Instrument Instrument
	Data       []byte
	Received   time.Time
}
