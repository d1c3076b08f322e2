// Package canonical encodes venue order book data in the wire form read by
// processor.Normalize. Venue transports use it to turn multi-level diffs into
// single-level deltas numbered by a contiguous sequence.
package canonical

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"bookscope/models"
)

// Level is a price and a volume as the venue printed them.
type Level [2]string

type message struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Seq    uint64  `json:"seq"`
	TS     string  `json:"ts,omitempty"`
	Bids   []Level `json:"bids,omitempty"`
	Asks   []Level `json:"asks,omitempty"`
	Side   string  `json:"side,omitempty"`
	Price  string  `json:"price,omitempty"`
	Volume string  `json:"volume,omitempty"`
}

// Snapshot encodes a full book.
func Snapshot(inst models.Instrument, seq uint64, ts string, bids, asks []Level) ([]byte, error) {
	return json.Marshal(message{Type: "snapshot", Symbol: inst.String(), Seq: seq, TS: ts, Bids: bids, Asks: asks})
}

// Delta encodes a change of a single level. A zero volume removes the level.
func Delta(inst models.Instrument, seq uint64, ts string, c Change) ([]byte, error) {
	return json.Marshal(message{Type: "delta", Symbol: inst.String(), Seq: seq, TS: ts, Side: c.Side, Price: c.Price, Volume: c.Volume})
}

// Change is one level of a venue diff.
type Change struct {
	Side   string
	Price  string
	Volume string
}

// Removal reports whether the change deletes its level.
func (c Change) Removal() bool {
	d, err := decimal.NewFromString(c.Volume)
	return err == nil && d.IsZero()
}

// Changes orders the levels of one venue diff so that removals from both
// sides come before any insert or update. Applied one by one, every
// intermediate book is then a subset of the book after the whole diff and is
// crossed only if that book is.
func Changes(bids, asks []Level) []Change {
	removals := make([]Change, 0, len(bids)+len(asks))
	var updates []Change
	add := func(side string, l Level) {
		c := Change{Side: side, Price: l[0], Volume: l[1]}
		if c.Removal() {
			removals = append(removals, c)
			return
		}
		updates = append(updates, c)
	}
	for _, l := range bids {
		add("bid", l)
	}
	for _, l := range asks {
		add("ask", l)
	}
	return append(removals, updates...)
}

// Timestamp formats venue epoch milliseconds. Non-positive values give ""
// so the receipt time is used instead.
func Timestamp(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// Sequencer numbers the canonical messages of one instrument for venues whose
// own update ids are not one per level. It is not safe for concurrent use.
type Sequencer struct {
	instrument models.Instrument
	seq        uint64
	broken     bool
}

func NewSequencer(inst models.Instrument) *Sequencer {
	return &Sequencer{instrument: inst}
}

// Snapshot encodes a full book under the next sequence number and repairs a
// broken chain.
func (s *Sequencer) Snapshot(ts string, bids, asks []Level) ([]byte, error) {
	payload, err := Snapshot(s.instrument, s.seq+1, ts, bids, asks)
	if err != nil {
		return nil, err
	}
	s.seq++
	s.broken = false
	return payload, nil
}

// Diff emits one delta per changed level, removals first.
func (s *Sequencer) Diff(ts string, bids, asks []Level, emit func([]byte)) error {
	for _, c := range Changes(bids, asks) {
		payload, err := Delta(s.instrument, s.seq+1, ts, c)
		if err != nil {
			return err
		}
		s.seq++
		emit(payload)
	}
	return nil
}

// Break skips one sequence number, once per break, so the book store sees a
// gap and asks for a new snapshot.
func (s *Sequencer) Break() {
	if s.broken {
		return
	}
	s.broken = true
	s.seq++
}

// Seq returns the last number handed out.
func (s *Sequencer) Seq() uint64 { return s.seq }
