package kucoin

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"bookscope/models"
	"bookscope/reader/canonical"
)

// maxPending bounds the increments held back while a snapshot is fetched.
const maxPending = 4096

// increment is one level2 change of the futures stream.
type increment struct {
	Sequence  int64
	Change    canonical.Change
	Timestamp int64
}

// parseChange decodes "price,side,size". buy changes bids and sell changes
// asks.
func parseChange(change string) (canonical.Change, error) {
	parts := strings.Split(change, ",")
	if len(parts) != 3 {
		return canonical.Change{}, fmt.Errorf("malformed change %q", change)
	}
	c := canonical.Change{Price: strings.TrimSpace(parts[0]), Volume: strings.TrimSpace(parts[2])}
	switch strings.TrimSpace(parts[1]) {
	case "buy":
		c.Side = "bid"
	case "sell":
		c.Side = "ask"
	default:
		return canonical.Change{}, fmt.Errorf("unknown side in change %q", change)
	}
	return c, nil
}

// fullBook is the REST level2 snapshot. Levels are decoded as numbers so the
// venue's printing is kept.
type fullBook struct {
	Symbol   string          `json:"symbol"`
	Sequence int64           `json:"sequence"`
	Bids     [][]json.Number `json:"bids"`
	Asks     [][]json.Number `json:"asks"`
	TS       int64           `json:"ts"`
}

func levels(raw [][]json.Number) ([]canonical.Level, error) {
	out := make([]canonical.Level, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			return nil, fmt.Errorf("malformed level %v", l)
		}
		out = append(out, canonical.Level{l[0].String(), l[1].String()})
	}
	return out, nil
}

// bridge passes the KuCoin level2 stream of one instrument through in
// canonical form. KuCoin increments already carry one level and a contiguous
// sequence, so the venue sequence is used as the canonical one and a lost
// increment shows up as a gap in the book store.
//
// While a snapshot is fetched increments are held back and those newer than
// the snapshot are replayed after it.
type bridge struct {
	mu         sync.Mutex
	instrument models.Instrument

	last         int64
	haveSnapshot bool
	fetching     bool
	pending      []increment
	overflowed   bool
}

func newBridge(inst models.Instrument) *bridge {
	return &bridge{instrument: inst}
}

// increment converts one stream event. emit is called with the lock held so
// messages reach the channel in sequence order.
func (b *bridge) increment(inc increment, emit func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.haveSnapshot || b.fetching {
		if len(b.pending) == maxPending {
			b.pending = b.pending[1:]
			b.overflowed = true
		}
		b.pending = append(b.pending, inc)
		return nil
	}
	if inc.Sequence <= b.last {
		return nil
	}
	return b.deltaLocked(inc, emit)
}

// beginSnapshot starts holding back increments for a snapshot fetch.
func (b *bridge) beginSnapshot() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetching = true
	b.pending = b.pending[:0]
	b.overflowed = false
}

// abortSnapshot resumes passing increments through after a failed fetch.
func (b *bridge) abortSnapshot() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetching = false
	b.pending = b.pending[:0]
}

// snapshot emits book and replays the held back increments it does not
// cover. It reports false when increments were lost while holding back, in
// which case the replay leaves a gap.
func (b *bridge) snapshot(book *fullBook, emit func([]byte)) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer func() {
		b.fetching = false
		b.pending = b.pending[:0]
	}()

	bids, err := levels(book.Bids)
	if err != nil {
		return false, err
	}
	asks, err := levels(book.Asks)
	if err != nil {
		return false, err
	}
	if book.Sequence <= 0 {
		return false, fmt.Errorf("snapshot without sequence")
	}
	payload, err := canonical.Snapshot(b.instrument, uint64(book.Sequence), canonical.Timestamp(book.TS), bids, asks)
	if err != nil {
		return false, err
	}
	emit(payload)
	b.last = book.Sequence
	b.haveSnapshot = true

	for _, inc := range b.pending {
		if inc.Sequence <= b.last {
			continue
		}
		if err := b.deltaLocked(inc, emit); err != nil {
			return false, err
		}
	}
	return !b.overflowed, nil
}

func (b *bridge) deltaLocked(inc increment, emit func([]byte)) error {
	payload, err := canonical.Delta(b.instrument, uint64(inc.Sequence), canonical.Timestamp(inc.Timestamp), inc.Change)
	if err != nil {
		return err
	}
	b.last = inc.Sequence
	emit(payload)
	return nil
}
