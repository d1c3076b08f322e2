package binance

import (
	"sync"

	futures "github.com/adshao/go-binance/v2/futures"

	"bookscope/models"
	"bookscope/reader/canonical"
)

// bridge turns Binance depth snapshots and diff events for one instrument
// into canonical messages. Binance diff events carry many levels and are
// chained by update ids; canonical deltas carry one level and are chained by
// consecutive sequence numbers. When the Binance chain breaks the bridge
// skips a sequence number so the book store detects the gap and asks for a
// new snapshot.
type bridge struct {
	mu  sync.Mutex
	seq *canonical.Sequencer

	lastUpdateID int64
	haveSnapshot bool
	firstApplied bool
}

func newBridge(inst models.Instrument) *bridge {
	return &bridge{seq: canonical.NewSequencer(inst)}
}

// snapshot converts a REST depth response. emit is called with the lock held
// so snapshots and deltas reach the channel in sequence order.
func (b *bridge) snapshot(resp *futures.DepthResponse, emit func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bids := make([]canonical.Level, 0, len(resp.Bids))
	for _, l := range resp.Bids {
		bids = append(bids, canonical.Level{l.Price, l.Quantity})
	}
	asks := make([]canonical.Level, 0, len(resp.Asks))
	for _, l := range resp.Asks {
		asks = append(asks, canonical.Level{l.Price, l.Quantity})
	}

	payload, err := b.seq.Snapshot(canonical.Timestamp(resp.Time), bids, asks)
	if err != nil {
		return err
	}

	b.lastUpdateID = resp.LastUpdateID
	b.haveSnapshot = true
	b.firstApplied = false
	emit(payload)
	return nil
}

// event converts one diff event. Events before the first snapshot and events
// the snapshot already covers are dropped.
func (b *bridge) event(ev *futures.WsDepthEvent, emit func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.haveSnapshot || ev.LastUpdateID < b.lastUpdateID {
		return nil
	}

	if !b.firstApplied {
		if ev.FirstUpdateID > b.lastUpdateID+1 {
			b.seq.Break()
		}
		b.firstApplied = true
	} else if ev.PrevLastUpdateID != b.lastUpdateID {
		b.seq.Break()
	}
	b.lastUpdateID = ev.LastUpdateID

	bids := make([]canonical.Level, 0, len(ev.Bids))
	for _, l := range ev.Bids {
		bids = append(bids, canonical.Level{l.Price, l.Quantity})
	}
	asks := make([]canonical.Level, 0, len(ev.Asks))
	for _, l := range ev.Asks {
		asks = append(asks, canonical.Level{l.Price, l.Quantity})
	}
	return b.seq.Diff(canonical.Timestamp(ev.Time), bids, asks, emit)
}

// reset forces the next delta to be seen as a gap, used after the stream
// reconnects.
func (b *bridge) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haveSnapshot {
		b.seq.Break()
	}
}
