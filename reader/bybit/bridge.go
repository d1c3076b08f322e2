package bybit

import (
	"encoding/json"
	"strings"
	"sync"

	"bookscope/models"
	"bookscope/reader/canonical"
)

// bookMessage is a message of the public orderbook.<depth>.<symbol> topic.
type bookMessage struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	TS    int64  `json:"ts"`
	Data  struct {
		Symbol string            `json:"s"`
		Bids   []canonical.Level `json:"b"`
		Asks   []canonical.Level `json:"a"`
		Update int64             `json:"u"`
		Seq    int64             `json:"seq"`
	} `json:"data"`
}

// parseBookMessage decodes an orderbook topic message. Subscription
// acknowledgements, pongs and other topics report false.
func parseBookMessage(message string) (*bookMessage, bool) {
	var msg bookMessage
	if err := json.Unmarshal([]byte(message), &msg); err != nil {
		return nil, false
	}
	if !strings.HasPrefix(msg.Topic, "orderbook.") {
		return nil, false
	}
	return &msg, true
}

// bridge turns the Bybit orderbook topic of one instrument into canonical
// messages. Bybit sends a snapshot right after subscribing and deltas
// afterwards; a snapshot can also arrive at any time, and a delta with
// update id 1 means the venue restarted and carries a full book. Update ids
// only grow, they are not guaranteed to be consecutive.
//
// Every connection gets a generation number so that messages still in
// flight from a closed connection are dropped.
type bridge struct {
	mu  sync.Mutex
	seq *canonical.Sequencer

	conn         uint64
	lastUpdate   int64
	haveSnapshot bool
	awaiting     bool
}

func newBridge(inst models.Instrument) *bridge {
	return &bridge{seq: canonical.NewSequencer(inst)}
}

// connected starts a new connection generation. Deltas are dropped until the
// connection delivers its snapshot.
func (b *bridge) connected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn++
	b.awaiting = true
	if b.haveSnapshot {
		b.seq.Break()
	}
	return b.conn
}

// snapshotPending reports whether a snapshot is already on its way.
func (b *bridge) snapshotPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.haveSnapshot || b.awaiting
}

// message converts one orderbook message received on connection conn. emit
// is called with the lock held so messages reach the channel in order.
func (b *bridge) message(conn uint64, msg *bookMessage, emit func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conn != b.conn {
		return nil
	}
	ts := canonical.Timestamp(msg.TS)

	if msg.Type == "snapshot" || msg.Data.Update == 1 {
		payload, err := b.seq.Snapshot(ts, msg.Data.Bids, msg.Data.Asks)
		if err != nil {
			return err
		}
		b.lastUpdate = msg.Data.Update
		b.haveSnapshot = true
		b.awaiting = false
		emit(payload)
		return nil
	}

	if msg.Type != "delta" || !b.haveSnapshot || b.awaiting {
		return nil
	}
	if msg.Data.Update <= b.lastUpdate {
		return nil
	}
	b.lastUpdate = msg.Data.Update
	return b.seq.Diff(ts, msg.Data.Bids, msg.Data.Asks, emit)
}
