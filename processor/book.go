package processor

import (
	"sort"

	"github.com/shopspring/decimal"

	"bookscope/models"
)

// OutcomeKind is the result class of BookStore.Apply.
type OutcomeKind int

const (
	Applied OutcomeKind = iota + 1
	Resynced
	Desynced
	// Ignored is returned for events that are neither snapshots nor deltas.
	// The store is left as it was.
	Ignored
)

func (k OutcomeKind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Resynced:
		return "resynced"
	case Desynced:
		return "desynced"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Outcome is returned by every Apply call. Reason and Err are set only when
// Kind is Desynced.
type Outcome struct {
	Kind   OutcomeKind
	Reason models.DesyncReason
	Err    error
}

// BookStore is the authoritative book of one instrument. It is not safe for
// concurrent use; the ingestion goroutine owns it and hands Snapshot values
// to other goroutines.
//
// The store starts desynced waiting for a snapshot. A sequence gap, checksum
// mismatch or crossed book freezes it: the last consistent book stays
// readable and deltas are dropped until the next snapshot.
type BookStore struct {
	instrument models.Instrument
	checksum   Checksummer

	book   models.OrderBook
	state  models.SyncState
	reason models.DesyncReason
}

// NewBookStore creates an empty store. A nil checksummer disables checksum
// verification.
func NewBookStore(inst models.Instrument, checksum Checksummer) *BookStore {
	if checksum == nil {
		checksum = noChecksum{}
	}
	return &BookStore{
		instrument: inst,
		checksum:   checksum,
		book:       models.OrderBook{Instrument: inst},
		state:      models.StateDesynced,
		reason:     models.ReasonAwaitingSnapshot,
	}
}

// Instrument returns the instrument the store tracks.
func (s *BookStore) Instrument() models.Instrument { return s.instrument }

// Snapshot returns the last consistent book. The returned value shares no
// mutable state with the store.
func (s *BookStore) Snapshot() models.OrderBook { return s.book }

// State returns the sync state together with the last consistent book.
func (s *BookStore) State() models.BookState {
	return models.BookState{State: s.state, Reason: s.reason, Book: s.book}
}

// Apply folds a single event into the book. Either the whole event is applied
// or the book is left untouched.
func (s *BookStore) Apply(ev models.BookEvent) Outcome {
	switch ev.Kind {
	case models.EventSnapshot:
		return s.applySnapshot(ev)
	case models.EventDelta:
		return s.applyDelta(ev)
	default:
		return Outcome{Kind: Ignored}
	}
}

func (s *BookStore) applySnapshot(ev models.BookEvent) Outcome {
	candidate := models.OrderBook{
		Instrument: s.instrument,
		Bids:       buildSide(ev.Bids, models.SideBid),
		Asks:       buildSide(ev.Asks, models.SideAsk),
		Sequence:   ev.Sequence,
		Checksum:   ev.Checksum,
		UpdatedAt:  ev.Timestamp,
	}
	if out, ok := s.verify(candidate, ev); !ok {
		return out
	}

	s.book = candidate
	s.state = models.StateSynced
	s.reason = models.ReasonNone
	return Outcome{Kind: Resynced}
}

func (s *BookStore) applyDelta(ev models.BookEvent) Outcome {
	if s.state != models.StateSynced {
		return Outcome{Kind: Desynced, Reason: s.reason, Err: s.desyncError(s.reason, 0, ev.Sequence)}
	}

	expected := s.book.Sequence + 1
	if ev.Sequence != expected {
		return s.desync(models.ReasonSequenceGap, expected, ev.Sequence)
	}

	candidate := s.book
	candidate.Sequence = ev.Sequence
	candidate.Checksum = ev.Checksum
	if !ev.Timestamp.IsZero() {
		candidate.UpdatedAt = ev.Timestamp
	}
	if ev.Side == models.SideBid {
		candidate.Bids = upsert(s.book.Bids, models.SideBid, ev.Price, ev.Volume)
	} else {
		candidate.Asks = upsert(s.book.Asks, models.SideAsk, ev.Price, ev.Volume)
	}

	if out, ok := s.verify(candidate, ev); !ok {
		return out
	}

	s.book = candidate
	return Outcome{Kind: Applied}
}

// verify checks the candidate book against the event checksum and the
// crossed-book invariant.
func (s *BookStore) verify(candidate models.OrderBook, ev models.BookEvent) (Outcome, bool) {
	if !s.checksum.Verify(candidate, ev.Checksum) {
		return s.desync(models.ReasonChecksumMismatch, 0, ev.Sequence), false
	}
	if candidate.Crossed() {
		return s.desync(models.ReasonCrossedBook, 0, ev.Sequence), false
	}
	return Outcome{}, true
}

func (s *BookStore) desync(reason models.DesyncReason, expected, got uint64) Outcome {
	s.state = models.StateDesynced
	s.reason = reason
	return Outcome{Kind: Desynced, Reason: reason, Err: s.desyncError(reason, expected, got)}
}

func (s *BookStore) desyncError(reason models.DesyncReason, expected, got uint64) error {
	return &DesyncError{Instrument: s.instrument, Reason: reason, Expected: expected, Got: got}
}

// buildSide sorts levels for the given side, drops zero volumes and keeps the
// last occurrence of a repeated price.
func buildSide(levels []models.PriceLevel, side models.Side) []models.PriceLevel {
	latest := make(map[string]models.PriceLevel, len(levels))
	for _, l := range levels {
		latest[l.Price.String()] = l
	}
	out := make([]models.PriceLevel, 0, len(latest))
	for _, l := range latest {
		if l.Volume.IsPositive() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return better(side, out[i].Price, out[j].Price)
	})
	return out
}

// upsert returns a new slice with the level at price set to volume, or
// removed when volume is zero. The input slice is never modified.
func upsert(levels []models.PriceLevel, side models.Side, price, volume decimal.Decimal) []models.PriceLevel {
	i := sort.Search(len(levels), func(i int) bool {
		return !better(side, levels[i].Price, price)
	})
	found := i < len(levels) && levels[i].Price.Equal(price)

	switch {
	case found && volume.IsZero():
		out := make([]models.PriceLevel, 0, len(levels)-1)
		out = append(out, levels[:i]...)
		return append(out, levels[i+1:]...)
	case found:
		out := make([]models.PriceLevel, len(levels))
		copy(out, levels)
		out[i] = models.PriceLevel{Price: price, Volume: volume}
		return out
	case volume.IsZero():
		return levels
	default:
		out := make([]models.PriceLevel, 0, len(levels)+1)
		out = append(out, levels[:i]...)
		out = append(out, models.PriceLevel{Price: price, Volume: volume})
		return append(out, levels[i:]...)
	}
}

// better reports whether price a ranks ahead of b on the given side.
func better(side models.Side, a, b decimal.Decimal) bool {
	if side == models.SideBid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}
