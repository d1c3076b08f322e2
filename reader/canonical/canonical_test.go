package canonical

import (
	"testing"

	"bookscope/models"
	"bookscope/processor"
)

func TestChangesPutRemovalsFirst(t *testing.T) {
	got := Changes(
		[]Level{{"101", "1"}, {"99", "0"}},
		[]Level{{"101", "0.000"}, {"102", "3"}},
	)
	want := []Change{
		{Side: "bid", Price: "99", Volume: "0"},
		{Side: "ask", Price: "101", Volume: "0.000"},
		{Side: "bid", Price: "101", Volume: "1"},
		{Side: "ask", Price: "102", Volume: "3"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d changes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("change %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestSequencerOutputNormalizes(t *testing.T) {
	s := NewSequencer("ETH/USDT")
	snap, err := s.Snapshot(Timestamp(1700000000000), []Level{{"100", "1"}}, []Level{{"101", "2"}})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	payloads := [][]byte{snap}
	if err := s.Diff("", []Level{{"101", "1"}}, []Level{{"101", "0"}}, func(p []byte) { payloads = append(payloads, p) }); err != nil {
		t.Fatalf("Diff: %v", err)
	}

	store := processor.NewBookStore("ETH/USDT", nil)
	for i, p := range payloads {
		ev, err := processor.Normalize(p)
		if err != nil || ev == nil {
			t.Fatalf("payload %d does not normalize: %v %s", i, err, p)
		}
		if out := store.Apply(*ev); out.Kind == processor.Desynced {
			t.Fatalf("payload %d desynced the book: %s", i, out.Reason)
		}
	}
	if s.Seq() != 3 || store.Snapshot().Sequence != 3 {
		t.Fatalf("unexpected sequence %d/%d", s.Seq(), store.Snapshot().Sequence)
	}
}

func TestSequencerBreakOncePerChain(t *testing.T) {
	s := NewSequencer("BTC/USD")
	if _, err := s.Snapshot("", nil, nil); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	s.Break()
	s.Break()
	if s.Seq() != 2 {
		t.Fatalf("a chain should be broken once, seq %d", s.Seq())
	}
	if _, err := s.Snapshot("", nil, nil); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	s.Break()
	if s.Seq() != 4 {
		t.Fatalf("a new snapshot should allow another break, seq %d", s.Seq())
	}
}

func TestEmptySnapshotIsValid(t *testing.T) {
	p, err := Snapshot("BTC/USD", 1, "", nil, nil)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	ev, err := processor.Normalize(p)
	if err != nil || ev == nil || ev.Kind != models.EventSnapshot {
		t.Fatalf("empty snapshot should normalize: %v %s", err, p)
	}
}

func TestTimestamp(t *testing.T) {
	if Timestamp(0) != "" {
		t.Fatalf("zero timestamp should be empty")
	}
	if got := Timestamp(1700000000123); got != "2023-11-14T22:13:20.123Z" {
		t.Fatalf("unexpected timestamp %s", got)
	}
}
