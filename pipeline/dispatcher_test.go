package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bookscope/models"
	"bookscope/processor"
)

type fakeTransport struct {
	mu           sync.Mutex
	subscribed   []models.Instrument
	unsubscribed []models.Instrument
	snapshots    []models.Instrument
	subscribeErr error

	messages chan models.RawFeedMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{messages: make(chan models.RawFeedMessage, 64)}
}

func (f *fakeTransport) Subscribe(_ context.Context, inst models.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, inst)
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, inst models.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, inst)
	return nil
}

func (f *fakeTransport) RequestSnapshot(_ context.Context, inst models.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, inst)
	return nil
}

func (f *fakeTransport) Messages() <-chan models.RawFeedMessage { return f.messages }

func (f *fakeTransport) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

func (f *fakeTransport) send(inst models.Instrument, payload string) {
	f.messages <- models.RawFeedMessage{Instrument: inst, Data: []byte(payload), Received: time.Now()}
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ts(offset time.Duration) string {
	return base.Add(offset).Format(time.RFC3339Nano)
}

func snapshotMsg(seq uint64, at time.Duration) string {
	return fmt.Sprintf(`{"type":"snapshot","symbol":"BTC/USD","seq":%d,"ts":%q,"bids":[["100","1"],["99","2"]],"asks":[["101","2"],["102","1"]]}`, seq, ts(at))
}

func deltaMsg(seq uint64, side, price, volume string, at time.Duration) string {
	return fmt.Sprintf(`{"type":"delta","symbol":"BTC/USD","seq":%d,"ts":%q,"side":%q,"price":%q,"volume":%q}`, seq, ts(at), side, price, volume)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Checksum = processor.ChecksumNone
	cfg.Window = processor.WindowConfig{BucketWidth: time.Second, Capacity: 10, PriceBins: 20, DepthLevels: 10}
	cfg.LivenessWindow = time.Minute
	cfg.ResyncInterval = 10 * time.Millisecond
	return cfg
}

type harness struct {
	d      *Dispatcher
	ft     *fakeTransport
	cancel context.CancelFunc
	done   chan error
}

func startDispatcher(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	ft := newFakeTransport()
	d, err := New(cfg, ft, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	h := &harness{d: d, ft: ft, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) projection(t *testing.T, id string, cond func(models.Projection) bool) models.Projection {
	t.Helper()
	var p models.Projection
	waitFor(t, "projection of "+id, func() bool {
		var ok bool
		p, ok = h.d.LatestProjection(id)
		return ok && cond(p)
	})
	return p
}

func TestDispatcherSnapshotThenDeltas(t *testing.T) {
	h := startDispatcher(t, testConfig())
	ctx := context.Background()

	if err := h.d.AddInstrument(ctx, "btc-usd"); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	if got := h.d.Instruments(); len(got) != 1 || got[0] != "BTC/USD" {
		t.Fatalf("unexpected instruments: %v", got)
	}
	waitFor(t, "initial snapshot request", func() bool { return h.ft.snapshotCount() == 1 })

	h.ft.send("BTC/USD", snapshotMsg(1, 0))
	h.ft.send("BTC/USD", deltaMsg(2, "bid", "100", "3", 100*time.Millisecond))

	p := h.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.Sequence == 2 })
	if p.Status.State != models.StateSynced {
		t.Fatalf("expected synced status, got %+v", p.Status)
	}
	if p.Status.BestBid != 100 || p.Status.BestAsk != 101 || p.Status.Spread != 1 {
		t.Fatalf("unexpected top of book: %+v", p.Status)
	}
	if len(p.Depth.Bids) != 2 || p.Depth.Bids[0].Cumulative != 3 || p.Depth.Bids[1].Cumulative != 5 {
		t.Fatalf("unexpected bid depth: %+v", p.Depth.Bids)
	}
	if len(p.Volume) != 1 {
		t.Fatalf("expected one bucket, got %d", len(p.Volume))
	}
}

func TestDispatcherGapTriggersResync(t *testing.T) {
	h := startDispatcher(t, testConfig())
	ctx := context.Background()

	if err := h.d.AddInstrument(ctx, "BTC/USD"); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	h.ft.send("BTC/USD", snapshotMsg(1, 0))
	h.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.State == models.StateSynced })

	h.ft.send("BTC/USD", deltaMsg(3, "ask", "101", "5", 10*time.Millisecond))
	p := h.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.State == models.StateDesynced })
	if p.Status.Reason != models.ReasonSequenceGap {
		t.Fatalf("expected sequence gap, got %q", p.Status.Reason)
	}
	if p.Status.Sequence != 1 {
		t.Fatalf("book should be frozen at sequence 1, got %d", p.Status.Sequence)
	}
	waitFor(t, "resync request", func() bool { return h.ft.snapshotCount() >= 2 })

	// deltas while desynced are dropped
	h.ft.send("BTC/USD", deltaMsg(4, "ask", "101", "5", 20*time.Millisecond))
	h.ft.send("BTC/USD", snapshotMsg(10, 30*time.Millisecond))
	p = h.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.Sequence == 10 })
	if p.Status.State != models.StateSynced || p.Status.Reason != models.ReasonNone {
		t.Fatalf("expected recovery, got %+v", p.Status)
	}

	stats := h.d.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected stats for one instrument, got %d", len(stats))
	}
	if stats[0].Desyncs != 1 || stats[0].Resyncs != 2 || stats[0].Messages != 4 {
		t.Fatalf("unexpected stats: %+v", stats[0])
	}
}

func TestDispatcherAddTwiceIsNoop(t *testing.T) {
	h := startDispatcher(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.d.AddInstrument(ctx, "ETH/USD"); err != nil {
			t.Fatalf("AddInstrument: %v", err)
		}
	}
	h.ft.mu.Lock()
	subs := len(h.ft.subscribed)
	h.ft.mu.Unlock()
	if subs != 1 {
		t.Fatalf("expected one subscription, got %d", subs)
	}
}

func TestDispatcherRemoveInstrument(t *testing.T) {
	h := startDispatcher(t, testConfig())
	ctx := context.Background()

	if err := h.d.AddInstrument(ctx, "BTC/USD"); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	h.ft.send("BTC/USD", snapshotMsg(1, 0))
	h.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.Sequence == 1 })

	if err := h.d.RemoveInstrument(ctx, "BTC/USD"); err != nil {
		t.Fatalf("RemoveInstrument: %v", err)
	}
	if _, ok := h.d.LatestProjection("BTC/USD"); ok {
		t.Fatalf("projection should be gone after removal")
	}
	if len(h.d.Instruments()) != 0 {
		t.Fatalf("instrument still listed")
	}
	h.ft.mu.Lock()
	unsubs := append([]models.Instrument(nil), h.ft.unsubscribed...)
	h.ft.mu.Unlock()
	if len(unsubs) != 1 || unsubs[0] != "BTC/USD" {
		t.Fatalf("unexpected unsubscriptions: %v", unsubs)
	}

	if err := h.d.RemoveInstrument(ctx, "BTC/USD"); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestDispatcherStaleAfterLivenessWindow(t *testing.T) {
	cfg := testConfig()
	cfg.LivenessWindow = 50 * time.Millisecond
	h := startDispatcher(t, cfg)
	ctx := context.Background()

	if err := h.d.AddInstrument(ctx, "BTC/USD"); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	h.ft.send("BTC/USD", snapshotMsg(1, 0))

	p := h.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.Stale })
	if p.Status.State != models.StateSynced {
		t.Fatalf("staleness must not change sync state: %+v", p.Status)
	}

	h.ft.send("BTC/USD", deltaMsg(2, "bid", "98", "1", time.Second))
	h.projection(t, "BTC/USD", func(p models.Projection) bool { return !p.Status.Stale && p.Status.Sequence == 2 })
}

func TestDispatcherHeartbeatsKeepInstrumentLive(t *testing.T) {
	cfg := testConfig()
	cfg.LivenessWindow = 100 * time.Millisecond
	h := startDispatcher(t, cfg)
	ctx := context.Background()

	if err := h.d.AddInstrument(ctx, "BTC/USD"); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	h.ft.send("BTC/USD", snapshotMsg(1, 0))
	h.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.Sequence == 1 })

	for i := 0; i < 20; i++ {
		h.ft.send("BTC/USD", `{"type":"heartbeat","symbol":"BTC/USD"}`)
		time.Sleep(20 * time.Millisecond)
		if p, _ := h.d.LatestProjection("BTC/USD"); p.Status.Stale {
			t.Fatalf("instrument reported stale while heartbeats arrived every 20ms")
		}
	}

	// silence makes it stale, the next heartbeat clears it
	h.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.Stale })
	h.ft.send("BTC/USD", `{"type":"heartbeat","symbol":"BTC/USD"}`)
	p := h.projection(t, "BTC/USD", func(p models.Projection) bool { return !p.Status.Stale })
	if p.Status.State != models.StateSynced || p.Status.Sequence != 1 {
		t.Fatalf("heartbeat should only clear staleness: %+v", p.Status)
	}
}

func TestDispatcherCountsParseErrors(t *testing.T) {
	h := startDispatcher(t, testConfig())
	ctx := context.Background()

	if err := h.d.AddInstrument(ctx, "BTC/USD"); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	h.ft.send("BTC/USD", `{"type":"delta","symbol":"BTC/USD"`)
	h.ft.send("BTC/USD", `{"type":"heartbeat","symbol":"BTC/USD"}`)
	h.ft.send("BTC/USD", snapshotMsg(1, 0))
	h.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.Sequence == 1 })

	stats := h.d.Stats()[0]
	if stats.ParseErrors != 1 || stats.Ignored != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDispatcherSealHandler(t *testing.T) {
	var mu sync.Mutex
	var sealed []models.TimeBucket
	h := startDispatcher(t, testConfig(), WithSealHandler(func(_ models.Instrument, b models.TimeBucket) {
		mu.Lock()
		sealed = append(sealed, b)
		mu.Unlock()
	}))
	ctx := context.Background()

	if err := h.d.AddInstrument(ctx, "BTC/USD"); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	h.ft.send("BTC/USD", snapshotMsg(1, 0))
	h.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.Sequence == 1 })
	h.ft.send("BTC/USD", deltaMsg(2, "bid", "98", "1", 1500*time.Millisecond))

	waitFor(t, "sealed bucket", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sealed) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if !sealed[0].Sealed || !sealed[0].Start.Equal(base) || sealed[0].Observations != 1 {
		t.Fatalf("unexpected sealed bucket: %+v", sealed[0])
	}
}

func TestDispatcherSubscribeFailure(t *testing.T) {
	h := startDispatcher(t, testConfig())
	h.ft.subscribeErr = errors.New("boom")

	if err := h.d.AddInstrument(context.Background(), "BTC/USD"); err == nil {
		t.Fatalf("expected subscribe error")
	}
	if len(h.d.Instruments()) != 0 {
		t.Fatalf("failed instrument should not be tracked")
	}
}

func TestDispatcherStopped(t *testing.T) {
	h := startDispatcher(t, testConfig())
	h.cancel()
	if err := <-h.done; err != nil {
		t.Fatalf("Run returned %v on cancellation", err)
	}
	h.done <- nil

	if err := h.d.AddInstrument(context.Background(), "BTC/USD"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestDispatcherTransportClosed(t *testing.T) {
	h := startDispatcher(t, testConfig())
	close(h.ft.messages)
	if err := <-h.done; !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	h.done <- nil
}

func TestDispatchersAreIndependent(t *testing.T) {
	a := startDispatcher(t, testConfig())
	b := startDispatcher(t, testConfig())
	ctx := context.Background()

	if err := a.d.AddInstrument(ctx, "BTC/USD"); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	a.ft.send("BTC/USD", snapshotMsg(1, 0))
	a.projection(t, "BTC/USD", func(p models.Projection) bool { return p.Status.Sequence == 1 })

	if _, ok := b.d.LatestProjection("BTC/USD"); ok {
		t.Fatalf("second dispatcher should not see the first one's instrument")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	ft := newFakeTransport()

	cfg := testConfig()
	cfg.Checksum = "md5"
	if _, err := New(cfg, ft); err == nil {
		t.Fatalf("expected checksum error")
	}

	cfg = testConfig()
	cfg.Window.Capacity = 1
	if _, err := New(cfg, ft); err == nil {
		t.Fatalf("expected window error")
	}

	if _, err := New(testConfig(), nil); err == nil {
		t.Fatalf("expected transport error")
	}
}
