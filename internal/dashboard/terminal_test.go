package dashboard

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"bookscope/config"
	"bookscope/models"
)

type fakeSource struct {
	mu          sync.Mutex
	instruments map[models.Instrument]models.Projection
	added       []string
	removed     []string
	addErr      error
}

func newFakeSource(ids ...models.Instrument) *fakeSource {
	f := &fakeSource{instruments: make(map[models.Instrument]models.Projection)}
	for _, id := range ids {
		f.instruments[id] = models.Projection{Instrument: id}
	}
	return f
}

func (f *fakeSource) LatestProjection(id string) (models.Projection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.instruments[models.Instrument(id)]
	return p, ok
}

func (f *fakeSource) Instruments() []models.Instrument {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Instrument, 0, len(f.instruments))
	for id := range f.instruments {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *fakeSource) AddInstrument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, id)
	return f.addErr
}

func (f *fakeSource) RemoveInstrument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.instruments, models.Instrument(id))
	return nil
}

func (f *fakeSource) calls() (added, removed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added...), append([]string(nil), f.removed...)
}

func newTestTerminal(t *testing.T, src ProjectionSource) (*Terminal, tcell.SimulationScreen) {
	t.Helper()
	screen := tcell.NewSimulationScreen("UTF-8")
	term, err := NewTerminal(src, config.RendererConfig{RefreshInterval: 10 * time.Millisecond, LogHistory: 10}, WithScreen(screen))
	if err != nil {
		t.Fatalf("NewTerminal: %v", err)
	}
	t.Cleanup(term.logs.close)
	return term, screen
}

func key(k tcell.Key) *tcell.EventKey   { return tcell.NewEventKey(k, 0, tcell.ModNone) }
func char(r rune) *tcell.EventKey       { return tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone) }
func typeText(term *Terminal, s string) {
	for _, r := range s {
		term.handleKey(context.Background(), char(r))
	}
}

func TestCycle(t *testing.T) {
	list := []models.Instrument{"BTC/USD", "ETH/USD", "SOL/USD"}
	if got := cycle(list, "SOL/USD", 1); got != "BTC/USD" {
		t.Fatalf("forward should wrap, got %s", got)
	}
	if got := cycle(list, "BTC/USD", -1); got != "SOL/USD" {
		t.Fatalf("backward should wrap, got %s", got)
	}
	if got := cycle(list, "XRP/USD", 1); got != "BTC/USD" {
		t.Fatalf("unknown selection should pick the first, got %s", got)
	}
	if got := cycle(nil, "BTC/USD", 1); got != "" {
		t.Fatalf("empty list should clear the selection, got %s", got)
	}
}

func TestHandleKeyAddsTypedInstrument(t *testing.T) {
	src := newFakeSource("BTC/USD")
	term, _ := newTestTerminal(t, src)
	ctx := context.Background()

	term.handleKey(ctx, char('a'))
	if !term.editing {
		t.Fatalf("'a' should open the input line")
	}
	typeText(term, "eth-usdx")
	term.handleKey(ctx, key(tcell.KeyBackspace2))
	term.handleKey(ctx, key(tcell.KeyEnter))
	term.commands.Wait()

	added, _ := src.calls()
	if len(added) != 1 || added[0] != "eth-usd" {
		t.Fatalf("unexpected add calls: %v", added)
	}
	if term.editing || len(term.input) != 0 {
		t.Fatalf("input line should be closed after enter")
	}
	if term.current != "ETH/USD" {
		t.Fatalf("new instrument should be selected, got %s", term.current)
	}
}

func TestHandleKeyEscapeCancelsInput(t *testing.T) {
	src := newFakeSource()
	term, _ := newTestTerminal(t, src)
	ctx := context.Background()

	term.handleKey(ctx, char('a'))
	typeText(term, "q")
	if quit := term.handleKey(ctx, key(tcell.KeyEscape)); quit {
		t.Fatalf("escape while editing should not quit")
	}
	term.commands.Wait()
	if added, _ := src.calls(); len(added) != 0 {
		t.Fatalf("cancelled input should not add: %v", added)
	}
	if !term.handleKey(ctx, char('q')) {
		t.Fatalf("'q' should quit")
	}
	if !term.handleKey(ctx, key(tcell.KeyCtrlC)) {
		t.Fatalf("ctrl-c should quit")
	}
}

func TestHandleKeyCyclesAndRemoves(t *testing.T) {
	src := newFakeSource("BTC/USD", "ETH/USD")
	term, _ := newTestTerminal(t, src)
	ctx := context.Background()
	term.Select("BTC/USD")

	term.handleKey(ctx, key(tcell.KeyTab))
	if term.current != "ETH/USD" {
		t.Fatalf("tab should select the next instrument, got %s", term.current)
	}
	term.handleKey(ctx, key(tcell.KeyBacktab))
	if term.current != "BTC/USD" {
		t.Fatalf("backtab should select the previous instrument, got %s", term.current)
	}

	term.handleKey(ctx, char('d'))
	term.commands.Wait()
	if _, removed := src.calls(); len(removed) != 1 || removed[0] != "BTC/USD" {
		t.Fatalf("unexpected remove calls: %v", removed)
	}
	if term.current != "ETH/USD" {
		t.Fatalf("selection should move on after remove, got %s", term.current)
	}

	term.handleKey(ctx, char('d'))
	term.commands.Wait()
	if term.current != "" {
		t.Fatalf("removing the last instrument should clear the selection, got %s", term.current)
	}
}

func TestFailedAddIsWarned(t *testing.T) {
	src := newFakeSource()
	src.addErr = errors.New("subscribe refused")
	term, _ := newTestTerminal(t, src)
	ctx := context.Background()

	term.handleKey(ctx, char('a'))
	typeText(term, "BTC/USD")
	term.handleKey(ctx, key(tcell.KeyEnter))
	term.commands.Wait()

	recs := term.logs.recent(10)
	found := false
	for _, r := range recs {
		if r.Component == "dashboard" && strings.Contains(r.String(), "subscribe refused") {
			found = true
		}
	}
	if !found {
		t.Fatalf("failed add should surface as a warning: %+v", recs)
	}
}

func screenText(screen tcell.SimulationScreen) string {
	cells, w, h := screen.GetContents()
	var b strings.Builder
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := cells[y*w+x]
			if len(c.Runes) == 0 {
				b.WriteByte(' ')
				continue
			}
			b.WriteRune(c.Runes[0])
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func TestDrawShowsStatusAndInstruments(t *testing.T) {
	src := newFakeSource("BTC/USD", "ETH/USD")
	src.instruments["BTC/USD"] = models.Projection{
		Instrument: "BTC/USD",
		Heatmap: models.HeatmapGrid{
			Times:  []time.Time{time.Unix(0, 0)},
			Prices: []float64{100, 101},
			Cells:  [][]float64{{1, 2}},
			Max:    2,
		},
		Volume: []models.VolumePoint{{Time: time.Unix(0, 0), Bid: 1, Ask: 2, Total: 3}},
		Depth: models.DepthCurve{
			Bids: []models.DepthPoint{{Price: 100, Cumulative: 1}},
			Asks: []models.DepthPoint{{Price: 101, Cumulative: 2}},
		},
		Status: models.StatusSnapshot{
			Instrument: "BTC/USD",
			BestBid:    100,
			BestAsk:    101,
			HasBid:     true,
			HasAsk:     true,
			Spread:     1,
			Mid:        100.5,
			Sequence:   7,
			State:      models.StateSynced,
		},
	}
	term, screen := newTestTerminal(t, src)
	if err := screen.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer screen.Fini()
	screen.SetSize(100, 40)

	term.draw()
	text := screenText(screen)
	for _, want := range []string{"[BTC/USD]", "ETH/USD", "seq 7", "synced", "tab next"} {
		if !strings.Contains(text, want) {
			t.Fatalf("screen missing %q:\n%s", want, text)
		}
	}

	term.Select("SOL/USD")
	term.draw()
	if text := screenText(screen); !strings.Contains(text, "waiting for SOL/USD") {
		t.Fatalf("pending instrument should show a placeholder:\n%s", text)
	}
}
