// Package dashboard draws the latest projections of every instrument in the
// terminal and forwards add and remove commands typed by the user.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"bookscope/config"
	"bookscope/internal/metrics"
	"bookscope/internal/symbols"
	"bookscope/logger"
	"bookscope/models"
)

// ProjectionSource is the pipeline as seen by the renderer.
type ProjectionSource interface {
	LatestProjection(id string) (models.Projection, bool)
	Instruments() []models.Instrument
	AddInstrument(ctx context.Context, id string) error
	RemoveInstrument(ctx context.Context, id string) error
}

const (
	volumeRows  = 4
	depthPanel  = 6
	warningRows = 4
	axisWidth   = 12
)

var (
	styleTitle  = tcell.StyleDefault.Bold(true).Reverse(true)
	styleLabel  = tcell.StyleDefault.Foreground(tcell.ColorGray)
	styleBid    = tcell.StyleDefault.Foreground(tcell.ColorGreen)
	styleAsk    = tcell.StyleDefault.Foreground(tcell.ColorRed)
	styleWarn   = tcell.StyleDefault.Foreground(tcell.ColorYellow)
	styleStale  = tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
	styleInput  = tcell.StyleDefault.Foreground(tcell.ColorWhite).Bold(true)
	styleVolume = tcell.StyleDefault.Foreground(tcell.ColorTeal)
)

// Option configures a Terminal.
type Option func(*Terminal)

// WithScreen draws on s instead of the process terminal.
func WithScreen(s tcell.Screen) Option {
	return func(t *Terminal) { t.screen = s }
}

// Terminal renders projections on a refresh timer. It never drives
// ingestion: it only polls the source.
type Terminal struct {
	screen  tcell.Screen
	source  ProjectionSource
	refresh time.Duration
	log     *logger.Log

	logs     *logStore
	counters *metricStore
	metricID metrics.MetricHandlerID

	mu      sync.Mutex
	current models.Instrument
	editing bool
	input   []rune

	commands sync.WaitGroup
}

// NewTerminal attaches the warning and metric stores and prepares the screen.
func NewTerminal(source ProjectionSource, cfg config.RendererConfig, opts ...Option) (*Terminal, error) {
	t := &Terminal{
		source:   source,
		refresh:  cfg.RefreshInterval,
		log:      logger.GetLogger(),
		logs:     newLogStore(cfg.LogHistory),
		counters: newMetricStore(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.refresh <= 0 {
		t.refresh = 100 * time.Millisecond
	}
	if t.screen == nil {
		s, err := tcell.NewScreen()
		if err != nil {
			return nil, fmt.Errorf("create screen: %w", err)
		}
		t.screen = s
	}

	t.log.AddHook(t.logs)
	t.metricID = metrics.RegisterMetricHandler(t.counters.handle)
	return t, nil
}

// Select makes inst the instrument on screen.
func (t *Terminal) Select(inst models.Instrument) {
	t.mu.Lock()
	t.current = inst
	t.mu.Unlock()
}

// Run draws until ctx is done or the user quits. Commands still in flight
// are awaited before it returns.
func (t *Terminal) Run(ctx context.Context) error {
	if err := t.screen.Init(); err != nil {
		return fmt.Errorf("init screen: %w", err)
	}
	defer func() {
		t.screen.Fini()
		t.commands.Wait()
		t.logs.close()
		metrics.UnregisterMetricHandler(t.metricID)
	}()
	t.screen.HideCursor()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan tcell.Event, 16)
	go func() {
		for {
			ev := t.screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()

	t.draw()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.draw()
		case ev := <-events:
			switch ev := ev.(type) {
			case *tcell.EventResize:
				t.screen.Sync()
				t.draw()
			case *tcell.EventKey:
				if t.handleKey(ctx, ev) {
					return nil
				}
				t.draw()
			}
		}
	}
}

// handleKey applies one key press and reports whether the user asked to quit.
func (t *Terminal) handleKey(ctx context.Context, ev *tcell.EventKey) bool {
	if ev.Key() == tcell.KeyCtrlC {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.editing {
		switch ev.Key() {
		case tcell.KeyEscape:
			t.editing = false
			t.input = nil
		case tcell.KeyEnter:
			id := strings.TrimSpace(string(t.input))
			t.editing = false
			t.input = nil
			if id != "" {
				t.current = models.Instrument(symbols.Canonical(id))
				t.dispatch(ctx, "add", id, t.source.AddInstrument)
			}
		case tcell.KeyBackspace, tcell.KeyBackspace2:
			if n := len(t.input); n > 0 {
				t.input = t.input[:n-1]
			}
		case tcell.KeyRune:
			t.input = append(t.input, ev.Rune())
		}
		return false
	}

	switch ev.Key() {
	case tcell.KeyEscape:
		return true
	case tcell.KeyTab:
		t.current = cycle(t.source.Instruments(), t.current, 1)
	case tcell.KeyBacktab:
		t.current = cycle(t.source.Instruments(), t.current, -1)
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'q', 'Q':
			return true
		case 'a', '/', '+':
			t.editing = true
			t.input = nil
		case 'd', '-':
			if t.current != "" {
				id := t.current.String()
				t.current = cycle(t.source.Instruments(), t.current, 1)
				if t.current.String() == id {
					t.current = ""
				}
				t.dispatch(ctx, "remove", id, t.source.RemoveInstrument)
			}
		}
	}
	return false
}

// dispatch runs a pipeline command off the render goroutine; failures end up
// in the warnings panel through the log hook.
func (t *Terminal) dispatch(ctx context.Context, op, id string, fn func(context.Context, string) error) {
	t.commands.Add(1)
	go func() {
		defer t.commands.Done()
		if err := fn(ctx, id); err != nil && ctx.Err() == nil {
			t.log.WithComponent("dashboard").WithInstrument(id).WithError(err).Warn(op + " instrument failed")
		}
	}()
}

// cycle returns the instrument step positions away from current, wrapping
// around. An unknown current selects the first instrument.
func cycle(list []models.Instrument, current models.Instrument, step int) models.Instrument {
	if len(list) == 0 {
		return ""
	}
	for i, inst := range list {
		if inst == current {
			return list[((i+step)%len(list)+len(list))%len(list)]
		}
	}
	return list[0]
}

// selected resolves the instrument to draw. An empty selection falls back to
// the first instrument; an instrument that was just added is kept until the
// pipeline lists it.
func (t *Terminal) selected(list []models.Instrument) models.Instrument {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == "" && len(list) > 0 {
		t.current = list[0]
	}
	return t.current
}

func (t *Terminal) draw() {
	s := t.screen
	s.Clear()
	w, h := s.Size()
	if w <= 0 || h <= 0 {
		return
	}

	list := t.source.Instruments()
	inst := t.selected(list)
	t.drawTitle(w, list, inst)

	proj, ok := t.source.LatestProjection(inst.String())
	heatH := h - 1 - (volumeRows + 1) - (depthPanel + 1) - 2 - (warningRows + 1) - 1
	if heatH < 3 {
		heatH = 3
	}
	y := 1
	if ok {
		t.drawHeatmap(0, y, w, heatH, proj.Heatmap)
	} else if inst != "" {
		drawText(s, 1, y, w, styleLabel, "waiting for "+inst.String()+" ...")
	} else {
		drawText(s, 1, y, w, styleLabel, "no instrument, press 'a' to add one")
	}
	y += heatH

	drawText(s, 0, y, w, styleLabel, "volume")
	y++
	if ok {
		drawText(s, axisWidth, y+volumeRows-1, w-axisWidth, styleVolume, string(sparkline(volumeSeries(proj.Volume), w-axisWidth)))
		if n := len(proj.Volume); n > 0 {
			drawText(s, 0, y, axisWidth, styleLabel, formatNumber(proj.Volume[n-1].Total))
		}
	}
	y += volumeRows

	drawText(s, 0, y, w, styleLabel, "depth")
	y++
	if ok {
		t.drawDepth(0, y, w, depthPanel, proj.Depth)
	}
	y += depthPanel

	if ok {
		style := tcell.StyleDefault
		if proj.Status.Stale || proj.Status.State != models.StateSynced {
			style = styleStale
		}
		drawText(s, 0, y, w, style, statusLine(proj.Status))
		drawText(s, 0, y+1, w, styleLabel, countersLine(t.counters.snapshot(inst.String())))
	}
	y += 2

	drawText(s, 0, y, w, styleLabel, "warnings")
	y++
	for i, rec := range t.logs.recent(warningRows) {
		drawText(s, 0, y+i, w, styleWarn, rec.String())
	}

	t.mu.Lock()
	editing, input := t.editing, string(t.input)
	t.mu.Unlock()
	if editing {
		drawText(s, 0, h-1, w, styleInput, "add instrument: "+input+"_")
	} else {
		drawText(s, 0, h-1, w, styleLabel, "tab next  a add  d remove  q quit")
	}

	s.Show()
}

func (t *Terminal) drawTitle(w int, list []models.Instrument, current models.Instrument) {
	for x := 0; x < w; x++ {
		t.screen.SetContent(x, 0, ' ', nil, styleTitle)
	}
	x := drawText(t.screen, 0, 0, w, styleTitle, " bookscope ")
	for _, inst := range list {
		label := " " + inst.String() + " "
		if inst == current {
			label = "[" + inst.String() + "]"
		}
		x = drawText(t.screen, x+1, 0, w-x-1, styleTitle, label)
	}
}

func (t *Terminal) drawHeatmap(x0, y0, w, h int, grid models.HeatmapGrid) {
	plotW := w - axisWidth
	if plotW <= 0 {
		return
	}
	for y := 0; y < h; y++ {
		if row := sampleIndex(h-1-y, h, len(grid.Prices)); row >= 0 && (y == 0 || y == h-1 || y == h/2) {
			drawText(t.screen, x0, y0+y, axisWidth-1, styleLabel, formatNumber(grid.Prices[row]))
		}
		for x := 0; x < plotW; x++ {
			v := heatmapIntensity(grid, x, y, plotW, h)
			t.screen.SetContent(x0+axisWidth+x, y0+y, ' ', nil, tcell.StyleDefault.Background(heatColor(v)))
		}
	}
}

func (t *Terminal) drawDepth(x0, y0, w, h int, curve models.DepthCurve) {
	half := w / 2
	bids, asks := depthRows(curve, h)
	drawRows := func(rows []depthRow, x, width int, style tcell.Style) {
		barW := width - 2*axisWidth
		for i, r := range rows {
			label := fmt.Sprintf("%-*s%*s ", axisWidth-1, formatNumber(r.Price), axisWidth-1, formatNumber(r.Total))
			n := drawText(t.screen, x, y0+i, width, style, label)
			if barW > 0 {
				bar := strings.Repeat("█", int(r.Fraction*float64(barW)))
				drawText(t.screen, n, y0+i, barW, style, bar)
			}
		}
	}
	drawRows(bids, x0, half, styleBid)
	drawRows(asks, x0+half, w-half, styleAsk)
}

// drawText writes text from x, clipped to width cells, and returns the column
// after the last cell written.
func drawText(s tcell.Screen, x, y, width int, style tcell.Style, text string) int {
	end := x + width
	for _, r := range text {
		if x >= end {
			break
		}
		s.SetContent(x, y, r, nil, style)
		x++
	}
	return x
}
