package dashboard

import (
	"fmt"
	"math"
	"strings"

	"github.com/gdamore/tcell/v2"

	"bookscope/models"
)

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// heatStop is one colour of the heat map ramp.
type heatStop struct {
	at      float64
	r, g, b int32
}

var heatRamp = []heatStop{
	{0, 0, 0, 0},
	{0.25, 20, 30, 120},
	{0.5, 40, 160, 200},
	{0.75, 240, 200, 40},
	{1, 255, 255, 255},
}

// heatColor maps an intensity in [0,1] onto the ramp. Values outside the
// range are clamped.
func heatColor(v float64) tcell.Color {
	if math.IsNaN(v) || v <= 0 {
		s := heatRamp[0]
		return tcell.NewRGBColor(s.r, s.g, s.b)
	}
	if v >= 1 {
		s := heatRamp[len(heatRamp)-1]
		return tcell.NewRGBColor(s.r, s.g, s.b)
	}
	for i := 1; i < len(heatRamp); i++ {
		hi := heatRamp[i]
		if v > hi.at {
			continue
		}
		lo := heatRamp[i-1]
		f := (v - lo.at) / (hi.at - lo.at)
		lerp := func(a, b int32) int32 { return a + int32(math.Round(f*float64(b-a))) }
		return tcell.NewRGBColor(lerp(lo.r, hi.r), lerp(lo.g, hi.g), lerp(lo.b, hi.b))
	}
	s := heatRamp[len(heatRamp)-1]
	return tcell.NewRGBColor(s.r, s.g, s.b)
}

// sampleIndex maps position i of size screen cells onto n samples.
func sampleIndex(i, size, n int) int {
	if n <= 0 || size <= 0 {
		return -1
	}
	idx := i * n / size
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// heatmapIntensity returns the normalised intensity for screen cell (x, y)
// of a plot w by h cells. Row zero is the highest price bin and the last
// column the newest bucket.
func heatmapIntensity(grid models.HeatmapGrid, x, y, w, h int) float64 {
	if grid.Max <= 0 || len(grid.Cells) == 0 || len(grid.Prices) == 0 {
		return 0
	}
	col := sampleIndex(x, w, len(grid.Cells))
	row := sampleIndex(h-1-y, h, len(grid.Prices))
	if col < 0 || row < 0 || row >= len(grid.Cells[col]) {
		return 0
	}
	return grid.Cells[col][row] / grid.Max
}

// sparkline renders the newest width values as block characters scaled to
// the largest value shown.
func sparkline(values []float64, width int) []rune {
	if width <= 0 {
		return nil
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	peak := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
	}
	out := make([]rune, len(values))
	for i, v := range values {
		if peak <= 0 || v <= 0 {
			out[i] = ' '
			continue
		}
		idx := int(math.Ceil(v/peak*float64(len(sparkBlocks)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sparkBlocks) {
			idx = len(sparkBlocks) - 1
		}
		out[i] = sparkBlocks[idx]
	}
	return out
}

// depthRow is one line of the depth panel.
type depthRow struct {
	Side     models.Side
	Price    float64
	Total    float64
	Fraction float64
}

// depthRows samples rows points from each side of the curve, nearest the
// touch first, and scales bars against the deepest cumulative volume.
func depthRows(curve models.DepthCurve, rows int) (bids, asks []depthRow) {
	if rows <= 0 {
		return nil, nil
	}
	peak := 0.0
	if n := len(curve.Bids); n > 0 {
		peak = curve.Bids[n-1].Cumulative
	}
	if n := len(curve.Asks); n > 0 && curve.Asks[n-1].Cumulative > peak {
		peak = curve.Asks[n-1].Cumulative
	}
	sample := func(points []models.DepthPoint, side models.Side) []depthRow {
		n := rows
		if len(points) < n {
			n = len(points)
		}
		out := make([]depthRow, 0, n)
		for i := 0; i < n; i++ {
			idx := 0
			if n > 1 {
				idx = i * (len(points) - 1) / (n - 1)
			}
			p := points[idx]
			frac := 0.0
			if peak > 0 {
				frac = p.Cumulative / peak
			}
			out = append(out, depthRow{Side: side, Price: p.Price, Total: p.Cumulative, Fraction: frac})
		}
		return out
	}
	return sample(curve.Bids, models.SideBid), sample(curve.Asks, models.SideAsk)
}

func formatNumber(v float64) string {
	abs := math.Abs(v)
	switch {
	case abs == 0:
		return "0"
	case abs >= 1000:
		return fmt.Sprintf("%.2f", v)
	case abs >= 1:
		return fmt.Sprintf("%.4f", v)
	default:
		return fmt.Sprintf("%.6g", v)
	}
}

// statusLine summarises the status snapshot on one line.
func statusLine(s models.StatusSnapshot) string {
	parts := []string{string(s.Instrument)}

	if s.HasBid {
		parts = append(parts, "bid "+formatNumber(s.BestBid))
	} else {
		parts = append(parts, "bid -")
	}
	if s.HasAsk {
		parts = append(parts, "ask "+formatNumber(s.BestAsk))
	} else {
		parts = append(parts, "ask -")
	}
	if s.HasBid && s.HasAsk {
		parts = append(parts, "spread "+formatNumber(s.Spread), "mid "+formatNumber(s.Mid))
	}
	parts = append(parts, fmt.Sprintf("seq %d", s.Sequence))

	state := string(s.State)
	if s.Reason != models.ReasonNone {
		state += " (" + string(s.Reason) + ")"
	}
	if s.Stale {
		state += " STALE"
	}
	parts = append(parts, state)

	if !s.LastUpdate.IsZero() {
		parts = append(parts, "updated "+s.LastUpdate.UTC().Format("15:04:05.000"))
	}
	return strings.Join(parts, "  ")
}

// countersLine formats the dispatcher counters kept by the metric store.
func countersLine(values map[string]interface{}) string {
	names := []struct{ key, label string }{
		{"feed_messages", "msgs"},
		{"parse_errors", "parse errs"},
		{"desyncs", "desyncs"},
		{"resyncs", "resyncs"},
		{"updates_superseded", "superseded"},
	}
	var parts []string
	for _, n := range names {
		if v, ok := values[n.key]; ok {
			parts = append(parts, fmt.Sprintf("%s %v", n.label, v))
		}
	}
	return strings.Join(parts, "  ")
}

// volumeSeries extracts total volume per bucket.
func volumeSeries(points []models.VolumePoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Total
	}
	return out
}
