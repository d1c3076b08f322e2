package processor

import (
	"math"
	"testing"
	"time"

	"bookscope/models"
)

func TestDepthCurveMonotonic(t *testing.T) {
	book := models.OrderBook{
		Bids: []models.PriceLevel{level("100", "1"), level("99", "2"), level("98", "0.5")},
		Asks: []models.PriceLevel{level("101", "3"), level("102", "1")},
	}
	curve := buildDepthCurve(book, 0)
	if len(curve.Bids) != 3 || len(curve.Asks) != 2 {
		t.Fatalf("unexpected curve sizes: %+v", curve)
	}
	for _, side := range [][]models.DepthPoint{curve.Bids, curve.Asks} {
		for i := 1; i < len(side); i++ {
			if side[i].Cumulative < side[i-1].Cumulative {
				t.Fatalf("depth decreases at %d: %+v", i, side)
			}
		}
	}
	if curve.Bids[2].Cumulative != 3.5 || curve.Asks[1].Cumulative != 4 {
		t.Fatalf("unexpected totals: %+v", curve)
	}

	limited := buildDepthCurve(book, 2)
	if len(limited.Bids) != 2 || len(limited.Asks) != 2 {
		t.Fatalf("depth limit not applied: %+v", limited)
	}
}

func TestHeatmapBinsByPrice(t *testing.T) {
	history := []models.TimeBucket{
		{
			Start:        epoch,
			Bids:         []models.BucketLevel{{Price: 100.4, Volume: 1}, {Price: 100.1, Volume: 2}, {Price: 99, Volume: 4}},
			Asks:         []models.BucketLevel{{Price: 101.5, Volume: 3}},
			Observations: 1,
		},
		{Start: epoch.Add(time.Second)},
	}
	cfg := DefaultWindowConfig()
	cfg.PriceResolution = 1

	grid := buildHeatmap(history, models.OrderBook{}, cfg)
	if len(grid.Times) != 2 || len(grid.Cells) != 2 {
		t.Fatalf("unexpected grid rows: %+v", grid)
	}
	if len(grid.Prices) != 3 || grid.Prices[0] != 99 || grid.Prices[2] != 101 {
		t.Fatalf("unexpected price axis: %v", grid.Prices)
	}
	if got := grid.Cells[0]; got[0] != 4 || got[1] != 3 || got[2] != 3 {
		t.Fatalf("unexpected first row: %v", got)
	}
	for _, v := range grid.Cells[1] {
		if v != 0 {
			t.Fatalf("empty bucket should render as zero: %v", grid.Cells[1])
		}
	}
	if grid.Max != 4 {
		t.Fatalf("unexpected max %v", grid.Max)
	}
}

func TestHeatmapCapsBinsAroundMid(t *testing.T) {
	levels := make([]models.BucketLevel, 0, 100)
	for p := 1; p <= 100; p++ {
		levels = append(levels, models.BucketLevel{Price: float64(p), Volume: 1})
	}
	history := []models.TimeBucket{{Start: epoch, Bids: levels, Observations: 1}}
	cfg := DefaultWindowConfig()
	cfg.PriceResolution = 1
	cfg.PriceBins = 10

	live := models.OrderBook{Bids: []models.PriceLevel{level("50", "1")}, Asks: []models.PriceLevel{level("52", "1")}}
	grid := buildHeatmap(history, live, cfg)
	if len(grid.Prices) != 10 {
		t.Fatalf("expected 10 bins, got %d", len(grid.Prices))
	}
	if grid.Prices[0] != 46 || grid.Prices[9] != 55 {
		t.Fatalf("bins not centred on mid: %v", grid.Prices)
	}
}

func TestHeatmapEmptyWindow(t *testing.T) {
	grid := buildHeatmap([]models.TimeBucket{{Start: epoch}}, models.OrderBook{}, DefaultWindowConfig())
	if len(grid.Cells) != 1 || len(grid.Prices) != 0 {
		t.Fatalf("unexpected grid for empty window: %+v", grid)
	}
}

func TestSmoothPreservesMass(t *testing.T) {
	row := make([]float64, 41)
	row[20] = 10
	out := smooth(row, 2)
	total := 0.0
	for _, v := range out {
		total += v
	}
	if math.Abs(total-10) > 1e-9 {
		t.Fatalf("smoothing changed the total: %v", total)
	}
	if out[20] >= 10 || out[20] <= out[19] || out[19] != out[21] {
		t.Fatalf("unexpected kernel shape: %v", out[17:24])
	}
}
