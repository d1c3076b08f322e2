package processor

import (
	"math"
	"time"

	"bookscope/models"
)

func buildVolumeSeries(history []models.TimeBucket) []models.VolumePoint {
	out := make([]models.VolumePoint, len(history))
	for i, b := range history {
		bid, ask := b.BidVolume(), b.AskVolume()
		out[i] = models.VolumePoint{Time: b.Start, Bid: bid, Ask: ask, Total: bid + ask}
	}
	return out
}

// buildDepthCurve accumulates volume from the best price outward on each side
// of the live book.
func buildDepthCurve(book models.OrderBook, levels int) models.DepthCurve {
	return models.DepthCurve{
		Bids: cumulative(book.Bids, levels),
		Asks: cumulative(book.Asks, levels),
	}
}

func cumulative(levels []models.PriceLevel, limit int) []models.DepthPoint {
	n := len(levels)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.DepthPoint, n)
	total := 0.0
	for i := 0; i < n; i++ {
		total += levels[i].Volume.InexactFloat64()
		out[i] = models.DepthPoint{Price: levels[i].Price.InexactFloat64(), Cumulative: total}
	}
	return out
}

// buildHeatmap bins every bucket of the window by price. Rows follow the
// window order, columns ascend by price. At most cfg.PriceBins columns are
// kept, centred on the mid price of the live book when the range is wider.
func buildHeatmap(history []models.TimeBucket, live models.OrderBook, cfg WindowConfig) models.HeatmapGrid {
	grid := models.HeatmapGrid{Times: make([]time.Time, len(history))}
	for i, b := range history {
		grid.Times[i] = b.Start
	}

	lo, hi, ok := priceRange(history)
	if !ok {
		grid.Cells = make([][]float64, len(history))
		return grid
	}

	res := cfg.PriceResolution
	if res <= 0 {
		res = (hi - lo) / float64(cfg.PriceBins)
		if res <= 0 {
			res = 1
		}
	}

	first := int64(math.Floor(lo / res))
	last := int64(math.Floor(hi / res))
	if span := last - first + 1; span > int64(cfg.PriceBins) {
		centre := (first + last) / 2
		if mid, ok := live.Mid(); ok {
			centre = int64(math.Floor(mid.InexactFloat64() / res))
		}
		first = centre - int64(cfg.PriceBins)/2
		last = first + int64(cfg.PriceBins) - 1
	}
	bins := int(last - first + 1)

	grid.Prices = make([]float64, bins)
	for j := range grid.Prices {
		grid.Prices[j] = float64(first+int64(j)) * res
	}

	grid.Cells = make([][]float64, len(history))
	for i, b := range history {
		row := make([]float64, bins)
		addLevels(row, b.Bids, first, res)
		addLevels(row, b.Asks, first, res)
		if cfg.Smoothing > 0 {
			row = smooth(row, cfg.Smoothing)
		}
		for _, v := range row {
			if v > grid.Max {
				grid.Max = v
			}
		}
		grid.Cells[i] = row
	}
	return grid
}

func addLevels(row []float64, levels []models.BucketLevel, first int64, res float64) {
	for _, l := range levels {
		j := int64(math.Floor(l.Price/res)) - first
		if j < 0 || j >= int64(len(row)) {
			continue
		}
		row[j] += l.Volume
	}
}

func priceRange(history []models.TimeBucket) (float64, float64, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range history {
		for _, side := range [][]models.BucketLevel{b.Bids, b.Asks} {
			for _, l := range side {
				lo = math.Min(lo, l.Price)
				hi = math.Max(hi, l.Price)
			}
		}
	}
	return lo, hi, !math.IsInf(lo, 1)
}

// smooth spreads every cell over its neighbours with a gaussian kernel of the
// given sigma, preserving the row total for cells away from the edges.
func smooth(row []float64, sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for k := -radius; k <= radius; k++ {
		w := math.Exp(-float64(k*k) / (2 * sigma * sigma))
		kernel[k+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	out := make([]float64, len(row))
	for i, v := range row {
		if v == 0 {
			continue
		}
		for k := -radius; k <= radius; k++ {
			j := i + k
			if j < 0 || j >= len(out) {
				continue
			}
			out[j] += v * kernel[k+radius]
		}
	}
	return out
}
