package models

import (
	"time"
)

// BucketLevel is the mean volume observed at a price over one bucket.
type BucketLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// TimeBucket is one fixed-width slice of book history. Once Sealed it is never
// modified. Empty buckets stand for intervals without observations.
type TimeBucket struct {
	Start        time.Time     `json:"start"`
	Width        time.Duration `json:"width"`
	Bids         []BucketLevel `json:"bids"`
	Asks         []BucketLevel `json:"asks"`
	Observations int           `json:"observations"`
	Sealed       bool          `json:"sealed"`
}

// End returns the exclusive end of the bucket interval.
func (b TimeBucket) End() time.Time { return b.Start.Add(b.Width) }

// Empty reports whether the bucket received no observations.
func (b TimeBucket) Empty() bool { return b.Observations == 0 }

// BidVolume sums the bid side of the bucket.
func (b TimeBucket) BidVolume() float64 { return sumVolume(b.Bids) }

// AskVolume sums the ask side of the bucket.
func (b TimeBucket) AskVolume() float64 { return sumVolume(b.Asks) }

func sumVolume(levels []BucketLevel) float64 {
	total := 0.0
	for _, l := range levels {
		total += l.Volume
	}
	return total
}

// HeatmapGrid maps (bucket, price bin) to intensity. Cells[i][j] is the volume
// in bucket Times[i] at price bin Prices[j]; Prices holds the lower bound of
// each bin in ascending order.
type HeatmapGrid struct {
	Times  []time.Time `json:"times"`
	Prices []float64   `json:"prices"`
	Cells  [][]float64 `json:"cells"`
	Max    float64     `json:"max"`
}

// VolumePoint is the booked volume of one bucket.
type VolumePoint struct {
	Time  time.Time `json:"time"`
	Bid   float64   `json:"bid"`
	Ask   float64   `json:"ask"`
	Total float64   `json:"total"`
}

// DepthPoint is the cumulative volume available at or better than Price.
type DepthPoint struct {
	Price      float64 `json:"price"`
	Cumulative float64 `json:"cumulative"`
}

// DepthCurve holds cumulative depth for both sides, each ordered from the
// best price outward.
type DepthCurve struct {
	Bids []DepthPoint `json:"bids"`
	Asks []DepthPoint `json:"asks"`
}

// StatusSnapshot summarises the latest observation of an instrument.
type StatusSnapshot struct {
	Instrument Instrument   `json:"instrument"`
	BestBid    float64      `json:"best_bid"`
	BestAsk    float64      `json:"best_ask"`
	HasBid     bool         `json:"has_bid"`
	HasAsk     bool         `json:"has_ask"`
	Spread     float64      `json:"spread"`
	Mid        float64      `json:"mid"`
	Sequence   uint64       `json:"sequence"`
	LastUpdate time.Time    `json:"last_update"`
	State      SyncState    `json:"state"`
	Reason     DesyncReason `json:"reason,omitempty"`
	Stale      bool         `json:"stale"`
}

// Projection is the full set of views rendered for one instrument. It is
// replaced wholesale on every aggregation pass.
type Projection struct {
	Instrument  Instrument     `json:"instrument"`
	GeneratedAt time.Time      `json:"generated_at"`
	Heatmap     HeatmapGrid    `json:"heatmap"`
	Volume      []VolumePoint  `json:"volume"`
	Depth       DepthCurve     `json:"depth"`
	Status      StatusSnapshot `json:"status"`
}
