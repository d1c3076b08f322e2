package processor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"bookscope/models"
)

// ObserveResult tells the caller what Observe did with an observation.
type ObserveResult int

const (
	// Folded means the observation went into the active bucket.
	Folded ObserveResult = iota + 1
	// Advanced means the active bucket was sealed and a new one opened.
	Advanced
	// Stale means the observation predates the active bucket and was ignored.
	Stale
)

func (r ObserveResult) String() string {
	switch r {
	case Folded:
		return "folded"
	case Advanced:
		return "advanced"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// WindowConfig controls bucketing and the rendered projections.
type WindowConfig struct {
	BucketWidth time.Duration
	// Capacity is the number of buckets in the window including the
	// active one.
	Capacity int
	// PriceResolution is the width of a heat map price bin. Zero derives it
	// from the price range in the window.
	PriceResolution float64
	PriceBins       int
	// DepthLevels limits the depth curve per side; zero means every level.
	DepthLevels int
	// Smoothing is the gaussian sigma, in bins, applied along the price
	// axis of the heat map. Zero disables it.
	Smoothing float64
}

// DefaultWindowConfig returns a three minute window of one second buckets.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		BucketWidth: time.Second,
		Capacity:    180,
		PriceBins:   200,
		DepthLevels: 100,
	}
}

func (c WindowConfig) validate() error {
	if c.BucketWidth <= 0 {
		return fmt.Errorf("bucket width must be greater than 0")
	}
	if c.Capacity < 2 {
		return fmt.Errorf("window capacity must be at least 2")
	}
	if c.PriceBins <= 0 {
		return fmt.Errorf("price bins must be greater than 0")
	}
	if c.PriceResolution < 0 || c.Smoothing < 0 || c.DepthLevels < 0 {
		return fmt.Errorf("price resolution, smoothing and depth levels must not be negative")
	}
	return nil
}

// SealHandler receives every non-empty bucket when it is sealed. It is called
// with the aggregator lock held and must not block.
type SealHandler func(inst models.Instrument, bucket models.TimeBucket)

// WindowAggregator keeps a sliding window of time buckets for one instrument
// and renders projections from it. Observe is called by a single goroutine;
// Render and History may be called from any goroutine.
type WindowAggregator struct {
	mu         sync.RWMutex
	instrument models.Instrument
	cfg        WindowConfig
	onSeal     SealHandler

	sealed *HistoryWindow
	active *accumulator

	latest     models.OrderBook
	lastUpdate time.Time
	state      models.SyncState
	reason     models.DesyncReason
	stale      bool
}

// NewWindowAggregator validates cfg and returns an empty aggregator.
func NewWindowAggregator(inst models.Instrument, cfg WindowConfig, onSeal SealHandler) (*WindowAggregator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &WindowAggregator{
		instrument: inst,
		cfg:        cfg,
		onSeal:     onSeal,
		sealed:     NewHistoryWindow(cfg.Capacity - 1),
		state:      models.StateDesynced,
		reason:     models.ReasonAwaitingSnapshot,
	}, nil
}

// Observe folds book into the bucket that contains at.
func (a *WindowAggregator) Observe(book models.OrderBook, at time.Time) ObserveResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.bucketIndex(at)
	result := Folded
	switch {
	case a.active == nil:
		a.active = newAccumulator(idx, a.cfg.BucketWidth)
	case idx < a.active.index:
		return Stale
	case idx > a.active.index:
		a.advance(idx)
		result = Advanced
	}

	a.active.fold(book)
	a.latest = book
	a.lastUpdate = at
	a.stale = false
	return result
}

// advance seals the active bucket, fills skipped intervals with empty buckets
// and opens the bucket at idx.
func (a *WindowAggregator) advance(idx int64) {
	sealed := a.active.bucket(true)
	a.sealed.Push(sealed)
	if a.onSeal != nil && !sealed.Empty() {
		a.onSeal(a.instrument, sealed)
	}

	gap := idx - a.active.index - 1
	if limit := int64(a.sealed.Cap()); gap > limit {
		gap = limit
	}
	for i := idx - gap; i < idx; i++ {
		a.sealed.Push(models.TimeBucket{
			Start:  bucketStart(i, a.cfg.BucketWidth),
			Width:  a.cfg.BucketWidth,
			Sealed: true,
		})
	}

	a.active = newAccumulator(idx, a.cfg.BucketWidth)
}

func (a *WindowAggregator) bucketIndex(at time.Time) int64 {
	ns := at.UnixNano()
	w := int64(a.cfg.BucketWidth)
	idx := ns / w
	if ns < 0 && ns%w != 0 {
		idx--
	}
	return idx
}

func bucketStart(idx int64, width time.Duration) time.Time {
	return time.Unix(0, idx*int64(width)).UTC()
}

// SetSync records the sync state reported in the status snapshot.
func (a *WindowAggregator) SetSync(state models.SyncState, reason models.DesyncReason) {
	a.mu.Lock()
	a.state = state
	a.reason = reason
	a.mu.Unlock()
}

// SetStale marks the instrument as not having received data recently. The
// next Observe clears it.
func (a *WindowAggregator) SetStale(stale bool) {
	a.mu.Lock()
	a.stale = stale
	a.mu.Unlock()
}

// History returns the window from oldest to newest. The active bucket, when
// present, is the newest entry and is not sealed.
func (a *WindowAggregator) History() []models.TimeBucket {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.historyLocked()
}

func (a *WindowAggregator) historyLocked() []models.TimeBucket {
	items := a.sealed.Items()
	if a.active != nil {
		items = append(items, a.active.bucket(false))
	}
	return items
}

// Render computes every projection from the current window.
func (a *WindowAggregator) Render() models.Projection {
	a.mu.RLock()
	defer a.mu.RUnlock()

	history := a.historyLocked()
	return models.Projection{
		Instrument:  a.instrument,
		GeneratedAt: time.Now(),
		Heatmap:     buildHeatmap(history, a.latest, a.cfg),
		Volume:      buildVolumeSeries(history),
		Depth:       buildDepthCurve(a.latest, a.cfg.DepthLevels),
		Status:      a.statusLocked(),
	}
}

// Status returns only the status snapshot.
func (a *WindowAggregator) Status() models.StatusSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.statusLocked()
}

func (a *WindowAggregator) statusLocked() models.StatusSnapshot {
	st := models.StatusSnapshot{
		Instrument: a.instrument,
		Sequence:   a.latest.Sequence,
		LastUpdate: a.lastUpdate,
		State:      a.state,
		Reason:     a.reason,
		Stale:      a.stale,
	}
	if bid, ok := a.latest.BestBid(); ok {
		st.BestBid, st.HasBid = bid.Price.InexactFloat64(), true
	}
	if ask, ok := a.latest.BestAsk(); ok {
		st.BestAsk, st.HasAsk = ask.Price.InexactFloat64(), true
	}
	if st.HasBid && st.HasAsk {
		st.Spread = st.BestAsk - st.BestBid
	}
	if mid, ok := a.latest.Mid(); ok {
		st.Mid = mid.InexactFloat64()
	}
	return st
}

// accumulator sums volume per price over the observations of one bucket.
type accumulator struct {
	index        int64
	width        time.Duration
	bids         map[float64]float64
	asks         map[float64]float64
	observations int
}

func newAccumulator(index int64, width time.Duration) *accumulator {
	return &accumulator{
		index: index,
		width: width,
		bids:  make(map[float64]float64),
		asks:  make(map[float64]float64),
	}
}

func (acc *accumulator) fold(book models.OrderBook) {
	for _, l := range book.Bids {
		acc.bids[l.Price.InexactFloat64()] += l.Volume.InexactFloat64()
	}
	for _, l := range book.Asks {
		acc.asks[l.Price.InexactFloat64()] += l.Volume.InexactFloat64()
	}
	acc.observations++
}

// bucket copies the accumulated state into an immutable bucket. Volumes are
// averaged over the observations, so a price missing from some observations
// counts as zero for those.
func (acc *accumulator) bucket(sealed bool) models.TimeBucket {
	return models.TimeBucket{
		Start:        bucketStart(acc.index, acc.width),
		Width:        acc.width,
		Bids:         meanLevels(acc.bids, acc.observations, true),
		Asks:         meanLevels(acc.asks, acc.observations, false),
		Observations: acc.observations,
		Sealed:       sealed,
	}
}

func meanLevels(sums map[float64]float64, n int, descending bool) []models.BucketLevel {
	if n == 0 || len(sums) == 0 {
		return nil
	}
	out := make([]models.BucketLevel, 0, len(sums))
	for price, sum := range sums {
		out = append(out, models.BucketLevel{Price: price, Volume: sum / float64(n)})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
