package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"bookscope/internal/channel"
	"bookscope/logger"
	"bookscope/models"
	"bookscope/processor"
)

// update is what the ingestion goroutine hands to an instrument's
// aggregation goroutine. Only the newest pending update is kept.
type update struct {
	State   models.BookState
	At      time.Time
	Stale   bool
	Observe bool
}

type instrumentCounters struct {
	messages         atomic.Int64
	parseErrors      atomic.Int64
	ignored          atomic.Int64
	desyncs          atomic.Int64
	resyncs          atomic.Int64
	snapshotRequests atomic.Int64
}

// instrument is the per-instrument state. store, lastMessage, stale and
// resync are owned by the ingestion goroutine.
type instrument struct {
	id    models.Instrument
	store *processor.BookStore
	agg   *processor.WindowAggregator

	inbound     *channel.Latest[update]
	projections *channel.Latest[models.Projection]

	lastMessage time.Time
	stale       bool
	resync      *rate.Limiter
	requesting  atomic.Bool

	counters instrumentCounters

	statusMu sync.Mutex
	status   models.BookState

	cancel context.CancelFunc
	done   chan struct{}
	log    *logger.Entry
}

func (in *instrument) setStatus(st models.BookState) {
	in.statusMu.Lock()
	in.status = models.BookState{State: st.State, Reason: st.Reason}
	in.statusMu.Unlock()
}

func (in *instrument) stats() models.InstrumentStats {
	in.statusMu.Lock()
	status := in.status
	in.statusMu.Unlock()

	return models.InstrumentStats{
		Instrument:        in.id,
		Messages:          in.counters.messages.Load(),
		ParseErrors:       in.counters.parseErrors.Load(),
		Ignored:           in.counters.ignored.Load(),
		Desyncs:           in.counters.desyncs.Load(),
		Resyncs:           in.counters.resyncs.Load(),
		SnapshotRequests:  in.counters.snapshotRequests.Load(),
		UpdatesSuperseded: in.inbound.Stats().Superseded,
		State:             status.State,
		Reason:            status.Reason,
		Stale:             in.agg.Status().Stale,
	}
}

// publish hands the current store state to the aggregation goroutine.
func (in *instrument) publish(at time.Time, observe bool) {
	st := in.store.State()
	in.setStatus(st)
	in.inbound.Publish(update{State: st, At: at, Stale: in.stale, Observe: observe})
}

// aggregate folds updates into the window and renders a projection after
// each one until ctx is done.
func (in *instrument) aggregate(ctx context.Context) {
	defer close(in.done)
	for {
		u, err := in.inbound.Receive(ctx)
		if err != nil {
			return
		}

		in.agg.SetSync(u.State.State, u.State.Reason)
		in.agg.SetStale(u.Stale)
		if u.Observe {
			if in.agg.Observe(u.State.Book, u.At) == processor.Stale {
				in.log.WithField("at", u.At).Debug("observation older than the active bucket ignored")
			}
		}

		start := time.Now()
		in.projections.Publish(in.agg.Render())
		if d := time.Since(start); d > 50*time.Millisecond {
			logger.LogPerformanceEntry(in.log, "dispatcher", "render", d, nil)
		}
	}
}
