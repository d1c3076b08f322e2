// Package binance adapts the Binance USDⓈ-M futures diff depth stream and
// REST depth endpoint to the canonical book feed.
package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"bookscope/config"
	"bookscope/internal/channel"
	"bookscope/internal/metrics"
	"bookscope/internal/symbols"
	"bookscope/logger"
	"bookscope/models"
)

const venue = "binance"

// depthLimits are the snapshot sizes the REST endpoint accepts.
var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

type depthFetcher func(ctx context.Context, symbol string, limit int) (*futures.DepthResponse, error)

type streamServer func(symbol string, interval time.Duration, handler futures.WsDepthHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error)

type stream struct {
	bridge *bridge
	cancel context.CancelFunc
	done   chan struct{}
}

// Transport is a pipeline.Transport backed by go-binance. Each subscribed
// instrument runs its own diff depth stream; snapshots come from the REST
// depth endpoint.
type Transport struct {
	cfg     config.FeedConfig
	raw     *channel.Raw
	limiter *rate.Limiter
	fetch   depthFetcher
	serve   streamServer

	mu      sync.Mutex
	streams map[models.Instrument]*stream
	ctx     context.Context
	running bool

	wg  sync.WaitGroup
	log *logger.Log
}

// New creates a transport using the REST endpoint in cfg.RestURL when set.
func New(cfg config.FeedConfig) *Transport {
	client := futures.NewClient("", "")
	if cfg.RestURL != "" {
		client.BaseURL = cfg.RestURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	t := &Transport{
		cfg:     cfg,
		raw:     channel.NewRaw(cfg.Buffer),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		serve:   futures.WsDiffDepthServeWithRate,
		streams: make(map[models.Instrument]*stream),
		log:     logger.GetLogger(),
	}
	t.fetch = func(ctx context.Context, symbol string, limit int) (*futures.DepthResponse, error) {
		return client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	}
	return t
}

// Start records ctx as the lifetime of all streams. Streams begin on
// Subscribe.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("binance transport already running")
	}
	t.running = true
	t.ctx = ctx

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		<-ctx.Done()
		t.stopAll()
	}()

	t.log.WithComponent("binance_transport").WithFields(logger.Fields{
		"interval": t.cfg.UpdateInterval.String(),
		"depth":    snapshotLimit(t.cfg.Depth),
	}).Info("binance transport started")
	return nil
}

// Wait blocks until every stream has stopped after the Start context ended,
// then closes the message channel.
func (t *Transport) Wait() {
	t.wg.Wait()
	t.raw.Close()
	t.log.WithComponent("binance_transport").Info("binance transport stopped")
}

func (t *Transport) Messages() <-chan models.RawFeedMessage { return t.raw.C }

// Buffer exposes the raw message buffer for occupancy metrics.
func (t *Transport) Buffer() *channel.Raw { return t.raw }

func (t *Transport) Subscribe(_ context.Context, inst models.Instrument) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("binance transport not started")
	}
	if _, ok := t.streams[inst]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(t.ctx)
	s := &stream{bridge: newBridge(inst), cancel: cancel, done: make(chan struct{})}
	t.streams[inst] = s

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(s.done)
		t.runStream(ctx, inst, s.bridge)
	}()
	return nil
}

func (t *Transport) Unsubscribe(_ context.Context, inst models.Instrument) error {
	t.mu.Lock()
	s, ok := t.streams[inst]
	delete(t.streams, inst)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	<-s.done
	return nil
}

// RequestSnapshot fetches the REST depth and emits it as a canonical
// snapshot ahead of any later delta.
func (t *Transport) RequestSnapshot(ctx context.Context, inst models.Instrument) error {
	t.mu.Lock()
	s, ok := t.streams[inst]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("snapshot for unsubscribed instrument %s", inst)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	symbol := symbols.ToBinance(inst.String())
	start := time.Now()
	resp, err := t.fetch(ctx, symbol, snapshotLimit(t.cfg.Depth))
	if err != nil {
		return fmt.Errorf("fetch depth %s: %w", symbol, err)
	}
	log := t.log.WithComponent("binance_transport").WithInstrument(inst.String())
	logger.LogPerformanceEntry(log, "binance_transport", "fetch_depth", time.Since(start), logger.Fields{
		"last_update_id": resp.LastUpdateID,
	})

	return s.bridge.snapshot(resp, func(payload []byte) { t.emit(ctx, inst, payload) })
}

// runStream serves the diff depth stream for inst and restarts it until ctx
// is done. A restart breaks the update chain, so the bridge is reset.
func (t *Transport) runStream(ctx context.Context, inst models.Instrument, b *bridge) {
	symbol := symbols.ToBinance(inst.String())
	log := t.log.WithComponent("binance_transport").WithInstrument(inst.String()).WithField("symbol", symbol)

	handler := func(ev *futures.WsDepthEvent) {
		if err := b.event(ev, func(payload []byte) { t.emit(ctx, inst, payload) }); err != nil {
			log.WithError(err).Warn("failed to convert depth event")
			return
		}
		if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			logger.LogDataFlowEntry(log, "binance_ws", "raw_feed", len(ev.Bids)+len(ev.Asks), "delta_levels")
		}
	}
	errHandler := func(err error) {
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	for {
		doneC, stopC, err := t.serve(symbol, t.cfg.UpdateInterval, handler, errHandler)
		if err != nil {
			log.WithError(err).Warn("failed to subscribe to diff depth stream")
		} else {
			log.Info("diff depth stream started")
			select {
			case <-ctx.Done():
				close(stopC)
				<-doneC
				return
			case <-doneC:
				log.Warn("diff depth stream ended; reconnecting")
			}
		}

		b.reset()
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.ReconnectDelay):
		}
	}
}

func (t *Transport) emit(ctx context.Context, inst models.Instrument, payload []byte) {
	logger.RecordChannelMessage("binance_ws", len(payload))
	msg := models.RawFeedMessage{Instrument: inst, Data: payload, Received: time.Now()}
	if t.raw.Send(ctx, msg) || ctx.Err() != nil {
		return
	}
	metrics.EmitDropMetric(t.log, metrics.DropMetricRawFeed, venue, inst.String(), "raw")
	if dropped := t.raw.GetStats().Dropped; dropped&(dropped-1) == 0 {
		t.log.WithComponent("binance_transport").WithField("dropped", dropped).Warn("raw feed channel full, dropping message")
	}
}

func (t *Transport) stopAll() {
	t.mu.Lock()
	all := make([]*stream, 0, len(t.streams))
	for inst, s := range t.streams {
		all = append(all, s)
		delete(t.streams, inst)
	}
	t.mu.Unlock()

	for _, s := range all {
		s.cancel()
		<-s.done
	}
}

// snapshotLimit rounds depth up to the nearest limit the endpoint accepts.
func snapshotLimit(depth int) int {
	for _, l := range depthLimits {
		if depth <= l {
			return l
		}
	}
	return depthLimits[len(depthLimits)-1]
}
