// Package kucoin adapts the KuCoin futures level2 stream and full order book
// endpoint to the canonical book feed.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futurespublic "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"golang.org/x/time/rate"

	"bookscope/config"
	"bookscope/internal/channel"
	"bookscope/internal/metrics"
	"bookscope/internal/symbols"
	"bookscope/logger"
	"bookscope/models"
)

const (
	venue = "kucoin"

	defaultEndpoint = "https://api-futures.kucoin.com"
)

// publicStream is the shared public websocket. The handler gets the
// increments of one symbol.
type publicStream interface {
	Start() error
	Subscribe(symbol string, handler func(increment)) (string, error)
	Unsubscribe(id string)
	Stop()
}

type bookFetcher func(ctx context.Context, symbol string) (*fullBook, error)

type sdkStream struct {
	ws  futurespublic.FuturesPublicWS
	log *logger.Log
}

func (s *sdkStream) Start() error { return s.ws.Start() }
func (s *sdkStream) Stop()        { s.ws.Stop() }

func (s *sdkStream) Unsubscribe(id string) { s.ws.UnSubscribe(id) }

func (s *sdkStream) Subscribe(symbol string, handler func(increment)) (string, error) {
	return s.ws.OrderbookIncrement(symbol, func(_, _ string, data *futurespublic.OrderbookIncrementEvent) error {
		if data == nil {
			return nil
		}
		c, err := parseChange(data.Change)
		if err != nil {
			s.log.WithComponent("kucoin_transport").WithField("symbol", symbol).WithError(err).Warn("skipping level2 change")
			return nil
		}
		handler(increment{Sequence: data.Sequence, Change: c, Timestamp: data.Timestamp})
		return nil
	})
}

type subscription struct {
	bridge *bridge
	id     string
}

// Transport is a pipeline.Transport over the KuCoin universal SDK. All
// instruments share one public websocket, which the SDK reconnects on its
// own; snapshots come from the REST full order book.
type Transport struct {
	cfg     config.FeedConfig
	raw     *channel.Raw
	limiter *rate.Limiter
	stream  publicStream
	fetch   bookFetcher

	mu      sync.Mutex
	subs    map[models.Instrument]*subscription
	ctx     context.Context
	running bool

	wg  sync.WaitGroup
	log *logger.Log
}

// New creates a transport against cfg.RestURL, or the public futures
// endpoint when it is empty. The websocket address is handed out by that
// endpoint.
func New(cfg config.FeedConfig) *Transport {
	endpoint := cfg.RestURL
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetTimeout(timeout).
		Build()
	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(endpoint).
		WithTransportOption(transportOpt).
		Build()
	client := sdkapi.NewClient(option)
	marketAPI := client.RestService().GetFuturesService().GetMarketAPI()

	log := logger.GetLogger()
	return &Transport{
		cfg:     cfg,
		raw:     channel.NewRaw(cfg.Buffer),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		stream:  &sdkStream{ws: client.WsService().NewFuturesPublicWS(), log: log},
		fetch: func(ctx context.Context, symbol string) (*fullBook, error) {
			req := futuresmarket.NewGetFullOrderBookReqBuilder().SetSymbol(symbol).Build()
			resp, err := marketAPI.GetFullOrderBook(req, ctx)
			if err != nil {
				return nil, err
			}
			if resp == nil {
				return nil, fmt.Errorf("empty order book for %s", symbol)
			}
			raw, err := json.Marshal(resp)
			if err != nil {
				return nil, err
			}
			var book fullBook
			if err := json.Unmarshal(raw, &book); err != nil {
				return nil, fmt.Errorf("decode order book for %s: %w", symbol, err)
			}
			return &book, nil
		},
		subs: make(map[models.Instrument]*subscription),
		log:  log,
	}
}

// Start connects the public websocket. It is stopped when ctx ends.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("kucoin transport already running")
	}
	if err := t.stream.Start(); err != nil {
		return fmt.Errorf("start kucoin websocket: %w", err)
	}
	t.running = true
	t.ctx = ctx

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		<-ctx.Done()
		t.stopAll()
	}()

	t.log.WithComponent("kucoin_transport").Info("kucoin transport started")
	return nil
}

// Wait blocks until the websocket has stopped after the Start context ended,
// then closes the message channel.
func (t *Transport) Wait() {
	t.wg.Wait()
	t.raw.Close()
	t.log.WithComponent("kucoin_transport").Info("kucoin transport stopped")
}

func (t *Transport) Messages() <-chan models.RawFeedMessage { return t.raw.C }

// Buffer exposes the raw message buffer for occupancy metrics.
func (t *Transport) Buffer() *channel.Raw { return t.raw }

func (t *Transport) Subscribe(_ context.Context, inst models.Instrument) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("kucoin transport not started")
	}
	if _, ok := t.subs[inst]; ok {
		return nil
	}

	ctx := t.ctx
	b := newBridge(inst)
	symbol := symbols.ToKucoin(inst.String())
	log := t.log.WithComponent("kucoin_transport").WithInstrument(inst.String()).WithField("symbol", symbol)
	id, err := t.stream.Subscribe(symbol, func(inc increment) {
		if err := b.increment(inc, func(payload []byte) { t.emit(ctx, inst, payload) }); err != nil {
			log.WithError(err).Warn("failed to convert level2 change")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	t.subs[inst] = &subscription{bridge: b, id: id}
	log.Info("level2 stream subscribed")
	return nil
}

func (t *Transport) Unsubscribe(_ context.Context, inst models.Instrument) error {
	t.mu.Lock()
	s, ok := t.subs[inst]
	delete(t.subs, inst)
	t.mu.Unlock()
	if ok {
		t.stream.Unsubscribe(s.id)
	}
	return nil
}

// RequestSnapshot fetches the full order book and emits it followed by the
// increments received meanwhile that it does not cover.
func (t *Transport) RequestSnapshot(ctx context.Context, inst models.Instrument) error {
	t.mu.Lock()
	s, ok := t.subs[inst]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("snapshot for unsubscribed instrument %s", inst)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	symbol := symbols.ToKucoin(inst.String())
	log := t.log.WithComponent("kucoin_transport").WithInstrument(inst.String())

	s.bridge.beginSnapshot()
	start := time.Now()
	book, err := t.fetch(ctx, symbol)
	if err != nil {
		s.bridge.abortSnapshot()
		return fmt.Errorf("fetch order book %s: %w", symbol, err)
	}
	logger.LogPerformanceEntry(log, "kucoin_transport", "fetch_order_book", time.Since(start), logger.Fields{
		"sequence": book.Sequence,
	})

	complete, err := s.bridge.snapshot(book, func(payload []byte) { t.emit(ctx, inst, payload) })
	if err != nil {
		return err
	}
	if !complete {
		log.WithField("held_back", maxPending).Warn("increments lost while fetching the order book")
	}
	return nil
}

func (t *Transport) emit(ctx context.Context, inst models.Instrument, payload []byte) {
	logger.RecordChannelMessage("kucoin_ws", len(payload))
	msg := models.RawFeedMessage{Instrument: inst, Data: payload, Received: time.Now()}
	if t.raw.Send(ctx, msg) || ctx.Err() != nil {
		return
	}
	metrics.EmitDropMetric(t.log, metrics.DropMetricRawFeed, venue, inst.String(), "raw")
	if dropped := t.raw.GetStats().Dropped; dropped&(dropped-1) == 0 {
		t.log.WithComponent("kucoin_transport").WithField("dropped", dropped).Warn("raw feed channel full, dropping message")
	}
}

func (t *Transport) stopAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.subs))
	for inst, s := range t.subs {
		ids = append(ids, s.id)
		delete(t.subs, inst)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.stream.Unsubscribe(id)
	}
	t.stream.Stop()
}
