// Package bybit adapts the Bybit v5 public linear orderbook stream to the
// canonical book feed.
package bybit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"bookscope/config"
	"bookscope/internal/channel"
	"bookscope/internal/metrics"
	"bookscope/internal/symbols"
	"bookscope/logger"
	"bookscope/models"
)

const (
	venue = "bybit"

	defaultStreamURL = "wss://stream.bybit.com/v5/public/linear"
)

// topicDepths are the orderbook depths the linear stream offers.
var topicDepths = []int{50, 200, 500}

// wsConn is an open public websocket with a handler attached.
type wsConn interface {
	Subscribe(topics []string) error
	Close()
}

type dialFunc func(url string, handler func(message string) error) (wsConn, error)

type sdkConn struct {
	subscribe func([]string) error
	close     func()
}

func (c *sdkConn) Subscribe(topics []string) error { return c.subscribe(topics) }
func (c *sdkConn) Close()                         { c.close() }

func dialSDK(url string, handler func(message string) error) (wsConn, error) {
	ws := bybit.NewBybitPublicWebSocket(url, handler)
	if ws == nil || ws.Connect() == nil {
		return nil, fmt.Errorf("failed to connect to bybit websocket %s", url)
	}
	return &sdkConn{
		subscribe: func(topics []string) error {
			_, err := ws.SendSubscription(topics)
			return err
		},
		close: func() { ws.Disconnect() },
	}, nil
}

type stream struct {
	bridge *bridge
	resnap chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Transport is a pipeline.Transport over bybit.go.api. Each subscribed
// instrument has its own public websocket. Bybit has no snapshot request on
// the stream: a new subscription always starts with one, so RequestSnapshot
// reconnects the instrument's stream.
type Transport struct {
	cfg     config.FeedConfig
	url     string
	raw     *channel.Raw
	limiter *rate.Limiter
	dial    dialFunc

	mu      sync.Mutex
	streams map[models.Instrument]*stream
	ctx     context.Context
	running bool

	wg  sync.WaitGroup
	log *logger.Log
}

// New creates a transport. cfg.URL replaces the public linear stream when
// set.
func New(cfg config.FeedConfig) *Transport {
	url := cfg.URL
	if url == "" {
		url = defaultStreamURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Transport{
		cfg:     cfg,
		url:     url,
		raw:     channel.NewRaw(cfg.Buffer),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		dial:    dialSDK,
		streams: make(map[models.Instrument]*stream),
		log:     logger.GetLogger(),
	}
}

// Start records ctx as the lifetime of all streams. Streams begin on
// Subscribe.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("bybit transport already running")
	}
	t.running = true
	t.ctx = ctx

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		<-ctx.Done()
		t.stopAll()
	}()

	t.log.WithComponent("bybit_transport").WithFields(logger.Fields{
		"url":   t.url,
		"depth": topicDepth(t.cfg.Depth),
	}).Info("bybit transport started")
	return nil
}

// Wait blocks until every stream has stopped after the Start context ended,
// then closes the message channel.
func (t *Transport) Wait() {
	t.wg.Wait()
	t.raw.Close()
	t.log.WithComponent("bybit_transport").Info("bybit transport stopped")
}

func (t *Transport) Messages() <-chan models.RawFeedMessage { return t.raw.C }

// Buffer exposes the raw message buffer for occupancy metrics.
func (t *Transport) Buffer() *channel.Raw { return t.raw }

func (t *Transport) Subscribe(_ context.Context, inst models.Instrument) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("bybit transport not started")
	}
	if _, ok := t.streams[inst]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(t.ctx)
	s := &stream{
		bridge: newBridge(inst),
		resnap: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.streams[inst] = s

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(s.done)
		t.runStream(ctx, inst, s)
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

// RequestSnapshot resubscribes inst unless a snapshot is already expected on
// the current connection.
func (t *Transport) RequestSnapshot(ctx context.Context, inst models.Instrument) error {
	t.mu.Lock()
	s, ok := t.streams[inst]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("snapshot for unsubscribed instrument %s", inst)
	}
	if s.bridge.snapshotPending() {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	select {
	case s.resnap <- struct{}{}:
	default:
	}
	return nil
}

// runStream keeps one subscription to the orderbook topic of inst open until
// ctx is done. A silent connection is replaced after cfg.ReadTimeout.
func (t *Transport) runStream(ctx context.Context, inst models.Instrument, s *stream) {
	symbol := symbols.ToBybit(inst.String())
	topic := fmt.Sprintf("orderbook.%d.%s", topicDepth(t.cfg.Depth), symbol)
	log := t.log.WithComponent("bybit_transport").WithInstrument(inst.String()).WithField("topic", topic)

	for {
		conn := s.bridge.connected()
		var last atomic.Int64
		last.Store(time.Now().UnixNano())

		handler := func(message string) error {
			last.Store(time.Now().UnixNano())
			msg, ok := parseBookMessage(message)
			if !ok {
				return nil
			}
			if err := s.bridge.message(conn, msg, func(payload []byte) { t.emit(ctx, inst, payload) }); err != nil {
				log.WithError(err).Warn("failed to convert orderbook message")
			}
			return nil
		}

		ws, err := t.dial(t.url, handler)
		if err == nil {
			if err = ws.Subscribe([]string{topic}); err != nil {
				ws.Close()
			}
		}
		if err != nil {
			log.WithError(err).Warn("failed to subscribe to orderbook topic")
			if !sleepCtx(ctx, t.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		log.Info("orderbook stream started")

		why := t.watch(ctx, s, &last)
		ws.Close()
		switch why {
		case stopDone:
			return
		case stopSnapshot:
			log.Info("resubscribing for a fresh snapshot")
		case stopSilent:
			log.WithField("read_timeout", t.cfg.ReadTimeout.String()).Warn("orderbook stream silent; reconnecting")
			if !sleepCtx(ctx, t.cfg.ReconnectDelay) {
				return
			}
		}
	}
}

type stopReason int

const (
	stopDone stopReason = iota
	stopSnapshot
	stopSilent
)

func (t *Transport) watch(ctx context.Context, s *stream, last *atomic.Int64) stopReason {
	timeout := t.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return stopDone
		case <-s.resnap:
			return stopSnapshot
		case <-ticker.C:
			if time.Since(time.Unix(0, last.Load())) > timeout {
				return stopSilent
			}
		}
	}
}

func (t *Transport) emit(ctx context.Context, inst models.Instrument, payload []byte) {
	logger.RecordChannelMessage("bybit_ws", len(payload))
	msg := models.RawFeedMessage{Instrument: inst, Data: payload, Received: time.Now()}
	if t.raw.Send(ctx, msg) || ctx.Err() != nil {
		return
	}
	metrics.EmitDropMetric(t.log, metrics.DropMetricRawFeed, venue, inst.String(), "raw")
	if dropped := t.raw.GetStats().Dropped; dropped&(dropped-1) == 0 {
		t.log.WithComponent("bybit_transport").WithField("dropped", dropped).Warn("raw feed channel full, dropping message")
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

// topicDepth rounds depth up to the nearest depth the stream offers.
func topicDepth(depth int) int {
	for _, d := range topicDepths {
		if depth <= d {
			return d
		}
	}
	return topicDepths[len(topicDepths)-1]
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
