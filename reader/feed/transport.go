// Package feed connects to a websocket that speaks the canonical book feed:
// JSON messages tagged by "type" ("snapshot", "delta", anything else is
// ignored downstream) and JSON requests tagged by "op".
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"bookscope/config"
	"bookscope/internal/channel"
	"bookscope/internal/metrics"
	"bookscope/logger"
	"bookscope/models"
)

const venue = "feed"

const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opSnapshot    = "snapshot"
)

// ErrNotConnected is returned for requests made while no connection is open.
// Subscriptions are still recorded and sent once connected.
var ErrNotConnected = errors.New("feed websocket not connected")

type request struct {
	Op     string `json:"op"`
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Depth  int    `json:"depth,omitempty"`
}

// Transport is a pipeline.Transport over the canonical websocket feed. After
// every (re)connect it resubscribes all instruments and requests a fresh
// snapshot for each of them.
type Transport struct {
	cfg     config.FeedConfig
	raw     *channel.Raw
	limiter *rate.Limiter
	dialer  *websocket.Dialer

	mu      sync.RWMutex
	conn    *websocket.Conn
	subs    map[models.Instrument]struct{}
	running bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
	log     *logger.Log
}

// New creates a transport for cfg. It does not connect until Start.
func New(cfg config.FeedConfig) *Transport {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Transport{
		cfg:     cfg,
		raw:     channel.NewRaw(cfg.Buffer),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.DialTimeout,
		},
		subs: make(map[models.Instrument]struct{}),
		log:  logger.GetLogger(),
	}
}

// Start connects in the background and keeps reconnecting until ctx is done.
// The message channel is closed once the connection loop has exited.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("feed transport already running")
	}
	t.running = true
	t.mu.Unlock()

	log := t.log.WithComponent("feed_transport")
	log.WithFields(logger.Fields{"url": t.cfg.URL, "buffer": t.raw.Cap()}).Info("starting feed transport")

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.raw.Close()
		runWebSocket(ctx, t.dialer, t.cfg.URL, t.cfg.ReconnectDelay, t.cfg.PingInterval, t.cfg.ReadTimeout, log,
			func(data []byte) { t.handleMessage(ctx, data) },
			func(conn *websocket.Conn) { t.onConn(ctx, conn) },
		)
	}()
	return nil
}

// Wait blocks until the connection loop started by Start has exited.
func (t *Transport) Wait() {
	t.wg.Wait()
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	t.log.WithComponent("feed_transport").Info("feed transport stopped")
}

func (t *Transport) Messages() <-chan models.RawFeedMessage { return t.raw.C }

// Buffer exposes the raw message buffer for occupancy metrics.
func (t *Transport) Buffer() *channel.Raw { return t.raw }

func (t *Transport) Subscribe(ctx context.Context, inst models.Instrument) error {
	t.mu.Lock()
	t.subs[inst] = struct{}{}
	connected := t.conn != nil
	t.mu.Unlock()

	if !connected {
		t.log.WithComponent("feed_transport").WithInstrument(inst.String()).Debug("not connected; subscription deferred")
		return nil
	}
	return t.send(ctx, opSubscribe, inst)
}

func (t *Transport) Unsubscribe(ctx context.Context, inst models.Instrument) error {
	t.mu.Lock()
	delete(t.subs, inst)
	t.mu.Unlock()

	err := t.send(ctx, opUnsubscribe, inst)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (t *Transport) RequestSnapshot(ctx context.Context, inst models.Instrument) error {
	return t.send(ctx, opSnapshot, inst)
}

// Subscriptions returns the instruments that are resubscribed on reconnect.
func (t *Transport) Subscriptions() []models.Instrument {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Instrument, 0, len(t.subs))
	for inst := range t.subs {
		out = append(out, inst)
	}
	return out
}

func (t *Transport) send(ctx context.Context, op string, inst models.Instrument) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	req := request{Op: op, ID: uuid.NewString(), Symbol: inst.String()}
	if op != opUnsubscribe {
		req.Depth = t.cfg.Depth
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%s %s: %w", op, inst, err)
	}

	t.log.WithComponent("feed_transport").WithInstrument(inst.String()).WithFields(logger.Fields{
		"op": op,
		"id": req.ID,
	}).Debug("feed request sent")
	return nil
}

// onConn records the live connection and restores every subscription on a
// new one.
func (t *Transport) onConn(ctx context.Context, conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	log := t.log.WithComponent("feed_transport")
	for _, inst := range t.Subscriptions() {
		if err := t.send(ctx, opSubscribe, inst); err != nil {
			log.WithError(err).WithInstrument(inst.String()).Warn("failed to resubscribe")
			continue
		}
		if err := t.send(ctx, opSnapshot, inst); err != nil {
			log.WithError(err).WithInstrument(inst.String()).Warn("failed to request snapshot after reconnect")
		}
	}
}

func (t *Transport) handleMessage(ctx context.Context, data []byte) {
	logger.RecordChannelMessage("feed_ws", len(data))

	msg := models.RawFeedMessage{Data: data, Received: time.Now()}
	if t.raw.Send(ctx, msg) || ctx.Err() != nil {
		return
	}

	metrics.EmitDropMetric(t.log, metrics.DropMetricRawFeed, venue, "", "raw")
	if dropped := t.raw.GetStats().Dropped; dropped&(dropped-1) == 0 {
		t.log.WithComponent("feed_transport").WithField("dropped", dropped).Warn("raw feed channel full, dropping message")
	}
}
