package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bookscope/internal/channel"
	"bookscope/internal/symbols"
	"bookscope/logger"
	"bookscope/models"
	"bookscope/processor"
)

var (
	// ErrUnknownInstrument is returned for instruments that were never added
	// or were already removed.
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrNotRunning is returned by commands issued after Run has returned.
	ErrNotRunning = errors.New("dispatcher is not running")
	// ErrTransportClosed is returned by Run when the message channel closes.
	ErrTransportClosed = errors.New("transport message channel closed")
)

type commandKind int

const (
	cmdAdd commandKind = iota + 1
	cmdRemove
	cmdSnapshot
)

type command struct {
	kind  commandKind
	id    models.Instrument
	reply chan commandResult
}

type commandResult struct {
	inst  *instrument
	added bool
	err   error
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used by the dispatcher.
func WithLogger(log *logger.Log) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithSealHandler receives every non-empty bucket sealed by any instrument.
func WithSealHandler(h processor.SealHandler) Option {
	return func(d *Dispatcher) { d.onSeal = h }
}

// WithClock replaces time.Now for liveness checks and receipt times.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher routes transport messages to per-instrument book stores and
// aggregation goroutines. A single ingestion goroutine (Run) owns every book
// store; AddInstrument and RemoveInstrument are serialised with message
// handling through a command channel. Commands issued before Run starts are
// queued.
type Dispatcher struct {
	cfg       Config
	transport Transport
	checksum  processor.Checksummer
	onSeal    processor.SealHandler
	now       func() time.Time
	log       *logger.Log

	commands chan command

	mu          sync.RWMutex
	instruments map[models.Instrument]*instrument

	runMu   sync.Mutex
	running bool
	stopped chan struct{}
	wg      sync.WaitGroup
}

// New validates cfg and returns a dispatcher reading from transport.
func New(cfg Config, transport Transport, opts ...Option) (*Dispatcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	checksum, err := processor.NewChecksummer(strings.ToLower(cfg.Checksum), cfg.ChecksumDepth)
	if err != nil {
		return nil, err
	}
	if _, err := processor.NewWindowAggregator("", cfg.Window, nil); err != nil {
		return nil, fmt.Errorf("invalid window configuration: %w", err)
	}
	if cfg.LivenessWindow <= 0 {
		return nil, fmt.Errorf("liveness window must be greater than 0")
	}
	if cfg.ResyncInterval <= 0 {
		return nil, fmt.Errorf("resync interval must be greater than 0")
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 16
	}

	d := &Dispatcher{
		cfg:         cfg,
		transport:   transport,
		checksum:    checksum,
		now:         time.Now,
		log:         logger.GetLogger(),
		commands:    make(chan command, cfg.CommandBuffer),
		instruments: make(map[models.Instrument]*instrument),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run processes transport messages and commands until ctx is done or the
// transport closes its message channel. It may be called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	select {
	case <-d.stopped:
		d.runMu.Unlock()
		return ErrNotRunning
	default:
	}
	d.running = true
	d.runMu.Unlock()

	log := d.log.WithComponent("dispatcher")
	log.Info("dispatcher started")

	defer func() {
		d.shutdown()
		log.Info("dispatcher stopped")
	}()

	tick := d.cfg.LivenessWindow / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	messages := d.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-d.commands:
			d.handleCommand(ctx, cmd)
		case msg, ok := <-messages:
			if !ok {
				return ErrTransportClosed
			}
			d.handleMessage(ctx, msg)
		case <-ticker.C:
			d.checkLiveness(ctx)
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	all := make([]*instrument, 0, len(d.instruments))
	for id, in := range d.instruments {
		all = append(all, in)
		delete(d.instruments, id)
	}
	d.mu.Unlock()

	for _, in := range all {
		in.cancel()
		<-in.done
	}
	d.wg.Wait()

	d.runMu.Lock()
	d.running = false
	close(d.stopped)
	d.runMu.Unlock()
}

// AddInstrument starts tracking id, subscribes to it and requests its
// initial snapshot. Adding an instrument twice is a no-op.
func (d *Dispatcher) AddInstrument(ctx context.Context, id string) error {
	inst := models.Instrument(symbols.Canonical(id))
	if inst == "" {
		return fmt.Errorf("%w: empty identifier", ErrUnknownInstrument)
	}

	res, err := d.send(ctx, cmdAdd, inst)
	if err != nil {
		return err
	}
	if !res.added {
		return nil
	}

	if err := d.transport.Subscribe(ctx, inst); err != nil {
		if _, rmErr := d.send(ctx, cmdRemove, inst); rmErr == nil {
			res.inst.cancel()
			<-res.inst.done
		}
		return fmt.Errorf("subscribe %s: %w", inst, err)
	}
	if _, err := d.send(ctx, cmdSnapshot, inst); err != nil {
		return err
	}
	return nil
}

// RemoveInstrument stops the aggregation goroutine of id, waits for it to
// exit, drops its book and unsubscribes.
func (d *Dispatcher) RemoveInstrument(ctx context.Context, id string) error {
	inst := models.Instrument(symbols.Canonical(id))
	res, err := d.send(ctx, cmdRemove, inst)
	if err != nil {
		return err
	}
	if res.err != nil {
		return res.err
	}

	res.inst.cancel()
	<-res.inst.done

	if err := d.transport.Unsubscribe(ctx, inst); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", inst, err)
	}
	d.log.WithComponent("dispatcher").WithInstrument(inst.String()).Info("instrument removed")
	return nil
}

func (d *Dispatcher) send(ctx context.Context, kind commandKind, id models.Instrument) (commandResult, error) {
	cmd := command{kind: kind, id: id, reply: make(chan commandResult, 1)}
	select {
	case d.commands <- cmd:
	case <-d.stopped:
		return commandResult{}, ErrNotRunning
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-d.stopped:
		return commandResult{}, ErrNotRunning
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdAdd:
		cmd.reply <- d.add(ctx, cmd.id)
	case cmdRemove:
		d.mu.Lock()
		in, ok := d.instruments[cmd.id]
		delete(d.instruments, cmd.id)
		d.mu.Unlock()
		if !ok {
			cmd.reply <- commandResult{err: fmt.Errorf("%w: %s", ErrUnknownInstrument, cmd.id)}
			return
		}
		cmd.reply <- commandResult{inst: in}
	case cmdSnapshot:
		in, ok := d.lookup(cmd.id)
		if !ok {
			cmd.reply <- commandResult{err: fmt.Errorf("%w: %s", ErrUnknownInstrument, cmd.id)}
			return
		}
		// The initial request takes the limiter token so a resync cannot
		// follow it within the same interval.
		in.resync.Allow()
		d.requestSnapshot(ctx, in)
		cmd.reply <- commandResult{inst: in}
	}
}

func (d *Dispatcher) add(ctx context.Context, id models.Instrument) commandResult {
	d.mu.RLock()
	existing, ok := d.instruments[id]
	d.mu.RUnlock()
	if ok {
		return commandResult{inst: existing}
	}

	agg, err := processor.NewWindowAggregator(id, d.cfg.Window, d.onSeal)
	if err != nil {
		return commandResult{err: err}
	}

	aggCtx, cancel := context.WithCancel(ctx)
	in := &instrument{
		id:          id,
		store:       processor.NewBookStore(id, d.checksum),
		agg:         agg,
		inbound:     channel.NewLatest[update](),
		projections: channel.NewLatest[models.Projection](),
		lastMessage: d.now(),
		resync:      rate.NewLimiter(rate.Every(d.cfg.ResyncInterval), 1),
		cancel:      cancel,
		done:        make(chan struct{}),
		log:         d.log.WithComponent("dispatcher").WithInstrument(id.String()),
	}
	in.setStatus(in.store.State())

	d.mu.Lock()
	d.instruments[id] = in
	d.mu.Unlock()

	go in.aggregate(aggCtx)
	in.log.Info("instrument added")
	return commandResult{inst: in, added: true}
}

func (d *Dispatcher) lookup(id models.Instrument) (*instrument, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	in, ok := d.instruments[id]
	return in, ok
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg models.RawFeedMessage) {
	log := d.log.WithComponent("dispatcher")

	ev, err := processor.Normalize(msg.Data)
	if err != nil {
		if in, ok := d.lookup(msg.Instrument); ok {
			in.counters.parseErrors.Add(1)
		}
		log.WithError(err).WithFields(logger.Fields{
			"instrument":   msg.Instrument,
			"payload_size": len(msg.Data),
		}).Warn("dropping malformed feed message")
		return
	}

	id := msg.Instrument
	if ev != nil && ev.Instrument != "" {
		id = ev.Instrument
	}
	in, ok := d.lookup(id)
	if !ok {
		log.WithField("instrument", id).Debug("message for untracked instrument ignored")
		return
	}
	in.counters.messages.Add(1)

	received := msg.Received
	if received.IsZero() {
		received = d.now()
	}
	in.lastMessage = received
	wasStale := in.stale
	in.stale = false

	if ev == nil {
		in.counters.ignored.Add(1)
		if wasStale {
			in.log.Info("feed messages resumed")
			in.publish(received, false)
		}
		return
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = received
	}

	before := in.store.State()
	out := in.store.Apply(*ev)
	switch out.Kind {
	case processor.Applied:
		in.publish(at, true)
	case processor.Resynced:
		in.counters.resyncs.Add(1)
		if !before.Synced() {
			in.log.WithFields(logger.Fields{
				"sequence": ev.Sequence,
				"previous": before.Reason,
			}).Info("book synchronised from snapshot")
		}
		in.publish(at, true)
	case processor.Ignored:
		in.counters.ignored.Add(1)
		if wasStale {
			in.publish(received, false)
		}
	case processor.Desynced:
		if before.Synced() || before.Reason != out.Reason {
			in.counters.desyncs.Add(1)
			in.log.WithError(out.Err).WithField("reason", out.Reason).Warn("book desynchronised; requesting snapshot")
		}
		in.publish(at, false)
		d.maybeResync(ctx, in)
	}
}

// checkLiveness marks instruments that have been silent for longer than the
// liveness window as stale and retries pending resyncs.
func (d *Dispatcher) checkLiveness(ctx context.Context) {
	now := d.now()

	d.mu.RLock()
	all := make([]*instrument, 0, len(d.instruments))
	for _, in := range d.instruments {
		all = append(all, in)
	}
	d.mu.RUnlock()

	for _, in := range all {
		if !in.stale && now.Sub(in.lastMessage) > d.cfg.LivenessWindow {
			in.stale = true
			in.log.WithField("silent_for", now.Sub(in.lastMessage).String()).Warn("no feed messages within liveness window")
			in.publish(now, false)
		}
		if !in.store.State().Synced() {
			d.maybeResync(ctx, in)
		}
	}
}

// maybeResync requests a snapshot unless one is in flight or the per
// instrument limiter forbids it.
func (d *Dispatcher) maybeResync(ctx context.Context, in *instrument) {
	if in.requesting.Load() || !in.resync.Allow() {
		return
	}
	d.requestSnapshot(ctx, in)
}

func (d *Dispatcher) requestSnapshot(ctx context.Context, in *instrument) {
	if !in.requesting.CompareAndSwap(false, true) {
		return
	}
	in.counters.snapshotRequests.Add(1)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer in.requesting.Store(false)

		if err := d.transport.RequestSnapshot(ctx, in.id); err != nil && ctx.Err() == nil {
			in.log.WithError(err).Warn("snapshot request failed")
		}
	}()
}

// LatestProjection returns the most recent projection rendered for id.
func (d *Dispatcher) LatestProjection(id string) (models.Projection, bool) {
	in, ok := d.lookup(models.Instrument(symbols.Canonical(id)))
	if !ok {
		return models.Projection{}, false
	}
	return in.projections.Load()
}

// Instruments returns the tracked instruments in sorted order.
func (d *Dispatcher) Instruments() []models.Instrument {
	d.mu.RLock()
	out := make([]models.Instrument, 0, len(d.instruments))
	for id := range d.instruments {
		out = append(out, id)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns the counters of every tracked instrument.
func (d *Dispatcher) Stats() []models.InstrumentStats {
	d.mu.RLock()
	all := make([]*instrument, 0, len(d.instruments))
	for _, in := range d.instruments {
		all = append(all, in)
	}
	d.mu.RUnlock()

	out := make([]models.InstrumentStats, 0, len(all))
	for _, in := range all {
		out = append(out, in.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}
