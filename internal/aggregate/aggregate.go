// Package aggregate drives refresh cycles over the symbol universe: the
// priority set first, synchronously, then the rest in background batches.
package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"marketfeed/internal/batch"
	"marketfeed/internal/events"
	"marketfeed/internal/provider"
	"marketfeed/internal/provider/cache"
)

type State string

const (
	Idle            State = "idle"
	PriorityLoading State = "priority_loading"
	PriorityReady   State = "priority_ready"
	BulkLoading     State = "bulk_loading"
	BulkReady       State = "bulk_ready"
)

type Config struct {
	Priority   []provider.Symbol
	Universe   []provider.Symbol
	BatchSize  int
	BatchDelay time.Duration
	// RefreshInterval throttles non forced refreshes and drives Run.
	RefreshInterval time.Duration
	// ClosedRefreshInterval replaces RefreshInterval while every market
	// on the calendar is closed. Zero disables the switch.
	ClosedRefreshInterval time.Duration
	SnapshotKey           string
}

// Snapshot is the aggregated view handed to consumers.
type Snapshot struct {
	Priority map[string]provider.Quote `json:"priority"`
	Bulk     map[string]provider.Quote `json:"bulk"`
	AsOf     time.Time                 `json:"as_of"`
	State    State                     `json:"state"`
}

// MarketClock reports whether any tracked exchange is trading.
type MarketClock interface {
	Open(t time.Time) bool
}

type Aggregator struct {
	cfg       Config
	scheduler *batch.Scheduler
	bus       *events.Bus
	cache     *cache.Cache[provider.Quote]
	kv        cache.KV
	clock     MarketClock
	log       *slog.Logger
	now       func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	snap      Snapshot
	started   bool
	lastCycle time.Time
	done      chan struct{}
	bulk      []provider.Symbol
}

type Option func(*Aggregator)

// WithPersistence saves the quote cache to kv after every completed cycle.
func WithPersistence(c *cache.Cache[provider.Quote], kv cache.KV) Option {
	return func(a *Aggregator) { a.cache, a.kv = c, kv }
}

func WithMarketClock(c MarketClock) Option { return func(a *Aggregator) { a.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.log = l } }

func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

func New(cfg Config, scheduler *batch.Scheduler, bus *events.Bus, opts ...Option) (*Aggregator, error) {
	switch {
	case scheduler == nil:
		return nil, provider.ConfigErr("aggregate", "scheduler", "is nil")
	case bus == nil:
		return nil, provider.ConfigErr("aggregate", "bus", "is nil")
	case cfg.BatchSize <= 0:
		return nil, provider.ConfigErr("aggregate", "batch_size", "must be positive")
	case cfg.BatchDelay < 0:
		return nil, provider.ConfigErr("aggregate", "batch_delay", "must not be negative")
	case cfg.RefreshInterval <= 0:
		return nil, provider.ConfigErr("aggregate", "refresh_interval", "must be positive")
	}
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = "marketfeed_cache"
	}
	a := &Aggregator{
		cfg:       cfg,
		scheduler: scheduler,
		bus:       bus,
		log:       slog.Default(),
		now:       time.Now,
		state:     Idle,
		snap:      Snapshot{Priority: map[string]provider.Quote{}, Bulk: map[string]provider.Quote{}, State: Idle},
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.base, a.cancel = context.WithCancel(context.Background())

	inPriority := make(map[string]bool, len(cfg.Priority))
	for _, s := range cfg.Priority {
		inPriority[s.Key()] = true
	}
	for _, s := range cfg.Universe {
		if !inPriority[s.Key()] {
			a.bulk = append(a.bulk, s)
		}
	}
	return a, nil
}

// Restore warms the cache from the persistent tier. A corrupt or outdated
// snapshot is logged and ignored.
func (a *Aggregator) Restore(ctx context.Context) {
	if a.cache == nil || a.kv == nil {
		return
	}
	err := a.cache.Restore(ctx, a.kv, a.cfg.SnapshotKey)
	switch {
	case err == nil:
		a.log.Info("cache snapshot restored", "key", a.cfg.SnapshotKey, "entries", a.cache.Len())
	case errors.Is(err, cache.ErrSnapshotCorrupt), errors.Is(err, cache.ErrSnapshotVersion):
		a.log.Warn("discarding cache snapshot", "key", a.cfg.SnapshotKey, "err", err)
	default:
		a.log.Error("reading cache snapshot", "key", a.cfg.SnapshotKey, "err", err)
	}
}

// Start runs the first cycle. It blocks until the priority set is loaded and
// returns while the bulk load continues in the background. Later calls are no-ops.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	a.cycle(ctx)
	return ctx.Err()
}

// Refresh starts a new cycle unless one is already running or, without
// force, the refresh interval has not elapsed. It reports whether a cycle started.
func (a *Aggregator) Refresh(ctx context.Context, force bool) bool {
	a.mu.Lock()
	if a.done != nil {
		a.mu.Unlock()
		a.log.Debug("refresh coalesced into running cycle")
		return false
	}
	if !force && !a.lastCycle.IsZero() && a.now().Sub(a.lastCycle) < a.interval() {
		a.mu.Unlock()
		return false
	}
	a.started = true
	a.mu.Unlock()
	return a.cycle(ctx)
}

// interval is the effective refresh interval for now.
func (a *Aggregator) interval() time.Duration {
	if a.clock != nil && a.cfg.ClosedRefreshInterval > 0 && !a.clock.Open(a.now()) {
		return a.cfg.ClosedRefreshInterval
	}
	return a.cfg.RefreshInterval
}

func (a *Aggregator) cycle(ctx context.Context) bool {
	a.mu.Lock()
	if a.done != nil {
		a.mu.Unlock()
		return false
	}
	done := make(chan struct{})
	a.done = done
	a.setStateLocked(PriorityLoading)
	a.mu.Unlock()

	a.log.Info("priority load started", "symbols", len(a.cfg.Priority))
	got, err := a.scheduler.Run(ctx, a.cfg.Priority, max(len(a.cfg.Priority), 1), 0, nil)
	if err != nil {
		a.log.Warn("priority load interrupted", "err", err, "loaded", len(got))
	}

	a.mu.Lock()
	maps.Copy(a.snap.Priority, got)
	a.snap.AsOf = a.now()
	a.setStateLocked(PriorityReady)
	snap := a.snapshotLocked()
	a.setStateLocked(BulkLoading)
	a.mu.Unlock()
	a.bus.Publish(events.PriorityReady, snap)

	a.wg.Add(1)
	go a.runBulk(done)
	return true
}

func (a *Aggregator) runBulk(done chan struct{}) {
	defer a.wg.Done()
	ctx := a.base

	a.log.Info("bulk load started", "symbols", len(a.bulk), "batch_size", a.cfg.BatchSize)
	_, err := a.scheduler.Run(ctx, a.bulk, a.cfg.BatchSize, a.cfg.BatchDelay, func(b batch.Batch) {
		a.mu.Lock()
		maps.Copy(a.snap.Bulk, b.Quotes)
		a.snap.AsOf = a.now()
		a.mu.Unlock()
		a.bus.Publish(events.BatchUpdated, b)
	})
	if err != nil {
		a.log.Warn("bulk load interrupted", "err", err)
	}

	a.mu.Lock()
	a.setStateLocked(BulkReady)
	a.lastCycle = a.now()
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.bus.Publish(events.BulkComplete, snap)
	a.log.Info("bulk load complete", "priority", len(snap.Priority), "bulk", len(snap.Bulk))

	a.persist(ctx)

	a.mu.Lock()
	a.done = nil
	close(done)
	a.mu.Unlock()
}

func (a *Aggregator) persist(ctx context.Context) {
	if a.cache == nil || a.kv == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := a.cache.Persist(ctx, a.kv, a.cfg.SnapshotKey)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrSnapshotPoisoned):
		a.log.Warn("not persisting cache: no valid quotes", "key", a.cfg.SnapshotKey)
	default:
		a.log.Error("persisting cache", "key", a.cfg.SnapshotKey, "err", err)
	}
}

func (a *Aggregator) setStateLocked(s State) {
	a.state = s
	a.snap.State = s
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		Priority: maps.Clone(a.snap.Priority),
		Bulk:     maps.Clone(a.snap.Bulk),
		AsOf:     a.snap.AsOf,
		State:    a.snap.State,
	}
}

// Snapshot returns a copy of the current aggregated view.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Wait blocks until the running cycle, if any, has finished.
func (a *Aggregator) Wait(ctx context.Context) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run refreshes on the effective interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		t := time.NewTimer(a.interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			a.Refresh(ctx, false)
		}
	}
}

// Close stops background work and waits for it.
func (a *Aggregator) Close() {
	a.cancel()
	a.wg.Wait()
}
