// Package resolver turns (symbol, market) into a quote: cache first, then the
// market's adapters in priority order within their rate budgets, then the
// fallback table. Resolve never fails.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"marketfeed/internal/provider"
	"marketfeed/internal/provider/cache"
	"marketfeed/internal/provider/ratelimit"
)

var errNoBudget = errors.New("call budget exhausted")

const defaultFetchTimeout = 10 * time.Second

// Result is what ResolveStrict reports. Err is set whenever live providers
// were exhausted; it wraps provider.ErrAllProvidersExhausted and every attempt.
type Result struct {
	Quote       provider.Quote
	WasFallback bool
	Stale       bool
	Err         error
}

type Resolver struct {
	limiter      *ratelimit.Limiter
	cache        *cache.Cache[provider.Quote]
	routes       map[provider.Market][]provider.Adapter
	fallback     *Fallback
	fallbackTTL  time.Duration
	fetchTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time

	sf    singleflight.Group
	stats stats
}

type Option func(*Resolver)

func WithFallback(f *Fallback) Option { return func(r *Resolver) { r.fallback = f } }

func WithFallbackTTL(d time.Duration) Option { return func(r *Resolver) { r.fallbackTTL = d } }

// WithFetchTimeout bounds each adapter attempt. Non-positive values keep the default.
func WithFetchTimeout(d time.Duration) Option { return func(r *Resolver) { r.fetchTimeout = d } }

func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.log = l } }

func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

// New validates that every routed adapter has a registered budget.
func New(limiter *ratelimit.Limiter, c *cache.Cache[provider.Quote], routes map[provider.Market][]provider.Adapter, opts ...Option) (*Resolver, error) {
	if limiter == nil {
		return nil, provider.ConfigErr("resolver", "limiter", "is nil")
	}
	if c == nil {
		return nil, provider.ConfigErr("resolver", "cache", "is nil")
	}
	for m, adapters := range routes {
		if len(adapters) == 0 {
			return nil, provider.ConfigErr("resolver", string(m), "market has no adapters")
		}
		for _, a := range adapters {
			if !limiter.Registered(a.Name()) {
				return nil, provider.ConfigErr("resolver", a.Name(), "no call budget registered")
			}
		}
	}
	r := &Resolver{
		limiter:      limiter,
		cache:        c,
		routes:       routes,
		fallbackTTL:  30 * time.Second,
		fetchTimeout: defaultFetchTimeout,
		log:          slog.Default(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.fallback == nil {
		r.fallback = NewFallback(nil)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = defaultFetchTimeout
	}
	r.stats.init()
	return r, nil
}

// Resolve returns a quote for the symbol. It never fails; synthesized
// quotes carry provider.SourceFallback.
func (r *Resolver) Resolve(ctx context.Context, symbol string, market provider.Market) provider.Quote {
	return r.ResolveStrict(ctx, symbol, market).Quote
}

func (r *Resolver) ResolveStrict(ctx context.Context, symbol string, market provider.Market) Result {
	key := provider.Symbol{Symbol: symbol, Market: market}.Key()
	if q, ok := r.cache.Get(key); ok {
		r.stats.hit()
		r.log.Debug("cache hit", "symbol", symbol, "market", market, "source", q.Source)
		return cached(key, q)
	}
	r.stats.miss()
	// The flight outlives any single caller so one cancelled request cannot
	// fail the others waiting on the same key.
	ch := r.sf.DoChan(key, func() (any, error) {
		return r.resolveCold(context.WithoutCancel(ctx), key, symbol, market), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Result)
	case <-ctx.Done():
		err := fmt.Errorf("%s: %w: %w", key, provider.ErrAllProvidersExhausted, ctx.Err())
		return r.degrade(key, symbol, market, err, false)
	}
}

// cached wraps a cache hit. A cached fallback still reports exhaustion.
func cached(key string, q provider.Quote) Result {
	if !q.IsFallback() {
		return Result{Quote: q}
	}
	return Result{Quote: q, WasFallback: true, Err: fmt.Errorf("%s: %w", key, provider.ErrAllProvidersExhausted)}
}

func (r *Resolver) resolveCold(ctx context.Context, key, symbol string, market provider.Market) Result {
	// Another flight may have filled the key while we waited on the group.
	if q, ok := r.cache.Get(key); ok {
		return cached(key, q)
	}

	adapters := r.routes[market]
	var errs []error
	if len(adapters) == 0 {
		errs = append(errs, provider.Unavailable("resolver", symbol, fmt.Errorf("no adapters for market %q", market)))
	}
	for _, a := range adapters {
		name := a.Name()
		res, ok := r.limiter.Reserve(name)
		if !ok {
			r.stats.skip(name)
			r.log.Debug("budget exhausted, skipping provider", "provider", name, "symbol", symbol)
			errs = append(errs, provider.RateLimited(name, symbol, errNoBudget))
			continue
		}

		q, err := r.fetch(ctx, a, symbol)
		if err != nil {
			res.Release()
			r.stats.fail(name)
			r.logFailure(name, symbol, err)
			if errors.Is(err, provider.ErrRateLimited) {
				// Upstream says the window is spent; stop spending calls on it.
				r.limiter.Exhaust(name)
			}
			errs = append(errs, err)
			continue
		}
		res.Commit()
		r.stats.fetched(name)

		q.Symbol = symbol
		q.Market = market
		if q.Source == "" {
			q.Source = name
		}
		if q.FetchedAt.IsZero() {
			q.FetchedAt = r.now()
		}
		q = provider.Normalize(q)
		r.cache.Set(key, q)
		return Result{Quote: q}
	}

	r.stats.exhausted()
	err := fmt.Errorf("%s: %w: %w", key, provider.ErrAllProvidersExhausted, errors.Join(errs...))
	return r.degrade(key, symbol, market, err, true)
}

// degrade serves the stale entry for key if one survives, else the fallback.
// Only a completed resolution caches the fallback.
func (r *Resolver) degrade(key, symbol string, market provider.Market, err error, store bool) Result {
	if stale, storedAt, ok := r.cache.Stale(key); ok && stale.Sane() && !stale.IsFallback() {
		r.stats.staleServed()
		r.log.Warn("all providers exhausted, serving stale quote", "symbol", symbol, "market", market, "stored_at", storedAt)
		return Result{Quote: stale, Stale: true, Err: err}
	}
	r.stats.fellBack()
	r.log.Warn("all providers exhausted, using fallback", "symbol", symbol, "market", market, "err", err)
	q := r.fallback.Quote(symbol, market, r.now())
	if store {
		r.cache.SetWithTTL(key, q, r.fallbackTTL)
	}
	return Result{Quote: q, WasFallback: true, Err: err}
}

func (r *Resolver) fetch(ctx context.Context, a provider.Adapter, symbol string) (provider.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	q, err := a.FetchQuote(ctx, symbol)
	if err != nil {
		return provider.Quote{}, provider.Classify(a.Name(), symbol, err)
	}
	if !q.Sane() {
		return provider.Quote{}, provider.Malformed(a.Name(), symbol, nil, fmt.Errorf("unusable price %v", q.Price))
	}
	return q, nil
}

func (r *Resolver) logFailure(name, symbol string, err error) {
	var pe *provider.Error
	if errors.Is(err, provider.ErrMalformedResponse) && errors.As(err, &pe) {
		r.log.Warn("malformed provider response", "provider", name, "symbol", symbol, "err", err, "snippet", pe.Snippet)
		return
	}
	r.log.Warn("provider fetch failed", "provider", name, "symbol", symbol, "err", err)
}

// Stats is a snapshot of resolver counters.
type Stats struct {
	CacheHits   int64            `json:"cache_hits"`
	CacheMisses int64            `json:"cache_misses"`
	Exhausted   int64            `json:"exhausted"`
	StaleServed int64            `json:"stale_served"`
	Fallbacks   int64            `json:"fallbacks"`
	Fetches     map[string]int64 `json:"fetches"`
	Skipped     map[string]int64 `json:"skipped"`
	Failures    map[string]int64 `json:"failures"`
}

func (r *Resolver) Stats() Stats { return r.stats.snapshot() }

type stats struct {
	mu sync.Mutex
	s  Stats
}

func (s *stats) init() {
	s.s.Fetches = map[string]int64{}
	s.s.Skipped = map[string]int64{}
	s.s.Failures = map[string]int64{}
}

func (s *stats) do(f func(*Stats)) {
	s.mu.Lock()
	f(&s.s)
	s.mu.Unlock()
}

func (s *stats) hit() {
	s.do(func(st *Stats) { st.CacheHits++ })
}

func (s *stats) miss() {
	s.do(func(st *Stats) { st.CacheMisses++ })
}

func (s *stats) exhausted() {
	s.do(func(st *Stats) { st.Exhausted++ })
}

func (s *stats) staleServed() {
	s.do(func(st *Stats) { st.StaleServed++ })
}

func (s *stats) fellBack() {
	s.do(func(st *Stats) { st.Fallbacks++ })
}

func (s *stats) fetched(p string) {
	s.do(func(st *Stats) { st.Fetches[p]++ })
}

func (s *stats) skip(p string) {
	s.do(func(st *Stats) { st.Skipped[p]++ })
}

func (s *stats) fail(p string) {
	s.do(func(st *Stats) { st.Failures[p]++ })
}

func (s *stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.s
	out.Fetches = maps.Clone(s.s.Fetches)
	out.Skipped = maps.Clone(s.s.Skipped)
	out.Failures = maps.Clone(s.s.Failures)
	return out
}
