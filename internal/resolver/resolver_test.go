package resolver_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketfeed/internal/provider"
	"marketfeed/internal/provider/cache"
	"marketfeed/internal/provider/ratelimit"
	"marketfeed/internal/resolver"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAdapter answers from prices and fails every symbol in fail.
type fakeAdapter struct {
	name   string
	prices map[string]float64
	fail   map[string]error
	gate   chan struct{}

	mu    sync.Mutex
	calls map[string]int
}

func newFake(name string, prices map[string]float64) *fakeAdapter {
	return &fakeAdapter{name: name, prices: prices, fail: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	f.mu.Lock()
	f.calls[symbol]++
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if err, ok := f.fail[symbol]; ok {
		return provider.Quote{}, err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return provider.Quote{}, provider.Unavailable(f.name, symbol, errors.New("unknown symbol"))
	}
	return provider.Quote{Symbol: symbol, Price: p, PreviousClose: p * 0.9, Source: f.name}, nil
}

func (f *fakeAdapter) Calls(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

type fixture struct {
	clock   *clock
	limiter *ratelimit.Limiter
	cache   *cache.Cache[provider.Quote]
}

func newFixture(t *testing.T, budgets map[string]int) fixture {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 11, 14, 30, 0, 0, time.UTC)}
	l := ratelimit.New(ratelimit.WithClock(c.Now))
	for name, n := range budgets {
		require.NoError(t, l.Register(name, n, time.Minute))
	}
	qc := cache.New(cache.Config[provider.Quote]{TTL: 5 * time.Minute, Now: c.Now})
	return fixture{clock: c, limiter: l, cache: qc}
}

func (fx fixture) resolver(t *testing.T, routes map[provider.Market][]provider.Adapter, opts ...resolver.Option) *resolver.Resolver {
	t.Helper()
	opts = append([]resolver.Option{resolver.WithClock(fx.clock.Now)}, opts...)
	r, err := resolver.New(fx.limiter, fx.cache, routes, opts...)
	require.NoError(t, err)
	return r
}

func callsMade(l *ratelimit.Limiter, name string) int {
	for _, b := range l.Budgets() {
		if b.Provider == name {
			return b.CallsMade
		}
	}
	return -1
}

func TestResolveFailsOverInOrder(t *testing.T) {
	t.Parallel()

	// Arrange
	fx := newFixture(t, map[string]int{"equities-a": 10, "equities-b": 10})
	a := newFake("equities-a", map[string]float64{"S1": 10, "S2": 20, "S3": 30})
	a.fail["S1"] = provider.Unavailable("equities-a", "S1", errors.New("503"))
	a.fail["S3"] = provider.Timeout("equities-a", "S3", context.DeadlineExceeded)
	b := newFake("equities-b", map[string]float64{"S1": 11, "S2": 21, "S3": 31})
	r := fx.resolver(t, map[provider.Market][]provider.Adapter{provider.MarketUS: {a, b}})

	// Act
	s1 := r.Resolve(t.Context(), "S1", provider.MarketUS)
	s2 := r.Resolve(t.Context(), "S2", provider.MarketUS)
	s3 := r.Resolve(t.Context(), "S3", provider.MarketUS)

	// Assert
	require.Equal(t, "equities-b", s1.Source)
	require.Equal(t, "equities-a", s2.Source)
	require.Equal(t, "equities-b", s3.Source)
	require.Equal(t, 1, callsMade(fx.limiter, "equities-a"))
	require.Equal(t, 2, callsMade(fx.limiter, "equities-b"))
	require.Zero(t, b.Calls("S2"))
	require.InDelta(t, (20-18.0)/18*100, s2.ChangePercent, 1e-9)

	st := r.Stats()
	require.Equal(t, int64(2), st.Failures["equities-a"])
	require.Equal(t, int64(2), st.Fetches["equities-b"])
}

func TestResolveCacheHit(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]int{"exchangerate": 10})
	fxA := newFake("exchangerate", map[string]float64{"USDTRY": 34.5, "EURTRY": 37.2})
	r := fx.resolver(t, map[provider.Market][]provider.Adapter{provider.MarketForex: {fxA}})

	first := r.Resolve(t.Context(), "USDTRY", provider.MarketForex)
	fx.clock.Advance(4 * time.Minute)
	second := r.Resolve(t.Context(), "USDTRY", provider.MarketForex)

	require.Equal(t, 34.5, first.Price)
	require.Equal(t, first, second)
	require.Equal(t, 1, fxA.Calls("USDTRY"))
	require.Equal(t, int64(1), r.Stats().CacheHits)
}

func TestResolveSkipsProviderWithoutBudget(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]int{"equities-a": 1, "equities-b": 10})
	a := newFake("equities-a", map[string]float64{"AAPL": 190, "MSFT": 410})
	b := newFake("equities-b", map[string]float64{"AAPL": 191, "MSFT": 411})
	r := fx.resolver(t, map[provider.Market][]provider.Adapter{provider.MarketUS: {a, b}})

	aapl := r.Resolve(t.Context(), "AAPL", provider.MarketUS)
	msft := r.Resolve(t.Context(), "MSFT", provider.MarketUS)

	require.Equal(t, "equities-a", aapl.Source)
	require.Equal(t, "equities-b", msft.Source)
	require.Zero(t, a.Calls("MSFT"), "an exhausted provider is never called")
	require.Equal(t, int64(1), r.Stats().Skipped["equities-a"])
}

func TestResolveFallback(t *testing.T) {
	t.Parallel()

	// Arrange
	fx := newFixture(t, map[string]int{"equities-a": 10, "equities-b": 10})
	a := newFake("equities-a", nil)
	b := newFake("equities-b", nil)
	r := fx.resolver(t,
		map[provider.Market][]provider.Adapter{provider.MarketUS: {a, b}},
		resolver.WithFallback(resolver.NewFallback(map[string]float64{"AAPL": 175})),
		resolver.WithFallbackTTL(30*time.Second),
	)

	// Act
	res := r.ResolveStrict(t.Context(), "AAPL", provider.MarketUS)

	// Assert
	require.True(t, res.WasFallback)
	require.Equal(t, provider.SourceFallback, res.Quote.Source)
	require.Equal(t, 175.0, res.Quote.Price)
	require.Zero(t, res.Quote.ChangePercent)
	require.ErrorIs(t, res.Err, provider.ErrAllProvidersExhausted)
	require.ErrorIs(t, res.Err, provider.ErrUnavailable)

	// within the fallback TTL the synthetic quote is served from cache
	again := r.ResolveStrict(t.Context(), "AAPL", provider.MarketUS)
	require.True(t, again.WasFallback)
	require.ErrorIs(t, again.Err, provider.ErrAllProvidersExhausted)
	require.Equal(t, 1, a.Calls("AAPL"))

	// after the short TTL providers are retried
	fx.clock.Advance(31 * time.Second)
	_ = r.Resolve(t.Context(), "AAPL", provider.MarketUS)
	require.Equal(t, 2, a.Calls("AAPL"))
	require.Equal(t, 0, callsMade(fx.limiter, "equities-a"))
}

func TestResolveServesStaleBeforeFallback(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]int{"yahoo": 10})
	y := newFake("yahoo", map[string]float64{"THYAO": 310})
	r := fx.resolver(t, map[provider.Market][]provider.Adapter{provider.MarketRegional: {y}})
	_ = r.Resolve(t.Context(), "THYAO", provider.MarketRegional)

	fx.clock.Advance(6 * time.Minute)
	y.fail["THYAO"] = provider.RateLimited("yahoo", "THYAO", nil)
	res := r.ResolveStrict(t.Context(), "THYAO", provider.MarketRegional)

	require.True(t, res.Stale)
	require.False(t, res.WasFallback)
	require.Equal(t, 310.0, res.Quote.Price)
	require.ErrorIs(t, res.Err, provider.ErrRateLimited)
}

func TestResolveRejectsInsanePrice(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]int{"a": 10, "b": 10})
	a := newFake("a", map[string]float64{"BTC": 0})
	b := newFake("b", map[string]float64{"BTC": 65000})
	r := fx.resolver(t, map[provider.Market][]provider.Adapter{provider.MarketCrypto: {a, b}})

	q := r.Resolve(t.Context(), "BTC", provider.MarketCrypto)

	require.Equal(t, "b", q.Source)
	require.Equal(t, 0, callsMade(fx.limiter, "a"))
}

func TestResolveCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]int{"coingecko": 100})
	cg := newFake("coingecko", map[string]float64{"ETH": 3500})
	cg.gate = make(chan struct{})
	r := fx.resolver(t, map[provider.Market][]provider.Adapter{provider.MarketCrypto: {cg}})

	var wg sync.WaitGroup
	results := make([]provider.Quote, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Resolve(t.Context(), "ETH", provider.MarketCrypto)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(cg.gate)
	wg.Wait()

	require.Equal(t, 1, cg.Calls("ETH"))
	for _, q := range results {
		require.Equal(t, 3500.0, q.Price)
	}
}

func TestResolveCancelledCallerDoesNotFailSharedFlight(t *testing.T) {
	t.Parallel()

	// Arrange
	fx := newFixture(t, map[string]int{"coingecko": 100})
	cg := newFake("coingecko", map[string]float64{"ETH": 3500})
	cg.gate = make(chan struct{})
	r := fx.resolver(t, map[provider.Market][]provider.Adapter{provider.MarketCrypto: {cg}})

	ctx, cancel := context.WithCancel(t.Context())
	first := make(chan resolver.Result, 1)
	go func() { first <- r.ResolveStrict(ctx, "ETH", provider.MarketCrypto) }()
	require.Eventually(t, func() bool { return cg.Calls("ETH") == 1 }, time.Second, time.Millisecond)

	second := make(chan resolver.Result, 1)
	go func() { second <- r.ResolveStrict(t.Context(), "ETH", provider.MarketCrypto) }()
	time.Sleep(20 * time.Millisecond)

	// Act
	cancel()
	cancelled := <-first
	close(cg.gate)
	live := <-second

	// Assert
	require.True(t, cancelled.WasFallback)
	require.ErrorIs(t, cancelled.Err, context.Canceled)
	require.False(t, live.WasFallback)
	require.NoError(t, live.Err)
	require.Equal(t, 3500.0, live.Quote.Price)
	require.Equal(t, 1, cg.Calls("ETH"))

	cachedQuote, ok := fx.cache.Get("crypto:ETH")
	require.True(t, ok)
	require.Equal(t, "coingecko", cachedQuote.Source)
}

func TestResolveStopsCallingProviderAfter429(t *testing.T) {
	t.Parallel()

	// Arrange
	fx := newFixture(t, map[string]int{"equities-a": 10, "equities-b": 10})
	a := newFake("equities-a", nil)
	a.fail["S1"] = provider.RateLimited("equities-a", "S1", errors.New("429"))
	a.fail["S2"] = provider.RateLimited("equities-a", "S2", errors.New("429"))
	b := newFake("equities-b", map[string]float64{"S1": 11, "S2": 21})
	r := fx.resolver(t, map[provider.Market][]provider.Adapter{provider.MarketUS: {a, b}})

	// Act
	s1 := r.Resolve(t.Context(), "S1", provider.MarketUS)
	s2 := r.Resolve(t.Context(), "S2", provider.MarketUS)

	// Assert
	require.Equal(t, "equities-b", s1.Source)
	require.Equal(t, "equities-b", s2.Source)
	require.Equal(t, 1, a.Calls("S1"))
	require.Zero(t, a.Calls("S2"))
	require.Equal(t, 10, callsMade(fx.limiter, "equities-a"))
	require.Equal(t, int64(1), r.Stats().Skipped["equities-a"])

	// the next window gives the provider another chance
	fx.clock.Advance(time.Minute)
	require.True(t, fx.limiter.CanCall("equities-a"))
}

func TestResolveUnroutedMarket(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]int{"a": 1})
	r := fx.resolver(t, map[provider.Market][]provider.Adapter{provider.MarketUS: {newFake("a", nil)}})

	res := r.ResolveStrict(t.Context(), "AFT", provider.MarketFund)

	require.True(t, res.WasFallback)
	require.ErrorIs(t, res.Err, provider.ErrAllProvidersExhausted)
}

func TestNewRequiresRegisteredBudgets(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]int{"finnhub": 55})
	routes := map[provider.Market][]provider.Adapter{
		provider.MarketUS: {newFake("finnhub", nil), newFake("twelvedata", nil)},
	}

	_, err := resolver.New(fx.limiter, fx.cache, routes)

	require.ErrorIs(t, err, provider.ErrConfiguration)
	var ce *provider.ConfigurationError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "twelvedata", ce.Field)

	_, err = resolver.New(fx.limiter, fx.cache, map[provider.Market][]provider.Adapter{provider.MarketUS: nil})
	require.ErrorIs(t, err, provider.ErrConfiguration)
}
