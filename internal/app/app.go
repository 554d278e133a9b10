// Package app wires config into a running feed: adapters behind budgets,
// the quote cache and its store, the resolver, the aggregator and the relay.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"marketfeed/internal/aggregate"
	"marketfeed/internal/batch"
	"marketfeed/internal/config"
	"marketfeed/internal/events"
	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
	"marketfeed/internal/provider/alphavantage"
	"marketfeed/internal/provider/cache"
	"marketfeed/internal/provider/coingecko"
	"marketfeed/internal/provider/exchangerate"
	"marketfeed/internal/provider/finnhub"
	"marketfeed/internal/provider/ratelimit"
	"marketfeed/internal/provider/tefas"
	"marketfeed/internal/provider/twelvedata"
	"marketfeed/internal/provider/yahoo"
	"marketfeed/internal/resolver"
	"marketfeed/internal/server"
	"marketfeed/internal/session"
	"marketfeed/internal/store"
)

type App struct {
	Config     config.Config
	Log        *slog.Logger
	Limiter    *ratelimit.Limiter
	Cache      *cache.Cache[provider.Quote]
	Store      store.Store
	Resolver   *resolver.Resolver
	Bus        *events.Bus
	Aggregator *aggregate.Aggregator
	Clock      *session.Clock
	Hub        *server.Hub

	routes map[provider.Market][]string
}

// source is an upstream adapter plus the block that configures it.
type source struct {
	block    config.Provider
	needsKey bool
	market   provider.Market
	build    func(hc *httpx.Client) provider.Adapter
}

func sources(cfg config.Config) []source {
	p := cfg.Providers
	return []source{
		{block: p.Finnhub, needsKey: true, market: provider.MarketUS, build: func(hc *httpx.Client) provider.Adapter {
			return finnhub.New(hc, p.Finnhub.Endpoint, p.Finnhub.APIKey)
		}},
		{block: p.TwelveData, needsKey: true, market: provider.MarketUS, build: func(hc *httpx.Client) provider.Adapter {
			return twelvedata.NewAdapter(twelvedata.NewAPIClient(p.TwelveData.APIKey,
				twelvedata.WithBaseURL(p.TwelveData.Endpoint),
				twelvedata.WithHTTPClient(hc),
			))
		}},
		{block: p.Yahoo.Provider, market: provider.MarketRegional, build: func(hc *httpx.Client) provider.Adapter {
			return yahoo.NewRegional(hc, p.Yahoo.Endpoint, p.Yahoo.Suffix)
		}},
		{block: p.AlphaVantage.Provider, needsKey: true, market: provider.MarketRegional, build: func(hc *httpx.Client) provider.Adapter {
			return alphavantage.New(hc, p.AlphaVantage.Endpoint, p.AlphaVantage.APIKey, p.AlphaVantage.Suffix)
		}},
		{block: p.YahooIndex, market: provider.MarketIndex, build: func(hc *httpx.Client) provider.Adapter {
			return yahoo.NewIndex(hc, p.YahooIndex.Endpoint)
		}},
		{block: p.ExchangeRate.Provider, market: provider.MarketForex, build: func(hc *httpx.Client) provider.Adapter {
			return exchangerate.New(hc, p.ExchangeRate.Endpoint, p.ExchangeRate.BundleTTL())
		}},
		{block: p.CoinGecko.Provider, market: provider.MarketCrypto, build: func(hc *httpx.Client) provider.Adapter {
			return coingecko.New(hc, p.CoinGecko.Endpoint, p.CoinGecko.APIKey, p.CoinGecko.IDs, p.CoinGecko.BundleTTL())
		}},
		{block: p.TEFAS.Provider, market: provider.MarketFund, build: func(hc *httpx.Client) provider.Adapter {
			return tefas.New(hc, tefas.Config{
				BaseURL:      p.TEFAS.Endpoint,
				Referer:      p.TEFAS.Referer,
				PricePath:    p.TEFAS.PricePath,
				PreviousPath: p.TEFAS.PreviousPath,
			})
		}},
	}
}

// Build validates cfg and assembles every component. Nothing runs yet.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.Server.RequestTimeoutSec) * time.Second
	hc := httpx.New(timeout)

	limiter := ratelimit.New()
	routes := map[provider.Market][]provider.Adapter{}
	names := map[provider.Market][]string{}
	for _, s := range sources(cfg) {
		if !s.block.Enabled {
			continue
		}
		a := s.build(hc)
		if s.needsKey && s.block.APIKey == "" {
			log.Warn("provider enabled without api key; skipping", "provider", a.Name(), "market", s.market)
			continue
		}
		if !limiter.Registered(a.Name()) {
			if err := limiter.Register(a.Name(), s.block.MaxCalls, s.block.Window()); err != nil {
				return nil, err
			}
		}
		routes[s.market] = append(routes[s.market], ratelimit.NewPaced(a, s.block.RequestsPerSecond, s.block.Burst))
		names[s.market] = append(names[s.market], a.Name())
	}
	for _, m := range provider.Markets {
		if len(routes[m]) == 0 {
			log.Warn("market has no providers; quotes will be synthesized", "market", m)
		}
	}

	quotes := cache.New(cache.Config[provider.Quote]{
		TTL:      cfg.Cache.TTL(),
		MaxItems: cfg.Cache.MaxItems,
		Version:  cfg.Cache.FormatVersion,
		Valid:    func(q provider.Quote) bool { return q.Sane() && !q.IsFallback() },
	})

	kv, err := store.Open(ctx, cfg.Store.Kind, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	res, err := resolver.New(limiter, quotes, routes,
		resolver.WithFallback(resolver.NewFallback(cfg.Fallback)),
		resolver.WithFallbackTTL(cfg.Cache.FallbackTTL()),
		resolver.WithFetchTimeout(timeout),
		resolver.WithLogger(log.With("component", "resolver")),
	)
	if err != nil {
		closeStore(kv)
		return nil, err
	}

	bus := events.NewBus(log.With("component", "events"))
	clock := session.New(log, cfg.Aggregator.Calendars...)
	agg, err := aggregate.New(aggregate.Config{
		Priority:              cfg.Aggregator.Priority,
		Universe:              cfg.Aggregator.Universe,
		BatchSize:             cfg.Batch.Size,
		BatchDelay:            cfg.Batch.Delay(),
		RefreshInterval:       cfg.Aggregator.RefreshInterval(),
		ClosedRefreshInterval: cfg.Aggregator.ClosedRefreshInterval(),
		SnapshotKey:           cfg.Cache.SnapshotKey,
	}, batch.New(res), bus,
		aggregate.WithPersistence(quotes, kv),
		aggregate.WithMarketClock(clock),
		aggregate.WithLogger(log.With("component", "aggregate")),
	)
	if err != nil {
		closeStore(kv)
		return nil, err
	}

	hub := server.NewHub(log.With("component", "ws"))
	hub.Attach(bus)

	return &App{
		Config:     cfg,
		Log:        log,
		Limiter:    limiter,
		Cache:      quotes,
		Store:      kv,
		Resolver:   res,
		Bus:        bus,
		Aggregator: agg,
		Clock:      clock,
		Hub:        hub,
		routes:     names,
	}, nil
}

// Routes lists provider names per market in failover order.
func (a *App) Routes() map[provider.Market][]string { return a.routes }

type Status struct {
	State        aggregate.State              `json:"state"`
	AsOf         time.Time                    `json:"as_of"`
	CacheEntries int                          `json:"cache_entries"`
	Budgets      []ratelimit.Budget           `json:"budgets"`
	Resolver     resolver.Stats               `json:"resolver"`
	Exchanges    map[string]bool              `json:"exchanges_open"`
	Routes       map[provider.Market][]string `json:"routes"`
}

func (a *App) Status() Status {
	snap := a.Aggregator.Snapshot()
	return Status{
		State:        snap.State,
		AsOf:         snap.AsOf,
		CacheEntries: a.Cache.Len(),
		Budgets:      a.Limiter.Budgets(),
		Resolver:     a.Resolver.Stats(),
		Exchanges:    a.Clock.OpenAt(time.Now()),
		Routes:       a.routes,
	}
}

func (a *App) Server() *server.Server {
	return server.New(server.Options{
		Quotes:         a.Resolver,
		Feed:           a.Aggregator,
		Status:         func() any { return a.Status() },
		Hub:            a.Hub,
		Universe:       a.Config.Aggregator.Universe,
		RequestTimeout: time.Duration(a.Config.Server.RequestTimeoutSec) * time.Second,
		Logger:         a.Log.With("component", "http"),
	})
}

// Close stops the aggregator and releases the store.
func (a *App) Close() error {
	a.Aggregator.Close()
	if c, ok := a.Store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func closeStore(s store.Store) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

// MarketNames returns the routed markets in a stable order.
func (a *App) MarketNames() []string {
	out := make([]string, 0, len(a.routes))
	for m := range a.routes {
		out = append(out, string(m))
	}
	sort.Strings(out)
	return out
}
