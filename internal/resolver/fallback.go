package resolver

import (
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"marketfeed/internal/provider"
)

const (
	walkBase = 100.0
	walkBand = 0.20
	walkStep = 0.005
)

// Fallback synthesizes quotes once every provider has failed. Symbols in
// Table get their last known price. Others follow a bounded random walk
// seeded by the symbol, so the same symbol always walks the same way.
type Fallback struct {
	Table map[string]float64

	mu    sync.Mutex
	walks map[string]*walk
}

type walk struct {
	rng   *rand.Rand
	price float64
}

func NewFallback(table map[string]float64) *Fallback {
	return &Fallback{Table: table, walks: make(map[string]*walk)}
}

func (f *Fallback) Quote(symbol string, market provider.Market, now time.Time) provider.Quote {
	q := provider.Quote{Symbol: symbol, Market: market, Source: provider.SourceFallback, FetchedAt: now}
	if p, ok := f.lookup(market, symbol); ok {
		q.Price, q.PreviousClose = p, p
		return provider.Normalize(q)
	}
	q.Price = f.step(market, symbol)
	q.PreviousClose = walkBase
	return provider.Normalize(q)
}

// lookup accepts both "market:SYMBOL" and bare "SYMBOL" table keys.
func (f *Fallback) lookup(market provider.Market, symbol string) (float64, bool) {
	if p, ok := f.Table[string(market)+":"+symbol]; ok && p > 0 {
		return p, true
	}
	p, ok := f.Table[symbol]
	return p, ok && p > 0
}

func (f *Fallback) step(market provider.Market, symbol string) float64 {
	key := string(market) + ":" + symbol
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.walks[key]
	if !ok {
		h := fnv.New64a()
		_, _ = h.Write([]byte(key))
		seed := h.Sum64()
		w = &walk{rng: rand.New(rand.NewPCG(seed, seed>>1|1)), price: walkBase}
		f.walks[key] = w
	}
	w.price *= 1 + (w.rng.Float64()*2-1)*walkStep
	lo, hi := walkBase*(1-walkBand), walkBase*(1+walkBand)
	if w.price < lo {
		w.price = lo
	}
	if w.price > hi {
		w.price = hi
	}
	return w.price
}
