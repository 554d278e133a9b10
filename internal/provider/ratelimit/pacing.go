package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"marketfeed/internal/provider"
)

// Paced wraps an adapter and spaces out requests with a token bucket.
// It complements Limiter, which only counts calls per window.
type Paced struct {
	Adapter provider.Adapter
	Limiter *rate.Limiter
}

// NewPaced returns a as is when rps is not positive.
func NewPaced(a provider.Adapter, rps float64, burst int) provider.Adapter {
	if rps <= 0 {
		return a
	}
	if burst <= 0 {
		burst = 1
	}
	return &Paced{Adapter: a, Limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *Paced) Name() string { return p.Adapter.Name() }

func (p *Paced) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return provider.Quote{}, provider.Timeout(p.Adapter.Name(), symbol, err)
		}
	}
	return p.Adapter.FetchQuote(ctx, symbol)
}
