package twelvedata

import (
	"context"
	"errors"
	"time"

	"marketfeed/internal/provider"
)

const Name = "twelvedata"

// Adapter exposes APIClient as a provider.Adapter for US equities.
type Adapter struct {
	Client *APIClient
	Now    func() time.Time
}

func NewAdapter(c *APIClient) *Adapter { return &Adapter{Client: c, Now: time.Now} }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	q, err := a.Client.GetQuote(ctx, symbol)
	if err != nil {
		var me *MalformedError
		switch {
		case errors.As(err, &me):
			return provider.Quote{}, provider.Malformed(Name, symbol, me.Body, me.Err)
		case errors.Is(err, ErrRateLimited):
			return provider.Quote{}, provider.RateLimited(Name, symbol, err)
		default:
			return provider.Quote{}, provider.Classify(Name, symbol, err)
		}
	}
	price, _ := q.Close.Float64()
	prev, _ := q.PreviousClose.Float64()
	open, _ := q.Open.Float64()
	high, _ := q.High.Float64()
	low, _ := q.Low.Float64()
	return provider.Normalize(provider.Quote{
		Symbol:        symbol,
		Market:        provider.MarketUS,
		Price:         price,
		PreviousClose: prev,
		Open:          open,
		High:          high,
		Low:           low,
		Volume:        q.Volume,
		Currency:      q.Currency,
		Source:        Name,
		FetchedAt:     a.Now(),
	}), nil
}
