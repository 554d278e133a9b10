// Package exchangerate serves forex pairs from one USD based rates table.
// A single upstream request per TTL covers every pair.
package exchangerate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
	"marketfeed/internal/provider/bundle"
)

const (
	Name           = "exchangerate"
	DefaultBaseURL = "https://api.exchangerate-api.com"
)

// Rates maps currency code to units per one Base unit.
type Rates struct {
	Base      string             `json:"base"`
	Rates     map[string]float64 `json:"rates"`
	UpdatedAt int64              `json:"time_last_updated"`
}

type Adapter struct {
	HTTP    *httpx.Client
	BaseURL string
	Now     func() time.Time

	memo *bundle.Memo[Rates]
}

// New memoizes the rates table for bundleTTL.
func New(client *httpx.Client, baseURL string, bundleTTL time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if bundleTTL <= 0 {
		bundleTTL = time.Minute
	}
	a := &Adapter{HTTP: client, BaseURL: strings.TrimRight(baseURL, "/"), Now: time.Now}
	a.memo = bundle.New(bundleTTL, a.fetchRates)
	return a
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) fetchRates(ctx context.Context) (Rates, error) {
	var r Rates
	body, err := a.HTTP.GetJSON(ctx, a.BaseURL+"/v4/latest/USD", nil, &r)
	if err != nil {
		return Rates{}, provider.Classify(Name, "USD", err)
	}
	if len(r.Rates) == 0 {
		return Rates{}, provider.Malformed(Name, "USD", body, errors.New("empty rates table"))
	}
	if r.Base == "" {
		r.Base = "USD"
	}
	r.Rates[r.Base] = 1
	return r, nil
}

// Cross returns units of quote per one unit of base.
func (r Rates) Cross(base, quote string) (float64, bool) {
	b, okB := r.Rates[base]
	q, okQ := r.Rates[quote]
	if !okB || !okQ || b <= 0 || q <= 0 {
		return 0, false
	}
	return q / b, true
}

// FetchQuote accepts six letter pairs such as USDTRY or EUR/TRY.
func (a *Adapter) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	pair := strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
	if len(pair) != 6 {
		return provider.Quote{}, provider.Unavailable(Name, symbol, fmt.Errorf("not a currency pair"))
	}
	rates, _, err := a.memo.Get(ctx)
	if err != nil {
		var pe *provider.Error
		if errors.As(err, &pe) {
			return provider.Quote{}, &provider.Error{Provider: Name, Symbol: symbol, Kind: pe.Kind, Snippet: pe.Snippet, Err: pe.Err}
		}
		return provider.Quote{}, provider.Classify(Name, symbol, err)
	}
	base, quote := pair[:3], pair[3:]
	px, ok := rates.Cross(base, quote)
	if !ok {
		return provider.Quote{}, provider.Unavailable(Name, symbol, fmt.Errorf("no rate for %s/%s", base, quote))
	}
	return provider.Normalize(provider.Quote{
		Symbol:    symbol,
		Market:    provider.MarketForex,
		Price:     px,
		Currency:  quote,
		Source:    Name,
		FetchedAt: a.Now(),
	}), nil
}
