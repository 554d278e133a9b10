// Package coingecko serves crypto quotes from the simple/price endpoint.
// All configured coins are requested together and memoized.
package coingecko

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
	"marketfeed/internal/provider/bundle"
)

const (
	Name           = "coingecko"
	DefaultBaseURL = "https://api.coingecko.com"
)

// DefaultIDs maps ticker symbols to CoinGecko coin ids.
var DefaultIDs = map[string]string{
	"BTC": "bitcoin",
	"ETH": "ethereum",
	"BNB": "binancecoin",
	"SOL": "solana",
	"XRP": "ripple",
	"ADA": "cardano",
}

type price struct {
	USD       float64 `json:"usd"`
	Change24h float64 `json:"usd_24h_change"`
	Vol24h    float64 `json:"usd_24h_vol"`
}

type Adapter struct {
	HTTP    *httpx.Client
	BaseURL string
	APIKey  string
	IDs     map[string]string
	Now     func() time.Time

	memo *bundle.Memo[map[string]price]
}

func New(client *httpx.Client, baseURL, apiKey string, ids map[string]string, bundleTTL time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if len(ids) == 0 {
		ids = DefaultIDs
	}
	if bundleTTL <= 0 {
		bundleTTL = time.Minute
	}
	a := &Adapter{HTTP: client, BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, IDs: ids, Now: time.Now}
	a.memo = bundle.New(bundleTTL, a.fetchAll)
	return a
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) fetchAll(ctx context.Context) (map[string]price, error) {
	ids := make([]string, 0, len(a.IDs))
	for _, id := range a.IDs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")
	q.Set("include_24hr_vol", "true")

	var header http.Header
	if a.APIKey != "" {
		header = http.Header{"x-cg-demo-api-key": []string{a.APIKey}}
	}
	out := map[string]price{}
	body, err := a.HTTP.GetJSON(ctx, a.BaseURL+"/api/v3/simple/price?"+q.Encode(), header, &out)
	if err != nil {
		return nil, provider.Classify(Name, "*", err)
	}
	if len(out) == 0 {
		return nil, provider.Malformed(Name, "*", body, errors.New("empty price table"))
	}
	return out, nil
}

func (a *Adapter) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	id, ok := a.IDs[strings.ToUpper(symbol)]
	if !ok {
		return provider.Quote{}, provider.Unavailable(Name, symbol, fmt.Errorf("no coin id configured"))
	}
	table, _, err := a.memo.Get(ctx)
	if err != nil {
		var pe *provider.Error
		if errors.As(err, &pe) {
			return provider.Quote{}, &provider.Error{Provider: Name, Symbol: symbol, Kind: pe.Kind, Snippet: pe.Snippet, Err: pe.Err}
		}
		return provider.Quote{}, provider.Classify(Name, symbol, err)
	}
	p, ok := table[id]
	if !ok || p.USD <= 0 {
		return provider.Quote{}, provider.Unavailable(Name, symbol, fmt.Errorf("no price for %s", id))
	}
	q := provider.Quote{
		Symbol:    symbol,
		Market:    provider.MarketCrypto,
		Price:     p.USD,
		Volume:    int64(p.Vol24h),
		Currency:  "USD",
		Source:    Name,
		FetchedAt: a.Now(),
	}
	// Only the 24h percent is published; derive the reference price from it.
	if pct := p.Change24h; pct > -100 && !math.IsNaN(pct) && !math.IsInf(pct, 0) {
		q.PreviousClose = p.USD / (1 + pct/100)
	}
	return provider.Normalize(q), nil
}
