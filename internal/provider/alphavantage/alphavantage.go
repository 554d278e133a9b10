// Package alphavantage is the backup source for regional equities. The free
// tier allows a couple dozen calls a day, so it sits behind Yahoo.
package alphavantage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
)

const (
	Name           = "alphavantage"
	DefaultBaseURL = "https://www.alphavantage.co"
)

type globalQuoteResponse struct {
	GlobalQuote  map[string]string `json:"Global Quote"`
	Note         string            `json:"Note"`
	Information  string            `json:"Information"`
	ErrorMessage string            `json:"Error Message"`
}

type Adapter struct {
	HTTP    *httpx.Client
	BaseURL string
	APIKey  string
	// Suffix is appended to bare symbols, e.g. ".IST" for Borsa Istanbul.
	Suffix string
	Market provider.Market
	Now    func() time.Time
}

func New(client *httpx.Client, baseURL, apiKey, suffix string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		HTTP:    client,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Suffix:  suffix,
		Market:  provider.MarketRegional,
		Now:     time.Now,
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	ticker := symbol
	if a.Suffix != "" && !strings.Contains(ticker, ".") {
		ticker += a.Suffix
	}
	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", ticker)
	q.Set("apikey", a.APIKey)

	var raw globalQuoteResponse
	body, err := a.HTTP.GetJSON(ctx, a.BaseURL+"/query?"+q.Encode(), nil, &raw)
	if err != nil {
		return provider.Quote{}, provider.Classify(Name, symbol, err)
	}
	switch {
	case raw.Note != "" || raw.Information != "":
		// Alpha Vantage reports quota exhaustion with HTTP 200.
		return provider.Quote{}, provider.RateLimited(Name, symbol, errors.New(raw.Note+raw.Information))
	case raw.ErrorMessage != "":
		return provider.Quote{}, provider.Unavailable(Name, symbol, errors.New(raw.ErrorMessage))
	case len(raw.GlobalQuote) == 0:
		return provider.Quote{}, provider.Malformed(Name, symbol, body, errors.New("empty Global Quote"))
	}

	gq := raw.GlobalQuote
	price, err := number(gq, "05. price")
	if err != nil {
		return provider.Quote{}, provider.Malformed(Name, symbol, body, fmt.Errorf("price: %w", err))
	}
	if price <= 0 {
		return provider.Quote{}, provider.Malformed(Name, symbol, body, errors.New("price is not positive"))
	}
	out := provider.Quote{Symbol: symbol, Market: a.Market, Price: price, Source: Name, FetchedAt: a.Now()}
	for key, dst := range map[string]*float64{
		"02. open":           &out.Open,
		"03. high":           &out.High,
		"04. low":            &out.Low,
		"08. previous close": &out.PreviousClose,
	} {
		v, err := number(gq, key)
		if err != nil {
			return provider.Quote{}, provider.Malformed(Name, symbol, body, fmt.Errorf("%s: %w", key, err))
		}
		*dst = v
	}
	vol, err := number(gq, "06. volume")
	if err != nil {
		return provider.Quote{}, provider.Malformed(Name, symbol, body, fmt.Errorf("volume: %w", err))
	}
	out.Volume = int64(vol)
	// "10. change percent" arrives as "1.2345%"; Normalize recomputes it.
	return provider.Normalize(out), nil
}

// number parses an optional numeric field. Missing fields are zero.
func number(m map[string]string, key string) (float64, error) {
	s := strings.TrimSpace(strings.TrimSuffix(m[key], "%"))
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}
