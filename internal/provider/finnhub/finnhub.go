// Package finnhub is the primary US equities adapter.
package finnhub

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
)

const (
	Name           = "finnhub"
	DefaultBaseURL = "https://finnhub.io/api/v1"
)

type Adapter struct {
	HTTP    *httpx.Client
	BaseURL string
	APIKey  string
	Now     func() time.Time
}

func New(client *httpx.Client, baseURL, apiKey string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{HTTP: client, BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, Now: time.Now}
}

func (a *Adapter) Name() string { return Name }

// quote is the /quote payload. Finnhub answers unknown symbols with all zeros.
type quote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	ChangePercent float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PreviousClose float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
	Error         string  `json:"error"`
}

func (a *Adapter) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("token", a.APIKey)

	var raw quote
	body, err := a.HTTP.GetJSON(ctx, a.BaseURL+"/quote?"+q.Encode(), nil, &raw)
	if err != nil {
		return provider.Quote{}, provider.Classify(Name, symbol, err)
	}
	if raw.Error != "" {
		return provider.Quote{}, provider.Unavailable(Name, symbol, errors.New(raw.Error))
	}
	if raw.Current <= 0 {
		return provider.Quote{}, provider.Malformed(Name, symbol, body, errors.New("no current price"))
	}
	return provider.Normalize(provider.Quote{
		Symbol:        symbol,
		Market:        provider.MarketUS,
		Price:         raw.Current,
		High:          raw.High,
		Low:           raw.Low,
		Open:          raw.Open,
		PreviousClose: raw.PreviousClose,
		Currency:      "USD",
		Source:        Name,
		FetchedAt:     a.Now(),
	}), nil
}
