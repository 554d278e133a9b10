// Package yahoo reads the Yahoo Finance chart endpoint for regional equities
// and indices. BaseURL may point at a CORS-friendly relay that mirrors the
// /v8/finance/chart path.
package yahoo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
)

const (
	DefaultBaseURL = "https://query1.finance.yahoo.com"
	RegionalName   = "yahoo"
	IndexName      = "yahoo-index"
)

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency             string  `json:"currency"`
				Symbol               string  `json:"symbol"`
				RegularMarketPrice   float64 `json:"regularMarketPrice"`
				RegularMarketDayHigh float64 `json:"regularMarketDayHigh"`
				RegularMarketDayLow  float64 `json:"regularMarketDayLow"`
				RegularMarketVolume  int64   `json:"regularMarketVolume"`
				RegularMarketTime    int64   `json:"regularMarketTime"`
				PreviousClose        float64 `json:"previousClose"`
				ChartPreviousClose   float64 `json:"chartPreviousClose"`
			} `json:"meta"`
			Indicators struct {
				Quote []struct {
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Open   []*float64 `json:"open"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Adapter fetches one chart per FetchQuote call. Ticker maps the public
// symbol onto Yahoo's naming (THYAO -> THYAO.IS, GSPC -> ^GSPC).
type Adapter struct {
	HTTP    *httpx.Client
	BaseURL string
	Market  provider.Market
	Ticker  func(string) string
	Now     func() time.Time

	name string
}

// NewRegional appends suffix to bare symbols.
func NewRegional(client *httpx.Client, baseURL, suffix string) *Adapter {
	return newAdapter(client, baseURL, RegionalName, provider.MarketRegional, func(s string) string {
		if suffix == "" || strings.Contains(s, ".") {
			return s
		}
		return s + suffix
	})
}

// NewIndex prefixes "^" unless the symbol already carries an exchange suffix.
func NewIndex(client *httpx.Client, baseURL string) *Adapter {
	return newAdapter(client, baseURL, IndexName, provider.MarketIndex, IndexTicker)
}

func IndexTicker(s string) string {
	if strings.HasPrefix(s, "^") || strings.Contains(s, ".") {
		return s
	}
	return "^" + s
}

func newAdapter(client *httpx.Client, baseURL, name string, m provider.Market, ticker func(string) string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{HTTP: client, BaseURL: strings.TrimRight(baseURL, "/"), Market: m, Ticker: ticker, Now: time.Now, name: name}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	ticker := a.Ticker(symbol)
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=5d", a.BaseURL, url.PathEscape(ticker))

	var raw chartResponse
	body, err := a.HTTP.GetJSON(ctx, u, nil, &raw)
	if err != nil {
		return provider.Quote{}, provider.Classify(a.name, symbol, err)
	}
	if e := raw.Chart.Error; e != nil {
		return provider.Quote{}, provider.Unavailable(a.name, symbol, fmt.Errorf("%s: %s", e.Code, e.Description))
	}
	if len(raw.Chart.Result) == 0 {
		return provider.Quote{}, provider.Malformed(a.name, symbol, body, errors.New("empty chart result"))
	}
	res := raw.Chart.Result[0]
	meta := res.Meta
	if meta.RegularMarketPrice <= 0 {
		return provider.Quote{}, provider.Malformed(a.name, symbol, body, errors.New("no regular market price"))
	}

	q := provider.Quote{
		Symbol:        symbol,
		Market:        a.Market,
		Price:         meta.RegularMarketPrice,
		High:          meta.RegularMarketDayHigh,
		Low:           meta.RegularMarketDayLow,
		Volume:        meta.RegularMarketVolume,
		PreviousClose: meta.PreviousClose,
		Currency:      meta.Currency,
		Source:        a.name,
		FetchedAt:     a.Now(),
	}
	if q.PreviousClose <= 0 {
		q.PreviousClose = meta.ChartPreviousClose
	}
	if len(res.Indicators.Quote) > 0 {
		ind := res.Indicators.Quote[0]
		q.Open = last(ind.Open)
		if q.High <= 0 {
			q.High = last(ind.High)
		}
		if q.Low <= 0 {
			q.Low = last(ind.Low)
		}
		if q.Volume <= 0 {
			q.Volume = int64(last(ind.Volume))
		}
	}
	return provider.Normalize(q), nil
}

// last returns the most recent non-null point.
func last(xs []*float64) float64 {
	for i := len(xs) - 1; i >= 0; i-- {
		if xs[i] != nil {
			return *xs[i]
		}
	}
	return 0
}
