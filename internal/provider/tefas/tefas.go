// Package tefas serves Turkish mutual fund prices. Fields are picked out of
// the bulletin payload with JSONPath so the layout can follow upstream changes
// through configuration.
package tefas

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
)

const (
	Name                = "tefas"
	DefaultBaseURL      = "https://ws.tefas.gov.tr/bultenapi/PortfolioInfo"
	DefaultReferer      = "https://www.tefas.gov.tr/"
	DefaultPricePath    = "$.data[-1:].FIYAT"
	DefaultPreviousPath = "$.data[-2:-1].FIYAT"
)

type Config struct {
	BaseURL      string
	Referer      string
	PricePath    string
	PreviousPath string
	Location     *time.Location
}

type Adapter struct {
	HTTP *httpx.Client
	cfg  Config
	Now  func() time.Time
}

func New(client *httpx.Client, cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Referer == "" {
		cfg.Referer = DefaultReferer
	}
	if cfg.PricePath == "" {
		cfg.PricePath = DefaultPricePath
	}
	if cfg.PreviousPath == "" {
		cfg.PreviousPath = DefaultPreviousPath
	}
	if cfg.Location == nil {
		if loc, err := time.LoadLocation("Europe/Istanbul"); err == nil {
			cfg.Location = loc
		} else {
			cfg.Location = time.FixedZone("TRT", 3*60*60)
		}
	}
	return &Adapter{HTTP: client, cfg: cfg, Now: time.Now}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	code := strings.ToUpper(strings.TrimSpace(symbol))
	day := a.Now().In(a.cfg.Location).Format(time.DateOnly)
	u := fmt.Sprintf("%s/%s/%s", a.cfg.BaseURL, url.PathEscape(code), day)

	var doc any
	body, err := a.HTTP.GetJSON(ctx, u, http.Header{"Referer": []string{a.cfg.Referer}}, &doc)
	if err != nil {
		return provider.Quote{}, provider.Classify(Name, symbol, err)
	}
	price, err := extract(doc, a.cfg.PricePath)
	if err != nil {
		return provider.Quote{}, provider.Malformed(Name, symbol, body, err)
	}
	if price <= 0 {
		return provider.Quote{}, provider.Malformed(Name, symbol, body, errors.New("price is not positive"))
	}
	q := provider.Quote{
		Symbol:    symbol,
		Market:    provider.MarketFund,
		Price:     price,
		Currency:  "TRY",
		Source:    Name,
		FetchedAt: a.Now(),
	}
	// A fund quoted for the first time has no previous price.
	if prev, err := extract(doc, a.cfg.PreviousPath); err == nil {
		q.PreviousClose = prev
	}
	return provider.Normalize(q), nil
}

// extract evaluates path and reads a number. Plural results keep the first
// element. Strings may use a decimal comma.
func extract(doc any, path string) (float64, error) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return 0, fmt.Errorf("jsonpath %q: %w", path, err)
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return 0, fmt.Errorf("jsonpath %q: no match", path)
		}
		v = list[0]
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(x), ",", "."))
		if err != nil {
			return 0, fmt.Errorf("jsonpath %q: %w", path, err)
		}
		f, _ := d.Float64()
		return f, nil
	default:
		return 0, fmt.Errorf("jsonpath %q: not a number: %v", path, v)
	}
}
