package provider

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Market is the asset class a symbol belongs to. It selects the adapter chain.
type Market string

const (
	MarketUS       Market = "us"
	MarketRegional Market = "regional"
	MarketIndex    Market = "index"
	MarketForex    Market = "forex"
	MarketCrypto   Market = "crypto"
	MarketFund     Market = "fund"
)

// Markets lists every supported market in routing order.
var Markets = []Market{MarketUS, MarketRegional, MarketIndex, MarketForex, MarketCrypto, MarketFund}

func ParseMarket(s string) (Market, error) {
	m := Market(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Markets {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown market %q", s)
}

// SourceFallback tags quotes synthesized after every provider failed.
const SourceFallback = "fallback"

// Symbol is one entry of the symbol universe.
type Symbol struct {
	Symbol string `json:"symbol" yaml:"symbol"`
	Market Market `json:"market" yaml:"market"`
}

// Key is the cache key for the symbol, e.g. "us:AAPL".
func (s Symbol) Key() string { return string(s.Market) + ":" + s.Symbol }

func (s Symbol) String() string { return s.Key() }

// Quote is the normalized shape returned by all adapters.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Market        Market    `json:"market,omitempty"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Open          float64   `json:"open"`
	PreviousClose float64   `json:"previous_close"`
	Volume        int64     `json:"volume"`
	Currency      string    `json:"currency,omitempty"`
	Source        string    `json:"source"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Sane reports whether the price is usable at all.
func (q Quote) Sane() bool {
	return q.Price > 0 && !math.IsInf(q.Price, 0) && !math.IsNaN(q.Price)
}

func (q Quote) IsFallback() bool { return q.Source == SourceFallback }

// Normalize recomputes the derived fields from price and previous close.
// Upstream change values are never trusted: several providers report the
// percent as a formatted string or as a fraction.
func Normalize(q Quote) Quote {
	if q.Price > 0 && q.PreviousClose > 0 && !math.IsInf(q.PreviousClose, 0) {
		q.Change = q.Price - q.PreviousClose
		q.ChangePercent = q.Change / q.PreviousClose * 100
	} else {
		q.Change = 0
		q.ChangePercent = 0
	}
	if q.High <= 0 {
		q.High = q.Price
	}
	if q.Low <= 0 {
		q.Low = q.Price
	}
	if q.Open <= 0 {
		q.Open = q.Price
	}
	if q.Volume < 0 {
		q.Volume = 0
	}
	return q
}

// Adapter fetches a single quote from one upstream source.
type Adapter interface {
	Name() string
	FetchQuote(ctx context.Context, symbol string) (Quote, error)
}
