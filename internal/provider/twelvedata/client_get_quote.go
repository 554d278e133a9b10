package twelvedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"marketfeed/internal/httpx"
)

var (
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("symbol not found")
)

// Quote is the subset of the /quote payload we use. Numbers arrive as strings.
type Quote struct {
	Symbol        string
	Currency      string
	Close         decimal.Decimal
	PreviousClose decimal.Decimal
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Volume        int64
}

type quoteResponse struct {
	Symbol        string `json:"symbol"`
	Currency      string `json:"currency"`
	Open          string `json:"open"`
	High          string `json:"high"`
	Low           string `json:"low"`
	Close         string `json:"close"`
	PreviousClose string `json:"previous_close"`
	Volume        string `json:"volume"`

	// Error payloads come back with HTTP 200 and status "error".
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MalformedError carries the raw body of a response we could not use.
type MalformedError struct {
	Body []byte
	Err  error
}

func (e *MalformedError) Error() string { return "malformed quote: " + e.Err.Error() }

func (e *MalformedError) Unwrap() error { return e.Err }

// GetQuote retrieves the latest quote for one symbol.
func (c *APIClient) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	endpoint := c.base + "/quote?" + url.Values{"symbol": {symbol}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return Quote{}, fmt.Errorf("creating request: %w", err)
	}
	c.authorize(req)

	res, err := c.hc.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("performing request: %w", httpx.RedactError(err))
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Quote{}, ErrUnauthorized
	case http.StatusTooManyRequests:
		return Quote{}, ErrRateLimited
	default:
		return Quote{}, fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Quote{}, fmt.Errorf("reading body: %w", err)
	}
	var raw quoteResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Quote{}, &MalformedError{Body: body, Err: err}
	}
	if raw.Status == "error" {
		switch raw.Code {
		case http.StatusTooManyRequests:
			return Quote{}, fmt.Errorf("%w: %s", ErrRateLimited, raw.Message)
		case http.StatusUnauthorized, http.StatusForbidden:
			return Quote{}, fmt.Errorf("%w: %s", ErrUnauthorized, raw.Message)
		case http.StatusNotFound, http.StatusBadRequest:
			return Quote{}, fmt.Errorf("%w: %s", ErrNotFound, raw.Message)
		default:
			return Quote{}, fmt.Errorf("api error %d: %s", raw.Code, raw.Message)
		}
	}

	q := Quote{Symbol: raw.Symbol, Currency: raw.Currency}
	fields := []struct {
		name string
		in   string
		out  *decimal.Decimal
	}{
		{"close", raw.Close, &q.Close},
		{"previous_close", raw.PreviousClose, &q.PreviousClose},
		{"open", raw.Open, &q.Open},
		{"high", raw.High, &q.High},
		{"low", raw.Low, &q.Low},
	}
	for _, f := range fields {
		if f.in == "" {
			continue
		}
		d, err := decimal.NewFromString(f.in)
		if err != nil {
			return Quote{}, &MalformedError{Body: body, Err: fmt.Errorf("%s: %w", f.name, err)}
		}
		*f.out = d
	}
	if raw.Volume != "" {
		v, err := decimal.NewFromString(raw.Volume)
		if err != nil {
			return Quote{}, &MalformedError{Body: body, Err: fmt.Errorf("volume: %w", err)}
		}
		q.Volume = v.IntPart()
	}
	if !q.Close.IsPositive() {
		return Quote{}, &MalformedError{Body: body, Err: errors.New("close is not positive")}
	}
	return q, nil
}
