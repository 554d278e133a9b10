package exchangerate_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
	"marketfeed/internal/provider/exchangerate"
)

func TestFetchQuoteSharesOneBundle(t *testing.T) {
	t.Parallel()

	// Arrange
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/v4/latest/USD" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"base":"USD","rates":{"USD":1,"TRY":34.5,"EUR":0.92741935}}`))
	}))
	t.Cleanup(srv.Close)
	a := exchangerate.New(httpx.New(time.Second), srv.URL, time.Minute)

	// Act
	usd, err := a.FetchQuote(t.Context(), "USDTRY")
	require.NoError(t, err)
	eur, err := a.FetchQuote(t.Context(), "EUR/TRY")
	require.NoError(t, err)
	eurusd, err := a.FetchQuote(t.Context(), "EURUSD")
	require.NoError(t, err)

	// Assert
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, 34.5, usd.Price)
	require.InDelta(t, 37.2, eur.Price, 1e-4)
	require.InDelta(t, 1/0.92741935, eurusd.Price, 1e-9)
	require.Equal(t, provider.MarketForex, usd.Market)
	require.Equal(t, "TRY", usd.Currency)
	require.Zero(t, usd.ChangePercent)
}

func TestFetchQuoteErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	a := exchangerate.New(httpx.New(time.Second), srv.URL, time.Minute)

	_, err := a.FetchQuote(t.Context(), "USDTRY")
	require.ErrorIs(t, err, provider.ErrUnavailable)
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "USDTRY", pe.Symbol)

	_, err = a.FetchQuote(t.Context(), "BTC")
	require.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestCross(t *testing.T) {
	t.Parallel()

	r := exchangerate.Rates{Rates: map[string]float64{"USD": 1, "TRY": 34.5}}

	_, ok := r.Cross("USD", "JPY")
	require.False(t, ok)
	v, ok := r.Cross("TRY", "USD")
	require.True(t, ok)
	require.InDelta(t, 1/34.5, v, 1e-12)
}
