package coingecko_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
	"marketfeed/internal/provider/coingecko"
)

func TestFetchQuote(t *testing.T) {
	t.Parallel()

	// Arrange
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("ids") != "bitcoin,ethereum" || r.Header.Get("x-cg-demo-api-key") != "demo" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":66000,"usd_24h_change":10,"usd_24h_vol":1.5e10},"ethereum":{"usd":3500,"usd_24h_change":-2.5}}`))
	}))
	t.Cleanup(srv.Close)
	a := coingecko.New(httpx.New(time.Second), srv.URL, "demo", map[string]string{"BTC": "bitcoin", "ETH": "ethereum"}, time.Minute)

	// Act
	btc, err := a.FetchQuote(t.Context(), "BTC")
	require.NoError(t, err)
	eth, err := a.FetchQuote(t.Context(), "eth")
	require.NoError(t, err)

	// Assert
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, 66000.0, btc.Price)
	require.InDelta(t, 60000.0, btc.PreviousClose, 1e-6)
	require.InDelta(t, 10.0, btc.ChangePercent, 1e-9)
	require.Equal(t, int64(15000000000), btc.Volume)
	require.InDelta(t, -2.5, eth.ChangePercent, 1e-9)
	require.Equal(t, provider.MarketCrypto, eth.Market)
}

func TestFetchQuoteUnknownCoin(t *testing.T) {
	t.Parallel()

	a := coingecko.New(httpx.New(time.Second), "http://127.0.0.1:1", "", nil, time.Minute)

	_, err := a.FetchQuote(t.Context(), "DOGE")

	require.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestFetchQuoteRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	a := coingecko.New(httpx.New(time.Second), srv.URL, "", nil, time.Minute)

	_, err := a.FetchQuote(t.Context(), "BTC")

	require.ErrorIs(t, err, provider.ErrRateLimited)
}
