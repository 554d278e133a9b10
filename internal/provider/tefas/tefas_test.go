package tefas_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
	"marketfeed/internal/provider/tefas"
)

func TestFetchQuote(t *testing.T) {
	t.Parallel()

	// Arrange
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/AFT/2025-03-11":
			_, _ = w.Write([]byte(`{"data":[{"TARIH":"2025-03-10","FONKODU":"AFT","FIYAT":1.20},{"TARIH":"2025-03-11","FONKODU":"AFT","FIYAT":"1,26"}]}`))
		case "/NEW/2025-03-11":
			_, _ = w.Write([]byte(`{"data":[{"TARIH":"2025-03-11","FONKODU":"NEW","FIYAT":5}]}`))
		default:
			_, _ = w.Write([]byte(`{"data":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	a := tefas.New(httpx.New(time.Second), tefas.Config{BaseURL: srv.URL, Location: time.UTC})
	a.Now = func() time.Time { return time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC) }

	// Act
	q, err := a.FetchQuote(t.Context(), "aft")

	// Assert
	require.NoError(t, err)
	require.InDelta(t, 1.26, q.Price, 1e-9)
	require.InDelta(t, 1.20, q.PreviousClose, 1e-9)
	require.InDelta(t, 5.0, q.ChangePercent, 1e-9)
	require.Equal(t, provider.MarketFund, q.Market)

	q, err = a.FetchQuote(t.Context(), "NEW")
	require.NoError(t, err)
	require.Zero(t, q.ChangePercent)

	_, err = a.FetchQuote(t.Context(), "GONE")
	require.ErrorIs(t, err, provider.ErrMalformedResponse)
}

func TestFetchQuoteForbidden(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	a := tefas.New(httpx.New(time.Second), tefas.Config{BaseURL: srv.URL})

	_, err := a.FetchQuote(t.Context(), "AFT")

	require.ErrorIs(t, err, provider.ErrUnavailable)
}
