package twelvedata_test

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"marketfeed/internal/provider"
	twelvedata "marketfeed/internal/provider/twelvedata"
)

func respond(status int, body string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}, nil
	}
}

func TestGetQuote(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client
	httpClient := NewMockHTTPClient(ctrl)

	// Assert: stub the Do method
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, http.MethodGet, req.Method)
			require.Equal(t, "/quote", req.URL.Path)
			require.Equal(t, "apikey test-key", req.Header.Get("Authorization"))
			require.NotContains(t, req.URL.String(), "test-key")
			require.Equal(t, "MSFT", req.URL.Query().Get("symbol"))
			return respond(http.StatusOK, `{
				"symbol":"MSFT","currency":"USD","open":"410.00","high":"415.50","low":"408.25",
				"close":"412.00","previous_close":"400.00","volume":"19000000","percent_change":"3.0"}`)(req)
		}).
		Times(1)

	// Arrange: setup a new client
	client := twelvedata.NewAPIClient("test-key", twelvedata.WithHTTPClient(httpClient), twelvedata.WithBaseURL("https://td.test"))

	// Act
	q, err := client.GetQuote(t.Context(), "MSFT")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "412", q.Close.String())
	require.Equal(t, "400", q.PreviousClose.String())
	require.Equal(t, int64(19000000), q.Volume)
	require.Equal(t, "USD", q.Currency)
}

func TestGetQuoteErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		kind   error
	}{
		{"http 429", http.StatusTooManyRequests, ``, provider.ErrRateLimited},
		{"api 429", http.StatusOK, `{"code":429,"message":"You have run out of API credits","status":"error"}`, provider.ErrRateLimited},
		{"api 404", http.StatusOK, `{"code":404,"message":"symbol not found","status":"error"}`, provider.ErrUnavailable},
		{"html body", http.StatusOK, `<html>maintenance</html>`, provider.ErrMalformedResponse},
		{"bad number", http.StatusOK, `{"symbol":"AAPL","close":"n/a"}`, provider.ErrMalformedResponse},
		{"zero close", http.StatusOK, `{"symbol":"AAPL","close":"0"}`, provider.ErrMalformedResponse},
		{"server error", http.StatusBadGateway, ``, provider.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			ctrl := gomock.NewController(t)
			httpClient := NewMockHTTPClient(ctrl)
			httpClient.EXPECT().Do(gomock.Any()).DoAndReturn(respond(tt.status, tt.body)).Times(1)
			a := twelvedata.NewAdapter(twelvedata.NewAPIClient("k", twelvedata.WithHTTPClient(httpClient)))

			// Act
			_, err := a.FetchQuote(t.Context(), "AAPL")

			// Assert
			require.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestAdapterNormalizes(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(respond(http.StatusOK, `{"symbol":"TSLA","close":"220","previous_close":"200","percent_change":"99"}`))
	fixed := time.Date(2025, 3, 11, 15, 0, 0, 0, time.UTC)
	a := twelvedata.NewAdapter(twelvedata.NewAPIClient("k", twelvedata.WithHTTPClient(httpClient)))
	a.Now = func() time.Time { return fixed }

	// Act
	q, err := a.FetchQuote(t.Context(), "TSLA")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "twelvedata", q.Source)
	require.InDelta(t, 10.0, q.ChangePercent, 1e-9)
	require.InDelta(t, 20.0, q.Change, 1e-9)
	require.Equal(t, 220.0, q.High)
	require.Equal(t, fixed, q.FetchedAt)
}

func TestGetQuoteTransportErrorHidesKey(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return nil, &url.Error{Op: "Get", URL: req.URL.String() + "&apikey=SECRETKEY123", Err: errors.New("connection refused")}
		})
	a := twelvedata.NewAdapter(twelvedata.NewAPIClient("SECRETKEY123", twelvedata.WithHTTPClient(httpClient)))

	// Act
	_, err := a.FetchQuote(t.Context(), "AAPL")

	// Assert
	require.ErrorIs(t, err, provider.ErrUnavailable)
	require.NotContains(t, err.Error(), "SECRETKEY123")
}
