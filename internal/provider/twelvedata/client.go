package twelvedata

import "net/http"

const baseURL = "https://api.twelvedata.com"

// HTTPClient is satisfied by *http.Client and *httpx.Client.
//
//go:generate mockgen -package=twelvedata_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIClient talks to the Twelve Data REST API. The key travels in the
// Authorization header so it never shows up in request URLs or errors.
type APIClient struct {
	base string
	hc   HTTPClient
	key  string
}

type APIClientOption func(*APIClient)

// WithBaseURL overrides the API root. Empty values are ignored.
func WithBaseURL(u string) APIClientOption {
	return func(c *APIClient) {
		if u != "" {
			c.base = u
		}
	}
}

func WithHTTPClient(hc HTTPClient) APIClientOption {
	return func(c *APIClient) {
		if hc != nil {
			c.hc = hc
		}
	}
}

func NewAPIClient(key string, options ...APIClientOption) *APIClient {
	c := &APIClient{base: baseURL, hc: http.DefaultClient, key: key}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *APIClient) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		// https://twelvedata.com/docs#authentication
		req.Header.Set("Authorization", "apikey "+c.key)
	}
}
