package market

import (
	"net/http"
	"net/url"
)

const (
	DefaultBaseURL = "https://pro-api.coinmarketcap.com/v1/cryptocurrency/listings/latest"

	ListingStart  = 1
	ListingLimit  = 3
	QuoteCurrency = "USD"

	apiKeyHeader = "X-CMC_PRO_API_KEY"
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=market_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CoinMarketCapClient pulls the latest listings snapshot.
type CoinMarketCapClient struct {
	baseURL    string
	httpClient HTTPClient
	header     http.Header
	query      url.Values
}

type Option func(*CoinMarketCapClient)

func WithBaseURL(baseURL string) Option {
	return func(c *CoinMarketCapClient) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithHTTPClient(httpClient HTTPClient) Option {
	return func(c *CoinMarketCapClient) {
		c.httpClient = httpClient
	}
}

func WithHeader(header http.Header) Option {
	return func(c *CoinMarketCapClient) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

func NewCoinMarketCapClient(apiKey string, options ...Option) *CoinMarketCapClient {
	c := &CoinMarketCapClient{
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		header:     http.Header{},
		query:      url.Values{},
	}
	c.header.Set("Accept", "application/json")
	if apiKey != "" {
		c.header.Set(apiKeyHeader, apiKey)
	}
	for _, option := range options {
		option(c)
	}
	return c
}
