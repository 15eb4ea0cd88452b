package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strconv"
	"strings"

	"crypto-data-collector/internal/apperr"
)

// RawQuote is one element of the provider's data array, numbers untouched.
type RawQuote json.RawMessage

type QuoteFetcher interface {
	Fetch(ctx context.Context) ([]RawQuote, error)
}

type listingsResponse struct {
	Status *struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Data *[]json.RawMessage `json:"data"`
}

const maxErrorBody = 2048

// Fetch performs exactly one request; retrying is left to the next cycle.
func (c *CoinMarketCapClient) Fetch(ctx context.Context) ([]RawQuote, error) {
	query := maps.Clone(c.query)
	query.Set("start", strconv.Itoa(ListingStart))
	query.Set("limit", strconv.Itoa(ListingLimit))
	query.Set("convert", QuoteCurrency)

	url := fmt.Sprintf("%s?%s", c.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, apperr.Transport("build listings request", 0, err)
	}
	req.Header = c.header.Clone()

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport("fetch listings", 0, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, apperr.Transport("fetch listings", res.StatusCode, errors.New(errorMessage(res.Body)))
	}

	var body listingsResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, apperr.Schema("decode listings", "", "", err)
	}
	if body.Data == nil {
		return nil, apperr.Schema("decode listings", "", "data", errors.New("missing data array"))
	}

	quotes := make([]RawQuote, 0, len(*body.Data))
	for _, item := range *body.Data {
		quotes = append(quotes, RawQuote(item))
	}
	return quotes, nil
}

func errorMessage(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var parsed listingsResponse
	if err := json.Unmarshal(b, &parsed); err == nil && parsed.Status != nil && parsed.Status.ErrorMessage != "" {
		return parsed.Status.ErrorMessage
	}
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return "empty response body"
	}
	return msg
}
