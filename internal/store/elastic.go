package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/shopspring/decimal"
)

// Numeric fields are stored as exact decimal strings in _source and coerced
// to double for sorting and range filters.
const observationMapping = `{
  "mappings": {
    "properties": {
      "id":               {"type": "keyword"},
      "name":             {"type": "keyword"},
      "symbol":           {"type": "keyword"},
      "price":            {"type": "double", "coerce": true},
      "volume24h":        {"type": "double", "coerce": true},
      "percentChange24h": {"type": "double", "coerce": true},
      "timestamp":        {"type": "date", "format": "strict_date_optional_time||epoch_millis"}
    }
  }
}`

// averagePageSize bounds each page read while averaging; pages are chained
// with search_after on the keyword id.
const (
	averagePageSize = 1000
	tiebreakField   = "id"
)

type ElasticConfig struct {
	Addresses []string
	Username  string
	Password  string
	// CACert is a PEM bundle for clusters with a self-signed certificate.
	CACert    []byte
	// Refresh is passed to index requests: "true", "false" or "wait_for".
	Refresh   string
}

type ElasticBackend struct {
	es       *elasticsearch.Client
	refresh  string
	pageSize int
}

func NewElastic(cfg ElasticConfig) (*ElasticBackend, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("elasticsearch addresses are empty")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		CACert:    cfg.CACert,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	if cfg.Refresh == "" {
		cfg.Refresh = "wait_for"
	}
	return &ElasticBackend{es: es, refresh: cfg.Refresh, pageSize: averagePageSize}, nil
}

func (b *ElasticBackend) Name() string { return "elasticsearch" }

func (b *ElasticBackend) Close() error { return nil }

func (b *ElasticBackend) IndexExists(ctx context.Context, index string) (bool, error) {
	res, err := b.es.Indices.Exists([]string{index}, b.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("index exists request: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case 200:
		return true, nil
	case 404:
		return false, nil
	default:
		return false, fmt.Errorf("index exists: unexpected status %d", res.StatusCode)
	}
}

func (b *ElasticBackend) CreateIndex(ctx context.Context, index string) error {
	res, err := b.es.Indices.Create(index,
		b.es.Indices.Create.WithContext(ctx),
		b.es.Indices.Create.WithBody(strings.NewReader(observationMapping)),
	)
	if err != nil {
		return fmt.Errorf("create index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		e := decodeElasticError(res)
		if e.Type == "resource_already_exists_exception" {
			return nil
		}
		return fmt.Errorf("create index: %w", e)
	}
	return nil
}

func (b *ElasticBackend) Upsert(ctx context.Context, index, id string, doc []byte) (string, error) {
	res, err := b.es.Index(index, bytes.NewReader(doc),
		b.es.Index.WithDocumentID(id),
		b.es.Index.WithRefresh(b.refresh),
		b.es.Index.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return "", fmt.Errorf("index document: %w", decodeElasticError(res))
	}
	var out struct {
		ID     string `json:"_id"`
		Result string `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode index response: %w", err)
	}
	if out.ID == "" {
		out.ID = id
	}
	return out.ID, nil
}

func (b *ElasticBackend) Search(ctx context.Context, index string, q Query) (*Result, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	var out struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := b.search(ctx, index, elasticQuery(q), &out); err != nil {
		return nil, err
	}

	result := &Result{Total: out.Hits.Total.Value}
	for _, h := range out.Hits.Hits {
		result.Hits = append(result.Hits, h.Source)
	}
	if q.AvgField != "" && result.Total > 0 {
		avg, err := b.average(ctx, index, q)
		if err != nil {
			return nil, err
		}
		result.Avg = avg
	}
	return result, nil
}

// average reads field from _source of every match and sums in decimal. The
// server-side avg aggregation would round through double.
func (b *ElasticBackend) average(ctx context.Context, index string, q Query) (*decimal.Decimal, error) {
	sum := decimal.Zero
	var (
		n     int64
		after []any
	)
	for {
		body := map[string]any{
			"size":    b.pageSize,
			"query":   elasticFilter(q),
			"_source": []string{q.AvgField},
			"sort":    []any{map[string]any{tiebreakField: map[string]any{"order": "asc"}}},
		}
		if after != nil {
			body["search_after"] = after
		}

		var page struct {
			Hits struct {
				Hits []struct {
					Source map[string]json.RawMessage `json:"_source"`
					Sort   []any                      `json:"sort"`
				} `json:"hits"`
			} `json:"hits"`
		}
		if err := b.search(ctx, index, body, &page); err != nil {
			return nil, err
		}

		hits := page.Hits.Hits
		for _, h := range hits {
			raw, ok := h.Source[q.AvgField]
			if !ok || string(raw) == "null" {
				continue
			}
			var d decimal.Decimal
			if err := d.UnmarshalJSON(raw); err != nil {
				return nil, fmt.Errorf("field %s: %w", q.AvgField, err)
			}
			sum = sum.Add(d)
			n++
		}
		if len(hits) < b.pageSize {
			break
		}
		after = hits[len(hits)-1].Sort
	}

	if n == 0 {
		return nil, nil
	}
	avg := sum.Div(decimal.NewFromInt(n))
	return &avg, nil
}

func (b *ElasticBackend) search(ctx context.Context, index string, body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode search: %w", err)
	}

	res, err := b.es.Search(
		b.es.Search.WithContext(ctx),
		b.es.Search.WithIndex(index),
		b.es.Search.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		e := decodeElasticError(res)
		if res.StatusCode == 404 && e.Type == "index_not_found_exception" {
			return ErrIndexNotFound
		}
		return fmt.Errorf("search: %w", e)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}
	return nil
}

func elasticQuery(q Query) map[string]any {
	body := map[string]any{
		"size":             q.Size,
		"track_total_hits": true,
		"query":            elasticFilter(q),
	}
	if q.SortField != "" {
		order := "asc"
		if q.SortDesc {
			order = "desc"
		}
		body["sort"] = []any{map[string]any{q.SortField: map[string]any{"order": order}}}
	}
	return body
}

func elasticFilter(q Query) map[string]any {
	var filters []any
	if q.Term != nil {
		filters = append(filters, map[string]any{
			"term": map[string]any{q.Term.Field: q.Term.Value},
		})
	}
	if q.Range != nil {
		filters = append(filters, map[string]any{
			"range": map[string]any{q.Range.Field: map[string]any{"gte": q.Range.Gte}},
		})
	}
	if len(filters) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	return map[string]any{"bool": map[string]any{"filter": filters}}
}

type elasticError struct {
	Status int
	Type   string
	Reason string
}

func (e *elasticError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s: %s", e.Status, e.Type, e.Reason)
}

func decodeElasticError(res *esapi.Response) *elasticError {
	out := &elasticError{Status: res.StatusCode}
	b, err := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if err != nil {
		return out
	}
	var body struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil {
		out.Type = body.Error.Type
		out.Reason = body.Error.Reason
	}
	return out
}
