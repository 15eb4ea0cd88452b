package market

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crypto-data-collector/internal/apperr"
	"crypto-data-collector/internal/model"
)

type Transformer struct {
	now func() time.Time
}

func NewTransformer(now func() time.Time) *Transformer {
	if now == nil {
		now = time.Now
	}
	return &Transformer{now: now}
}

func (t *Transformer) Transform(raw RawQuote) (model.Observation, error) {
	return Transform(raw, t.now())
}

// Transform maps one listing record into an Observation captured at now.
//
//	{
//	  "id": 1, "name": "Bitcoin", "symbol": "BTC",
//	  "quote": {"USD": {"price": 67234.12, "volume_24h": 2.8e10, "percent_change_24h": 1.5}}
//	}
func Transform(raw RawQuote, now time.Time) (model.Observation, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return model.Observation{}, apperr.Schema("transform", "", "", fmt.Errorf("record is not an object: %w", err))
	}
	if record == nil {
		return model.Observation{}, apperr.Schema("transform", "", "", errors.New("record is null"))
	}

	id, err := parseID(record)
	if err != nil {
		return model.Observation{}, apperr.Schema("transform", "", "id", err)
	}
	fail := func(field string, err error) (model.Observation, error) {
		return model.Observation{}, apperr.Schema("transform", id, field, err)
	}

	name, err := parseString(record, "name")
	if err != nil {
		return fail("name", err)
	}
	symbol, err := parseString(record, "symbol")
	if err != nil {
		return fail("symbol", err)
	}
	if symbol == "" {
		return fail("symbol", errors.New("empty"))
	}

	quote, err := parseObject(record, "quote")
	if err != nil {
		return fail("quote", err)
	}
	usd, err := parseObject(quote, QuoteCurrency)
	if err != nil {
		return fail("quote."+QuoteCurrency, err)
	}

	prefix := "quote." + QuoteCurrency + "."
	price, err := parseDecimal(usd, "price")
	if err != nil {
		return fail(prefix+"price", err)
	}
	volume, err := parseDecimal(usd, "volume_24h")
	if err != nil {
		return fail(prefix+"volume_24h", err)
	}
	change, err := parseDecimal(usd, "percent_change_24h")
	if err != nil {
		return fail(prefix+"percent_change_24h", err)
	}

	return model.Observation{
		ID:               id,
		Name:             name,
		Symbol:           symbol,
		Price:            price,
		Volume24h:        volume,
		PercentChange24h: change,
		Timestamp:        model.NewTimestamp(now),
	}, nil
}

func parseID(record map[string]any) (string, error) {
	v, ok := record["id"]
	if !ok || v == nil {
		return "", errors.New("missing")
	}
	switch id := v.(type) {
	case json.Number:
		if _, err := id.Int64(); err != nil {
			return "", fmt.Errorf("not an integer: %s", id)
		}
		return id.String(), nil
	case string:
		if id == "" {
			return "", errors.New("empty")
		}
		return id, nil
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
}

func parseString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", errors.New("missing")
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type %T", v)
	}
	return s, nil
}

func parseObject(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, errors.New("missing")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T", v)
	}
	return obj, nil
}

func parseDecimal(m map[string]any, key string) (decimal.Decimal, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return decimal.Decimal{}, errors.New("missing")
	}
	n, ok := v.(json.Number)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("unexpected type %T", v)
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid number %s: %w", n, err)
	}
	return d, nil
}
