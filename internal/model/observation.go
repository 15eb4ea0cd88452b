package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the only wire format for capture times. Fixed width in
// UTC, so lexical order equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

const (
	FieldID               = "id"
	FieldSymbol           = "symbol"
	FieldPrice            = "price"
	FieldPercentChange24h = "percentChange24h"
	FieldTimestamp        = "timestamp"
)

type Observation struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Symbol           string          `json:"symbol"`
	Price            decimal.Decimal `json:"price"`
	Volume24h        decimal.Decimal `json:"volume24h"`
	PercentChange24h decimal.Decimal `json:"percentChange24h"`
	Timestamp        Timestamp       `json:"timestamp"`
}

type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Microsecond)}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimestampLayout)
}

func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return NewTimestamp(t), nil
}

func (t Timestamp) String() string {
	return FormatTimestamp(t.Time)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(FormatTimestamp(t.Time))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func Encode(obs Observation) ([]byte, error) {
	b, err := json.Marshal(obs)
	if err != nil {
		return nil, fmt.Errorf("encode observation %s: %w", obs.ID, err)
	}
	return b, nil
}

func Decode(doc []byte) (Observation, error) {
	var obs Observation
	if err := json.Unmarshal(doc, &obs); err != nil {
		return Observation{}, fmt.Errorf("decode observation: %w", err)
	}
	if obs.ID == "" {
		return Observation{}, fmt.Errorf("decode observation: missing id")
	}
	return obs, nil
}
