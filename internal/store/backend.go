package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var ErrIndexNotFound = errors.New("index not found")

// Backend is a document index keyed by id. CreateIndex must succeed when
// the index already exists, so concurrent creators never fail each other.
//
//go:generate mockgen -package=store_test -destination=mock_backend_test.go -source=backend.go Backend
type Backend interface {
	Name() string
	IndexExists(ctx context.Context, index string) (bool, error)
	CreateIndex(ctx context.Context, index string) error
	Upsert(ctx context.Context, index, id string, doc []byte) (string, error)
	Search(ctx context.Context, index string, q Query) (*Result, error)
	Close() error
}

type Term struct {
	Field string
	Value string
}

// Range keeps documents whose Field is >= Gte. Values are canonical
// timestamps, which compare correctly as strings.
type Range struct {
	Field string
	Gte   string
}

type Query struct {
	Term      *Term
	Range     *Range
	SortField string
	SortDesc  bool
	Size      int
	AvgField  string
}

type Result struct {
	Total int64
	Hits  []json.RawMessage
	// Avg is nil when no average was requested or nothing matched.
	Avg *decimal.Decimal
}

var (
	indexPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	fieldPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)
)

// Index and field names end up inside SQL text, so only plain identifiers
// are accepted.
func validateIndex(index string) error {
	if !indexPattern.MatchString(index) {
		return fmt.Errorf("invalid index name %q", index)
	}
	return nil
}

func (q Query) validate() error {
	fields := []string{q.SortField, q.AvgField}
	if q.Term != nil {
		fields = append(fields, q.Term.Field)
	}
	if q.Range != nil {
		fields = append(fields, q.Range.Field)
	}
	for _, f := range fields {
		if f != "" && !fieldPattern.MatchString(f) {
			return fmt.Errorf("invalid field name %q", f)
		}
	}
	if q.Size < 0 {
		return fmt.Errorf("invalid size %d", q.Size)
	}
	return nil
}
