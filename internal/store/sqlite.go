package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps one table per index with the JSON document as text.
type SQLiteBackend struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path == "" {
		path = "data/collector.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Name() string { return "sqlite" }

func (s *SQLiteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteBackend) IndexExists(ctx context.Context, index string) (bool, error) {
	if err := validateIndex(index); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, index).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteBackend) CreateIndex(ctx context.Context, index string) error {
	if err := validateIndex(index); err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`, index),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q(json_extract(doc, '$.symbol'), json_extract(doc, '$.timestamp'));`,
			"idx_"+index+"_symbol_ts", index),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (s *SQLiteBackend) Upsert(ctx context.Context, index, id string, doc []byte) (string, error) {
	if err := validateIndex(index); err != nil {
		return "", err
	}
	if !json.Valid(doc) {
		return "", fmt.Errorf("document %s is not valid json", id)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (id, doc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`, index),
		id, string(doc), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("upsert document: %w", err)
	}
	return id, nil
}

func (s *SQLiteBackend) Search(ctx context.Context, index string, q Query) (*Result, error) {
	if err := validateIndex(index); err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	exists, err := s.IndexExists(ctx, index)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrIndexNotFound
	}

	where, args := sqliteWhere(q)
	from := fmt.Sprintf("FROM %q%s", index, where)
	res := &Result{}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) "+from, args...).Scan(&res.Total); err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}

	if q.AvgField != "" && res.Total > 0 {
		avg, err := s.average(ctx, from, q.AvgField, args)
		if err != nil {
			return nil, err
		}
		res.Avg = avg
	}

	if q.Size > 0 {
		query := "SELECT doc " + from
		if q.SortField != "" {
			order := "ASC"
			if q.SortDesc {
				order = "DESC"
			}
			query += fmt.Sprintf(" ORDER BY CAST(json_extract(doc, '$.%s') AS REAL) %s, id", q.SortField, order)
		}
		query += " LIMIT ?"
		rows, err := s.db.QueryContext(ctx, query, append(args, q.Size)...)
		if err != nil {
			return nil, fmt.Errorf("query documents: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				return nil, fmt.Errorf("scan document: %w", err)
			}
			res.Hits = append(res.Hits, json.RawMessage(doc))
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("rows documents: %w", err)
		}
	}
	return res, nil
}

// average sums in decimal so stored digits are not rounded through REAL.
func (s *SQLiteBackend) average(ctx context.Context, from, field string, args []any) (*decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT CAST(json_extract(doc, '$.%s') AS TEXT) %s", field, from), args...)
	if err != nil {
		return nil, fmt.Errorf("query average: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	var n int64
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan average: %w", err)
		}
		if !v.Valid {
			continue
		}
		d, err := decimal.NewFromString(v.String)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		sum = sum.Add(d)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows average: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	avg := sum.Div(decimal.NewFromInt(n))
	return &avg, nil
}

func sqliteWhere(q Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Term != nil {
		conds = append(conds, fmt.Sprintf("json_extract(doc, '$.%s') = ?", q.Term.Field))
		args = append(args, q.Term.Value)
	}
	if q.Range != nil {
		conds = append(conds, fmt.Sprintf("json_extract(doc, '$.%s') >= ?", q.Range.Field))
		args = append(args, q.Range.Gte)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
