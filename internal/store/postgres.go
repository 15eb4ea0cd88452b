package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresBackend stores each index as a table of JSONB documents.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Name() string { return "postgres" }

func (p *PostgresBackend) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

func (p *PostgresBackend) IndexExists(ctx context.Context, index string) (bool, error) {
	if err := validateIndex(index); err != nil {
		return false, err
	}
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`,
		index).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table: %w", err)
	}
	return exists, nil
}

func (p *PostgresBackend) CreateIndex(ctx context.Context, index string) error {
	if err := validateIndex(index); err != nil {
		return err
	}
	table := pgx.Identifier{index}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((doc->>'symbol'), (doc->>'timestamp'))`,
			pgx.Identifier{"idx_" + index + "_symbol_ts"}.Sanitize(), table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			if isDuplicateObject(err) {
				continue
			}
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Two creators racing on IF NOT EXISTS can still collide in the catalog.
func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P07", "23505":
		return true
	}
	return false
}

func (p *PostgresBackend) Upsert(ctx context.Context, index, id string, doc []byte) (string, error) {
	if err := validateIndex(index); err != nil {
		return "", err
	}
	var out string
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, doc, updated_at) VALUES ($1, $2::jsonb, now())
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
		 RETURNING id`, pgx.Identifier{index}.Sanitize()),
		id, string(doc)).Scan(&out)
	if err != nil {
		return "", fmt.Errorf("upsert document: %w", err)
	}
	return out, nil
}

func (p *PostgresBackend) Search(ctx context.Context, index string, q Query) (*Result, error) {
	if err := validateIndex(index); err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	exists, err := p.IndexExists(ctx, index)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrIndexNotFound
	}

	stmt := buildPostgresSearch(index, q)
	res := &Result{}

	var avg *string
	if err := p.pool.QueryRow(ctx, stmt.aggregate, stmt.args...).Scan(&res.Total, &avg); err != nil {
		return nil, fmt.Errorf("aggregate documents: %w", err)
	}
	if avg != nil {
		d, err := decimal.NewFromString(*avg)
		if err != nil {
			return nil, fmt.Errorf("parse average: %w", err)
		}
		res.Avg = &d
	}

	if q.Size == 0 {
		return res, nil
	}
	rows, err := p.pool.Query(ctx, stmt.hits, append(stmt.args, q.Size)...)
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
	return res, nil
}

type postgresSearch struct {
	aggregate string
	hits      string
	args      []any
}

// buildPostgresSearch renders q with positional args. The hits statement
// takes one extra trailing arg for LIMIT.
func buildPostgresSearch(index string, q Query) postgresSearch {
	var (
		conds []string
		args  []any
	)
	if q.Term != nil {
		args = append(args, q.Term.Value)
		conds = append(conds, fmt.Sprintf("doc->>'%s' = $%d", q.Term.Field, len(args)))
	}
	if q.Range != nil {
		args = append(args, q.Range.Gte)
		conds = append(conds, fmt.Sprintf("doc->>'%s' >= $%d", q.Range.Field, len(args)))
	}

	from := "FROM " + pgx.Identifier{index}.Sanitize()
	if len(conds) > 0 {
		from += " WHERE " + strings.Join(conds, " AND ")
	}

	avgExpr := "NULL::text"
	if q.AvgField != "" {
		avgExpr = fmt.Sprintf("AVG((doc->>'%s')::numeric)::text", q.AvgField)
	}

	hits := "SELECT doc::text " + from
	if q.SortField != "" {
		order := "ASC"
		if q.SortDesc {
			order = "DESC"
		}
		hits += fmt.Sprintf(" ORDER BY (doc->>'%s')::numeric %s NULLS LAST, id", q.SortField, order)
	}
	hits += fmt.Sprintf(" LIMIT $%d", len(args)+1)

	return postgresSearch{
		aggregate: fmt.Sprintf("SELECT COUNT(*), %s %s", avgExpr, from),
		hits:      hits,
		args:      args,
	}
}
