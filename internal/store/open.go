package store

import (
	"context"
	"fmt"
)

const (
	BackendElasticsearch = "elasticsearch"
	BackendSQLite        = "sqlite"
	BackendPostgres      = "postgres"
)

type Options struct {
	Backend     string
	Elastic     ElasticConfig
	SQLitePath  string
	PostgresDSN string
}

func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Backend {
	case BackendElasticsearch, "":
		return NewElastic(opts.Elastic)
	case BackendSQLite:
		return OpenSQLite(opts.SQLitePath)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
