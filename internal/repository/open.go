package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/blociq/docpipe/internal/database"
)

// Open picks a Store from a DATABASE_URL: "memory://" for an in-process store,
// "sqlite://path" (or "sqlite::memory:") for SQLite, anything else is handed to
// pgx as a Postgres DSN.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case url == "memory://":
		return NewMemory(), nil
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "sqlite:")
		if path == "" {
			return nil, fmt.Errorf("sqlite url %q has no path", url)
		}
		db, err := database.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return NewSQLite(db), nil
	default:
		pool, err := database.Connect(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return NewPostgres(pool), nil
	}
}
