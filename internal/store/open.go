// Package store provides the Open factory that selects a pipeline.Store
// backend from DATABASE_URL (spec §6): an empty value or a file path opens
// the embedded sqlite backend; a postgres:// or postgresql:// URL opens the
// Postgres backend.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/queued/queued/internal/pipeline"
	"github.com/queued/queued/internal/store/postgres"
	"github.com/queued/queued/internal/store/sqlite"
)

// Open returns a pipeline.Store appropriate for databaseURL. An empty string
// falls back to an embedded sqlite database at defaultSQLitePath.
func Open(ctx context.Context, databaseURL, defaultSQLitePath string) (pipeline.Store, error) {
	if databaseURL == "" {
		databaseURL = defaultSQLitePath
	}
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		s, err := postgres.Open(ctx, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		return s, nil
	}
	s, err := sqlite.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	return s, nil
}
