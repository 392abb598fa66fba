// File: internal/infra/db/postgres/connection.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Connect returns a live *pgxpool.Pool or an error.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.Connect(cctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.Connect: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the context tables when they do not exist yet.
// Message bodies are JSONB documents keyed per message so streaming updates
// rewrite one row, not the whole conversation.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS contexts (
  id            UUID PRIMARY KEY,
  config        JSONB NOT NULL,
  branches      JSONB NOT NULL,
  active_branch TEXT  NOT NULL,
  state         TEXT  NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS context_messages (
  context_id UUID NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
  id         UUID NOT NULL,
  body       JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (context_id, id)
);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
