// File: internal/infra/db/postgres/postgres_context_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"chat-context-service/internal/domain"
	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/repository"
	"chat-context-service/internal/infra/metrics"
)

// ContextRepo persists contexts in Postgres: one row per context plus one
// row per message. Saves are incremental and transactional.
type ContextRepo struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

var _ repository.StorageProvider = (*ContextRepo)(nil)

func NewContextRepo(pool *pgxpool.Pool, logger *zerolog.Logger) *ContextRepo {
	return &ContextRepo{pool: pool, log: logger}
}

func (r *ContextRepo) SaveContext(ctx context.Context, c *model.Context) error {
	if !c.IsDirty() {
		return nil
	}
	start := time.Now()

	cfgJSON, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	branchesJSON, err := json.Marshal(c.Branches)
	if err != nil {
		return fmt.Errorf("encode branches: %w", err)
	}

	dirty := c.DirtyMessages()
	written := 0
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		const qc = `
INSERT INTO contexts (id, config, branches, active_branch, state, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (id) DO UPDATE SET
  config = EXCLUDED.config,
  branches = EXCLUDED.branches,
  active_branch = EXCLUDED.active_branch,
  state = EXCLUDED.state,
  updated_at = NOW();`
		if _, err := tx.Exec(ctx, qc, c.ID, cfgJSON, branchesJSON, c.Active, string(c.State)); err != nil {
			return fmt.Errorf("upsert context: %w", err)
		}

		const qm = `
INSERT INTO context_messages (context_id, id, body, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (context_id, id) DO UPDATE SET
  body = EXCLUDED.body,
  updated_at = NOW();`
		for _, id := range dirty {
			m, ok := c.Message(id)
			if !ok {
				continue
			}
			body, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("encode message %s: %w", id, err)
			}
			if _, err := tx.Exec(ctx, qm, c.ID, id, body); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23503" {
					return fmt.Errorf("message %s orphaned from context: %w", id, err)
				}
				return fmt.Errorf("upsert message %s: %w", id, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		metrics.ObserveSave("postgres", 0, int(time.Since(start).Milliseconds()), false)
		return err
	}

	c.ClearDirty()
	metrics.ObserveSave("postgres", written, int(time.Since(start).Milliseconds()), true)
	r.log.Debug().Str("context_id", c.ID.String()).Int("messages_written", written).Msg("context saved")
	return nil
}

func (r *ContextRepo) LoadContext(ctx context.Context, id uuid.UUID) (*model.Context, error) {
	const qc = `SELECT config, branches, active_branch, state FROM contexts WHERE id=$1;`
	var cfgJSON, branchesJSON []byte
	var active, state string
	if err := r.pool.QueryRow(ctx, qc, id).Scan(&cfgJSON, &branchesJSON, &active, &state); err != nil {
		metrics.IncLoad("postgres", false)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("context %s: %w", id, domain.ErrContextNotFound)
		}
		return nil, fmt.Errorf("scan context: %w", err)
	}

	var cfg model.Config
	if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
		metrics.IncLoad("postgres", false)
		return nil, fmt.Errorf("decode config: %w", err)
	}
	var branches map[string]*model.Branch
	if err := json.Unmarshal(branchesJSON, &branches); err != nil {
		metrics.IncLoad("postgres", false)
		return nil, fmt.Errorf("decode branches: %w", err)
	}

	const qm = `SELECT body FROM context_messages WHERE context_id=$1;`
	rows, err := r.pool.Query(ctx, qm, id)
	if err != nil {
		metrics.IncLoad("postgres", false)
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	pool := make(map[uuid.UUID]*model.Message)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			metrics.IncLoad("postgres", false)
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m model.Message
		if err := json.Unmarshal(body, &m); err != nil {
			r.log.Warn().Err(err).Str("context_id", id.String()).Msg("skipping corrupt message row")
			continue
		}
		pool[m.ID] = &m
	}
	if err := rows.Err(); err != nil {
		metrics.IncLoad("postgres", false)
		return nil, fmt.Errorf("rows err: %w", err)
	}

	metrics.IncLoad("postgres", true)
	return model.Restore(id, cfg, branches, active, model.State(state), pool), nil
}

func (r *ContextRepo) GetMessagesBatch(ctx context.Context, contextID uuid.UUID, ids []uuid.UUID) ([]*model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `SELECT body FROM context_messages WHERE context_id=$1 AND id = ANY($2);`
	rows, err := r.pool.Query(ctx, q, contextID, ids)
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	defer rows.Close()

	out := make([]*model.Message, 0, len(ids))
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m model.Message
		if err := json.Unmarshal(body, &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *ContextRepo) DeleteContext(ctx context.Context, id uuid.UUID) error {
	// Messages go with the context via ON DELETE CASCADE.
	const q = `DELETE FROM contexts WHERE id=$1;`
	if _, err := r.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("delete context %s: %w", id, err)
	}
	return nil
}

func (r *ContextRepo) ListContexts(ctx context.Context) ([]uuid.UUID, error) {
	const q = `SELECT id FROM contexts ORDER BY updated_at DESC;`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *ContextRepo) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
