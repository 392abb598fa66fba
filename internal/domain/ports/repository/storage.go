package repository

import (
	"context"

	"github.com/google/uuid"

	"chat-context-service/internal/domain/model"
)

// StorageProvider persists contexts as one metadata record plus one record
// per message, so streaming updates rewrite a single message and deleting
// a context removes everything it owns in one operation.
type StorageProvider interface {
	// SaveContext is a no-op when the context is not dirty; otherwise it
	// writes the metadata and only the changed messages, then clears the
	// dirty flags. On failure the flags stay set and the next save retries.
	SaveContext(ctx context.Context, c *model.Context) error

	// LoadContext reconstructs a context. Returns domain.ErrContextNotFound
	// when no record exists.
	LoadContext(ctx context.Context, id uuid.UUID) (*model.Context, error)

	// GetMessagesBatch is a best-effort read: ids that do not resolve are
	// silently omitted.
	GetMessagesBatch(ctx context.Context, contextID uuid.UUID, ids []uuid.UUID) ([]*model.Message, error)

	// DeleteContext removes the whole context record tree. Idempotent.
	DeleteContext(ctx context.Context, id uuid.UUID) error

	ListContexts(ctx context.Context) ([]uuid.UUID, error)
}
