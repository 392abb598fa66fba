// File: internal/usecase/session_manager.go
package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/repository"
	"chat-context-service/internal/infra/metrics"
)

// ContextHandle pairs a live context with its serialization lock. All reads
// and mutations of the wrapped context happen under Lock/Unlock; the
// session manager hands out one handle per context id.
type ContextHandle struct {
	mu       sync.Mutex
	c        *model.Context
	lastUsed time.Time

	// inflightMu guards the cancel func of an in-flight turn. It is a
	// separate lock so Abort can reach a turn that holds the main lock.
	inflightMu     sync.Mutex
	inflightCancel context.CancelFunc
}

// Lock acquires the context for exclusive use and returns it.
func (h *ContextHandle) Lock() *model.Context {
	h.mu.Lock()
	h.lastUsed = time.Now()
	return h.c
}

func (h *ContextHandle) Unlock() {
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// SetInflight registers the cancel func of the turn now running.
func (h *ContextHandle) SetInflight(cancel context.CancelFunc) {
	h.inflightMu.Lock()
	h.inflightCancel = cancel
	h.inflightMu.Unlock()
}

func (h *ContextHandle) ClearInflight() {
	h.inflightMu.Lock()
	h.inflightCancel = nil
	h.inflightMu.Unlock()
}

// AbortInflight cancels the running turn, if any. Safe to call without the
// main lock.
func (h *ContextHandle) AbortInflight() bool {
	h.inflightMu.Lock()
	defer h.inflightMu.Unlock()
	if h.inflightCancel == nil {
		return false
	}
	h.inflightCancel()
	return true
}

// SessionManager caches live contexts and serializes access per context.
// Cold contexts are loaded from storage on first touch and evicted again
// after sitting idle.
type SessionManager struct {
	storage repository.StorageProvider
	log     *zerolog.Logger
	idleTTL time.Duration

	mu   sync.Mutex
	live map[uuid.UUID]*ContextHandle
}

func NewSessionManager(storage repository.StorageProvider, idleTTL time.Duration, logger *zerolog.Logger) *SessionManager {
	return &SessionManager{
		storage: storage,
		log:     logger,
		idleTTL: idleTTL,
		live:    make(map[uuid.UUID]*ContextHandle),
	}
}

// Create builds a fresh context and persists its initial state before
// returning, so the id is durable the moment the caller sees it.
func (s *SessionManager) Create(ctx context.Context, modelID, mode string) (*model.Context, error) {
	c := model.NewContext(uuid.New(), modelID, mode)
	c.MarkDirty()
	if err := s.storage.SaveContext(ctx, c); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.live[c.ID] = &ContextHandle{c: c, lastUsed: time.Now()}
	n := len(s.live)
	s.mu.Unlock()
	metrics.SetActiveSessions(n)
	return c, nil
}

// Acquire returns the handle for id, loading from storage when the context
// is not resident. Concurrent first touches race to load; one wins.
func (s *SessionManager) Acquire(ctx context.Context, id uuid.UUID) (*ContextHandle, error) {
	s.mu.Lock()
	if h, ok := s.live[id]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	c, err := s.storage.LoadContext(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.live[id]; ok {
		// Another goroutine loaded it first; use theirs.
		return h, nil
	}
	h := &ContextHandle{c: c, lastUsed: time.Now()}
	s.live[id] = h
	metrics.SetActiveSessions(len(s.live))
	return h, nil
}

// Save flushes c through the storage provider. No-op when clean or when
// the context has been deleted out from under the caller.
func (s *SessionManager) Save(ctx context.Context, c *model.Context) error {
	if c.IsDeleted() {
		return nil
	}
	return s.storage.SaveContext(ctx, c)
}

// Delete evicts the context and removes its stored records. A turn in
// flight is cancelled and waited out first, so its final save lands before
// the removal and the tombstone blocks any save after it.
func (s *SessionManager) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	h, ok := s.live[id]
	delete(s.live, id)
	n := len(s.live)
	s.mu.Unlock()
	metrics.SetActiveSessions(n)

	if ok {
		h.AbortInflight()
		c := h.Lock()
		c.MarkDeleted()
		h.Unlock()
	}
	return s.storage.DeleteContext(ctx, id)
}

// ListContexts returns every persisted context id.
func (s *SessionManager) ListContexts(ctx context.Context) ([]uuid.UUID, error) {
	return s.storage.ListContexts(ctx)
}

// EvictIdle drops contexts untouched for longer than the idle TTL. A dirty
// context is flushed first; if the flush fails it stays resident and the
// next sweep retries.
func (s *SessionManager) EvictIdle(ctx context.Context) int {
	cutoff := time.Now().Add(-s.idleTTL)

	s.mu.Lock()
	candidates := make(map[uuid.UUID]*ContextHandle)
	for id, h := range s.live {
		candidates[id] = h
	}
	s.mu.Unlock()

	evicted := 0
	for id, h := range candidates {
		if !h.mu.TryLock() {
			continue // busy, not idle
		}
		idle := h.lastUsed.Before(cutoff)
		var saveErr error
		if idle && h.c.IsDirty() && !h.c.IsDeleted() {
			saveErr = s.storage.SaveContext(ctx, h.c)
		}
		h.mu.Unlock()

		if !idle {
			continue
		}
		if saveErr != nil {
			s.log.Warn().Err(saveErr).Str("context_id", id.String()).Msg("eviction flush failed, keeping resident")
			continue
		}

		s.mu.Lock()
		if cur, ok := s.live[id]; ok && cur == h {
			delete(s.live, id)
			evicted++
		}
		n := len(s.live)
		s.mu.Unlock()
		metrics.SetActiveSessions(n)
	}
	if evicted > 0 {
		s.log.Debug().Int("evicted", evicted).Msg("idle contexts evicted")
	}
	return evicted
}

// Shutdown flushes every resident dirty context. Busy contexts are skipped;
// their in-flight turn owns the final save.
func (s *SessionManager) Shutdown(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*ContextHandle, 0, len(s.live))
	for _, h := range s.live {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if !h.mu.TryLock() {
			continue
		}
		if h.c.IsDirty() && !h.c.IsDeleted() {
			if err := s.storage.SaveContext(ctx, h.c); err != nil {
				s.log.Warn().Err(err).Str("context_id", h.c.ID.String()).Msg("shutdown flush failed")
			}
		}
		h.mu.Unlock()
	}
}

// LiveCount reports resident contexts. For tests and diagnostics.
func (s *SessionManager) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
