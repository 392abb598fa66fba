// File: internal/infra/storage/file_provider.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-context-service/internal/domain"
	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/repository"
	"chat-context-service/internal/infra/metrics"
)

// contextMeta is the on-disk shape of contexts/{id}/context.json. Message
// bodies live in messages_pool/, one file per message.
type contextMeta struct {
	ID           uuid.UUID                `json:"id"`
	Config       model.Config             `json:"config"`
	Branches     map[string]*model.Branch `json:"branches"`
	ActiveBranch string                   `json:"active_branch"`
	State        model.State              `json:"state"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// FileProvider stores each context as a directory:
//
//	{root}/contexts/{id}/context.json
//	{root}/contexts/{id}/messages_pool/{message-id}.json
//
// Writes go through a temp file and rename, so a crash mid-save leaves the
// previous content intact.
type FileProvider struct {
	root string
	log  *zerolog.Logger

	messageWrites atomic.Int64
}

var _ repository.StorageProvider = (*FileProvider)(nil)

func NewFileProvider(root string, logger *zerolog.Logger) (*FileProvider, error) {
	dir := filepath.Join(root, "contexts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileProvider{root: root, log: logger}, nil
}

// MessageWrites reports how many message files have been written since
// startup. Used by tests to assert saves stay incremental.
func (p *FileProvider) MessageWrites() int64 { return p.messageWrites.Load() }

func (p *FileProvider) contextDir(id uuid.UUID) string {
	return filepath.Join(p.root, "contexts", id.String())
}

func (p *FileProvider) SaveContext(ctx context.Context, c *model.Context) error {
	if !c.IsDirty() {
		return nil
	}
	start := time.Now()

	dir := p.contextDir(c.ID)
	poolDir := filepath.Join(dir, "messages_pool")
	if err := os.MkdirAll(poolDir, 0o755); err != nil {
		metrics.ObserveSave("file", 0, int(time.Since(start).Milliseconds()), false)
		return fmt.Errorf("create context dir: %w", err)
	}

	dirty := c.DirtyMessages()
	written := 0
	for _, id := range dirty {
		m, ok := c.Message(id)
		if !ok {
			// Deleted from the pool before the save landed; nothing to write.
			continue
		}
		path := filepath.Join(poolDir, id.String()+".json")
		if err := writeJSONAtomic(path, m); err != nil {
			metrics.ObserveSave("file", written, int(time.Since(start).Milliseconds()), false)
			return fmt.Errorf("write message %s: %w", id, err)
		}
		p.messageWrites.Add(1)
		written++
	}

	meta := contextMeta{
		ID:           c.ID,
		Config:       c.Config,
		Branches:     c.Branches,
		ActiveBranch: c.Active,
		State:        c.State,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := writeJSONAtomic(filepath.Join(dir, "context.json"), meta); err != nil {
		metrics.ObserveSave("file", written, int(time.Since(start).Milliseconds()), false)
		return fmt.Errorf("write context metadata: %w", err)
	}

	c.ClearDirty()
	metrics.ObserveSave("file", written, int(time.Since(start).Milliseconds()), true)
	p.log.Debug().Str("context_id", c.ID.String()).Int("messages_written", written).Msg("context saved")
	return nil
}

func (p *FileProvider) LoadContext(ctx context.Context, id uuid.UUID) (*model.Context, error) {
	dir := p.contextDir(id)
	raw, err := os.ReadFile(filepath.Join(dir, "context.json"))
	if err != nil {
		metrics.IncLoad("file", false)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("context %s: %w", id, domain.ErrContextNotFound)
		}
		return nil, fmt.Errorf("read context metadata: %w", err)
	}
	var meta contextMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		metrics.IncLoad("file", false)
		return nil, fmt.Errorf("decode context metadata: %w", err)
	}

	pool := make(map[uuid.UUID]*model.Message)
	poolDir := filepath.Join(dir, "messages_pool")
	entries, err := os.ReadDir(poolDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		metrics.IncLoad("file", false)
		return nil, fmt.Errorf("read message pool: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(poolDir, e.Name()))
		if err != nil {
			// A single unreadable file should not take the context down.
			p.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable message file")
			continue
		}
		var m model.Message
		if err := json.Unmarshal(b, &m); err != nil {
			p.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping corrupt message file")
			continue
		}
		pool[m.ID] = &m
	}

	metrics.IncLoad("file", true)
	return model.Restore(meta.ID, meta.Config, meta.Branches, meta.ActiveBranch, meta.State, pool), nil
}

func (p *FileProvider) GetMessagesBatch(ctx context.Context, contextID uuid.UUID, ids []uuid.UUID) ([]*model.Message, error) {
	poolDir := filepath.Join(p.contextDir(contextID), "messages_pool")
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		b, err := os.ReadFile(filepath.Join(poolDir, id.String()+".json"))
		if err != nil {
			continue
		}
		var m model.Message
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

func (p *FileProvider) DeleteContext(ctx context.Context, id uuid.UUID) error {
	if err := os.RemoveAll(p.contextDir(id)); err != nil {
		return fmt.Errorf("delete context %s: %w", id, err)
	}
	return nil
}

func (p *FileProvider) ListContexts(ctx context.Context) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(filepath.Join(p.root, "contexts"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	out := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
