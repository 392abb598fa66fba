package model

import (
	"fmt"

	"github.com/google/uuid"

	"chat-context-service/internal/domain"
)

// Config is the per-context conversation configuration.
type Config struct {
	ModelID        string          `json:"model_id"`
	Mode           string          `json:"mode"` // e.g. "chat", "planning", "tool-use"
	SystemPromptID string          `json:"system_prompt_id,omitempty"`
	Parameters     map[string]any  `json:"parameters,omitempty"`
	AgentRole      string          `json:"agent_role,omitempty"`
	Features       map[string]bool `json:"features,omitempty"`
}

// Context is one conversation session: a message pool, named branches over
// it, configuration and the turn state machine. It is not safe for
// concurrent use; the session manager serializes access per context.
type Context struct {
	ID       uuid.UUID
	Config   Config
	Pool     map[uuid.UUID]*Message
	Branches map[string]*Branch
	Active   string
	State    State

	// dirty tracks unsaved mutations; dirtyMsgs narrows the next save to
	// the message files that actually changed.
	dirty     bool
	dirtyMsgs map[uuid.UUID]struct{}

	// pending is the runtime tool-approval set. Not persisted; rebuilt
	// from the message history on load when the state requires it.
	pending      map[string]*ToolCallRequest
	pendingOrder []string

	// deleted tombstones the context once its records are removed, so a
	// straggling save cannot recreate them.
	deleted bool
}

func NewContext(id uuid.UUID, modelID, mode string) *Context {
	c := &Context{
		ID:       id,
		Config:   Config{ModelID: modelID, Mode: mode},
		Pool:     make(map[uuid.UUID]*Message),
		Branches: map[string]*Branch{MainBranch: NewBranch(MainBranch)},
		Active:   MainBranch,
		State:    StateIdle,
	}
	return c
}

// Restore rebuilds a Context from persisted parts. The caller supplies the
// metadata fields and the loaded pool; runtime-only state is reattached.
func Restore(id uuid.UUID, cfg Config, branches map[string]*Branch, active string, state State, pool map[uuid.UUID]*Message) *Context {
	if branches == nil {
		branches = map[string]*Branch{MainBranch: NewBranch(MainBranch)}
	}
	if active == "" {
		active = MainBranch
	}
	if state == "" {
		state = StateIdle
	}
	if pool == nil {
		pool = make(map[uuid.UUID]*Message)
	}
	c := &Context{ID: id, Config: cfg, Pool: pool, Branches: branches, Active: active, State: state}
	if c.State == StateAwaitingApproval {
		c.RebuildPendingToolCalls()
	}
	return c
}

// ---- dirty tracking ----

func (c *Context) MarkDirty() { c.dirty = true }

func (c *Context) markMessageDirty(id uuid.UUID) {
	c.dirty = true
	if c.dirtyMsgs == nil {
		c.dirtyMsgs = make(map[uuid.UUID]struct{})
	}
	c.dirtyMsgs[id] = struct{}{}
}

func (c *Context) IsDirty() bool { return c.dirty }

// DirtyMessages returns ids of messages changed since the last save.
func (c *Context) DirtyMessages() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.dirtyMsgs))
	for id := range c.dirtyMsgs {
		out = append(out, id)
	}
	return out
}

// ClearDirty is called by the persistence layer after a successful save.
func (c *Context) ClearDirty() {
	c.dirty = false
	c.dirtyMsgs = nil
}

// MarkDeleted tombstones the context; IsDeleted gates later saves.
func (c *Context) MarkDeleted() { c.deleted = true }

func (c *Context) IsDeleted() bool { return c.deleted }

// ---- message pool & branches ----

// AddMessage appends msg to the named branch ("" means the active branch),
// linking it after the branch's last message. The main branch is created
// when absent; any other unknown branch is an error.
func (c *Context) AddMessage(branchName string, msg *Message) (uuid.UUID, error) {
	if msg == nil {
		return uuid.Nil, domain.ErrInvalidArgument
	}
	if branchName == "" {
		branchName = c.Active
	}
	branch, ok := c.Branches[branchName]
	if !ok {
		if branchName != MainBranch {
			return uuid.Nil, fmt.Errorf("add message to %q: %w", branchName, domain.ErrBranchNotFound)
		}
		branch = NewBranch(MainBranch)
		c.Branches[MainBranch] = branch
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if last, ok := branch.LastMessageID(); ok && msg.ParentID == nil {
		parent := last
		msg.ParentID = &parent
	}
	c.Pool[msg.ID] = msg
	branch.MessageIDs = append(branch.MessageIDs, msg.ID)
	c.markMessageDirty(msg.ID)
	return msg.ID, nil
}

// ForkBranch creates newName from source by copying the id list only.
// Message content is shared through the pool, so no message storage is
// touched by a fork.
func (c *Context) ForkBranch(source, newName string) error {
	src, ok := c.Branches[source]
	if !ok {
		return fmt.Errorf("fork %q: %w", source, domain.ErrBranchNotFound)
	}
	if newName == "" {
		return domain.ErrInvalidArgument
	}
	if _, exists := c.Branches[newName]; exists {
		return fmt.Errorf("fork to %q: %w", newName, domain.ErrBranchExists)
	}
	b := &Branch{
		Name:         newName,
		MessageIDs:   append([]uuid.UUID(nil), src.MessageIDs...),
		ParentBranch: source,
		ForkIndex:    len(src.MessageIDs),
	}
	c.Branches[newName] = b
	c.MarkDirty()
	return nil
}

// SwitchBranch makes name the active branch.
func (c *Context) SwitchBranch(name string) error {
	if _, ok := c.Branches[name]; !ok {
		return fmt.Errorf("switch to %q: %w", name, domain.ErrBranchNotFound)
	}
	if c.Active != name {
		c.Active = name
		c.MarkDirty()
	}
	return nil
}

// Message looks up a message by id.
func (c *Context) Message(id uuid.UUID) (*Message, bool) {
	m, ok := c.Pool[id]
	return m, ok
}

// ActiveBranchMessages resolves the active branch's id list against the
// pool, in order. Read-only.
func (c *Context) ActiveBranchMessages() []*Message {
	branch, ok := c.Branches[c.Active]
	if !ok {
		return nil
	}
	out := make([]*Message, 0, len(branch.MessageIDs))
	for _, id := range branch.MessageIDs {
		if m, ok := c.Pool[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// MessageCount is the number of messages on the active branch.
func (c *Context) MessageCount() int {
	if branch, ok := c.Branches[c.Active]; ok {
		return len(branch.MessageIDs)
	}
	return 0
}

// ---- streaming ----

// AppendStreamingChunk appends a delta to an in-flight streaming message
// and returns the chunk's sequence number.
func (c *Context) AppendStreamingChunk(id uuid.UUID, delta string) (int64, error) {
	m, ok := c.Pool[id]
	if !ok {
		return 0, fmt.Errorf("append chunk to %s: %w", id, domain.ErrMessageNotFound)
	}
	s := m.Streaming()
	if s == nil {
		return 0, fmt.Errorf("append chunk to %s: %w", id, domain.ErrNotStreaming)
	}
	seq := s.AppendChunk(delta)
	c.markMessageDirty(id)
	return seq, nil
}

// FinalizeStreaming completes a streaming message. A second call for the
// same message is a no-op.
func (c *Context) FinalizeStreaming(id uuid.UUID, finishReason string, usage *TokenUsage) error {
	m, ok := c.Pool[id]
	if !ok {
		return fmt.Errorf("finalize %s: %w", id, domain.ErrMessageNotFound)
	}
	s := m.Streaming()
	if s == nil {
		return fmt.Errorf("finalize %s: %w", id, domain.ErrNotStreaming)
	}
	if s.Finalize(finishReason, usage) {
		if usage != nil {
			m.Metadata.Usage = usage
		}
		c.markMessageDirty(id)
	}
	return nil
}

// ---- pending tool approvals (runtime, not persisted) ----

// SetPendingToolCalls replaces the pending approval set.
func (c *Context) SetPendingToolCalls(requests []ToolCallRequest) {
	c.pending = make(map[string]*ToolCallRequest, len(requests))
	c.pendingOrder = c.pendingOrder[:0]
	for i := range requests {
		r := requests[i]
		r.Status = ApprovalPending
		c.pending[r.ID] = &r
		c.pendingOrder = append(c.pendingOrder, r.ID)
	}
}

// PendingToolCalls returns the pending set in request order.
func (c *Context) PendingToolCalls() []ToolCallRequest {
	out := make([]ToolCallRequest, 0, len(c.pendingOrder))
	for _, id := range c.pendingOrder {
		if r, ok := c.pending[id]; ok {
			out = append(out, *r)
		}
	}
	return out
}

// TakePendingToolCalls validates ids against the pending set and removes
// them, returning the requests marked with status. Any unknown or repeated
// id fails the whole call and leaves the set intact.
func (c *Context) TakePendingToolCalls(ids []string, status ApprovalStatus) ([]ToolCallRequest, error) {
	if len(ids) == 0 {
		return nil, domain.ErrInvalidArgument
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate tool call id %q: %w", id, domain.ErrInvalidArgument)
		}
		seen[id] = struct{}{}
		if _, ok := c.pending[id]; !ok {
			return nil, fmt.Errorf("tool call %q: %w", id, domain.ErrToolCallNotPending)
		}
	}
	taken := make([]ToolCallRequest, 0, len(ids))
	for _, id := range ids {
		r := c.pending[id]
		r.Status = status
		taken = append(taken, *r)
		delete(c.pending, id)
	}
	order := c.pendingOrder[:0]
	for _, id := range c.pendingOrder {
		if _, ok := c.pending[id]; ok {
			order = append(order, id)
		}
	}
	c.pendingOrder = order
	return taken, nil
}

// ClearPendingToolCalls drops any remaining pending requests.
func (c *Context) ClearPendingToolCalls() {
	c.pending = nil
	c.pendingOrder = nil
}

// RebuildPendingToolCalls repopulates the pending set from the most recent
// tool-request message on the active branch. Used after a reload while the
// context was awaiting approval: messages are the durable truth, the
// pending set is derived.
func (c *Context) RebuildPendingToolCalls() {
	branch, ok := c.Branches[c.Active]
	if !ok {
		return
	}
	for i := len(branch.MessageIDs) - 1; i >= 0; i-- {
		m, ok := c.Pool[branch.MessageIDs[i]]
		if !ok {
			continue
		}
		if p, ok := m.Payload.(ToolRequestPayload); ok {
			c.SetPendingToolCalls(p.Requests)
			return
		}
	}
}
