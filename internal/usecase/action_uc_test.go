package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-context-service/internal/domain"
	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/adapter"
)

// ---- Fakes ----

// memStorage keeps contexts as serialized blobs so loads go through the
// same restore path as the real providers. It counts writes to let tests
// assert saves stay incremental.
type memStorage struct {
	mu    sync.Mutex
	metas map[uuid.UUID][]byte
	msgs  map[uuid.UUID]map[uuid.UUID][]byte

	saves         int
	messageWrites int
	failSaves     bool
}

type memMeta struct {
	ID       uuid.UUID                `json:"id"`
	Config   model.Config             `json:"config"`
	Branches map[string]*model.Branch `json:"branches"`
	Active   string                   `json:"active"`
	State    model.State              `json:"state"`
}

func newMemStorage() *memStorage {
	return &memStorage{
		metas: map[uuid.UUID][]byte{},
		msgs:  map[uuid.UUID]map[uuid.UUID][]byte{},
	}
}

func (m *memStorage) SaveContext(ctx context.Context, c *model.Context) error {
	if !c.IsDirty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves {
		return errors.New("storage down")
	}
	if m.msgs[c.ID] == nil {
		m.msgs[c.ID] = map[uuid.UUID][]byte{}
	}
	for _, id := range c.DirtyMessages() {
		msg, ok := c.Message(id)
		if !ok {
			continue
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		m.msgs[c.ID][id] = b
		m.messageWrites++
	}
	meta, err := json.Marshal(memMeta{ID: c.ID, Config: c.Config, Branches: c.Branches, Active: c.Active, State: c.State})
	if err != nil {
		return err
	}
	m.metas[c.ID] = meta
	m.saves++
	c.ClearDirty()
	return nil
}

func (m *memStorage) LoadContext(ctx context.Context, id uuid.UUID) (*model.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.metas[id]
	if !ok {
		return nil, domain.ErrContextNotFound
	}
	var meta memMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	pool := map[uuid.UUID]*model.Message{}
	for mid, b := range m.msgs[id] {
		var msg model.Message
		if err := json.Unmarshal(b, &msg); err != nil {
			return nil, err
		}
		pool[mid] = &msg
	}
	return model.Restore(meta.ID, meta.Config, meta.Branches, meta.Active, meta.State, pool), nil
}

func (m *memStorage) GetMessagesBatch(ctx context.Context, contextID uuid.UUID, ids []uuid.UUID) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Message
	for _, id := range ids {
		if b, ok := m.msgs[contextID][id]; ok {
			var msg model.Message
			if err := json.Unmarshal(b, &msg); err == nil {
				out = append(out, &msg)
			}
		}
	}
	return out, nil
}

func (m *memStorage) DeleteContext(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metas, id)
	delete(m.msgs, id)
	return nil
}

func (m *memStorage) ListContexts(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.metas))
	for id := range m.metas {
		out = append(out, id)
	}
	return out, nil
}

// scriptedTurn is one LLM round: the deltas streamed, then the final marker.
type scriptedTurn struct {
	deltas []string
	final  *adapter.Final
	err    error
	// block, when set, ignores deltas and waits for ctx cancellation after
	// streaming blockDeltas.
	block       bool
	blockDeltas []string
	started     chan struct{}
}

type scriptedLLM struct {
	mu    sync.Mutex
	turns []*scriptedTurn
}

func (f *scriptedLLM) ListModels(ctx context.Context) ([]string, error) {
	return []string{"test-model"}, nil
}

func (f *scriptedLLM) Stream(ctx context.Context, modelID string, messages []adapter.Message, tools []adapter.ToolSpec, onDelta func(string) error) (*adapter.Final, error) {
	f.mu.Lock()
	if len(f.turns) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no scripted turn left")
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]
	f.mu.Unlock()

	if turn.block {
		for _, d := range turn.blockDeltas {
			if err := onDelta(d); err != nil {
				return nil, err
			}
		}
		if turn.started != nil {
			close(turn.started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	for _, d := range turn.deltas {
		if err := onDelta(d); err != nil {
			return nil, err
		}
	}
	if turn.err != nil {
		return nil, turn.err
	}
	return turn.final, nil
}

type fakeTools struct {
	mu       sync.Mutex
	approval map[string]bool // name -> needs approval
	results  map[string]string
	executed []string
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		approval: map[string]bool{"echo": false, "read_file": true},
		results:  map[string]string{},
	}
}

func (f *fakeTools) List(ctx context.Context) []adapter.ToolSpec {
	return []adapter.ToolSpec{
		{Name: "echo", Description: "echo"},
		{Name: "read_file", Description: "read a file"},
	}
}

func (f *fakeTools) RequiresApproval(name string) bool {
	needs, ok := f.approval[name]
	if !ok {
		return true
	}
	return needs
}

func (f *fakeTools) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.executed = append(f.executed, name)
	out := f.results[name]
	f.mu.Unlock()
	if out == "" {
		out = `{"ok":true}`
	}
	return json.RawMessage(out), nil
}

func (f *fakeTools) executedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

type recordPublisher struct {
	mu      sync.Mutex
	signals []model.Signal
}

func (r *recordPublisher) Publish(sig model.Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	r.mu.Unlock()
}

func (r *recordPublisher) kinds() []model.SignalKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.SignalKind, len(r.signals))
	for i, s := range r.signals {
		out[i] = s.Kind
	}
	return out
}

func (r *recordPublisher) count(kind model.SignalKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.signals {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// ---- Harness ----

type harness struct {
	svc     *actionSvc
	store   *memStorage
	llm     *scriptedLLM
	tools   *fakeTools
	signals *recordPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	store := newMemStorage()
	llm := &scriptedLLM{}
	tools := newFakeTools()
	signals := &recordPublisher{}
	sessions := NewSessionManager(store, time.Hour, &logger)
	svc := NewActionService(sessions, llm, tools, signals, 4, &logger)
	return &harness{svc: svc, store: store, llm: llm, tools: tools, signals: signals}
}

func textFinal() *adapter.Final {
	return &adapter.Final{FinishReason: "stop", Usage: &model.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
}

func toolFinal(id, name, args string) *adapter.Final {
	return &adapter.Final{
		FinishReason: "tool_calls",
		ToolCalls:    []adapter.ToolInvocation{{ID: id, ToolName: name, Arguments: json.RawMessage(args)}},
	}
}

// ---- Tests ----

func TestSendMessageStreamsAndPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.svc.CreateContext(ctx, "test-model", "chat")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	h.llm.turns = []*scriptedTurn{{deltas: []string{"Hello ", "world"}, final: textFinal()}}
	msgID, err := h.svc.SendMessage(ctx, c.ID, "hi", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	snap, err := h.svc.GetState(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.State != model.StateIdle {
		t.Fatalf("state after turn = %s, want idle", snap.State)
	}
	if snap.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", snap.MessageCount)
	}

	page, err := h.svc.MessageChunks(ctx, c.ID, msgID, -1)
	if err != nil {
		t.Fatalf("MessageChunks: %v", err)
	}
	if !page.Completed || len(page.Chunks) != 2 {
		t.Fatalf("chunk page = %+v, want 2 chunks completed", page)
	}
	if page.Chunks[0].Sequence != 0 || page.Chunks[0].Delta != "Hello " {
		t.Fatalf("first chunk = %+v", page.Chunks[0])
	}

	// Resume from sequence 0: only the second chunk comes back.
	page, _ = h.svc.MessageChunks(ctx, c.ID, msgID, 0)
	if len(page.Chunks) != 1 || page.Chunks[0].Sequence != 1 {
		t.Fatalf("resume page = %+v, want just sequence 1", page.Chunks)
	}

	if n := h.signals.count(model.SignalContentDelta); n != 2 {
		t.Fatalf("content_delta signals = %d, want 2", n)
	}
	if n := h.signals.count(model.SignalMessageCompleted); n != 1 {
		t.Fatalf("message_completed signals = %d, want 1", n)
	}
	if h.store.saves == 0 {
		t.Fatal("nothing was persisted")
	}

	// The persisted form restores the full stream.
	loaded, err := h.store.LoadContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	m, ok := loaded.Message(msgID)
	if !ok {
		t.Fatal("assistant message not persisted")
	}
	if got := m.Streaming().Content; got != "Hello world" {
		t.Fatalf("persisted content = %q", got)
	}
	if m.Metadata.Usage == nil || m.Metadata.Usage.TotalTokens != 5 {
		t.Fatalf("persisted usage = %+v", m.Metadata.Usage)
	}
}

func TestSendMessageRejectedWhileBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	c.Apply(model.EventUserMessage) // context is mid-turn

	if _, err := h.svc.SendMessage(ctx, c.ID, "again", nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("SendMessage on busy context = %v, want ErrInvalidTransition", err)
	}
}

func TestSendMessageFilesOnlySkipsEmptyText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	h.llm.turns = []*scriptedTurn{{deltas: []string{"Nice file."}, final: textFinal()}}

	files := []FileInput{{Path: "notes.txt", Content: "remember the milk", Size: 17}}
	if _, err := h.svc.SendMessage(ctx, c.ID, "", files); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msgs, _ := h.svc.ActiveMessages(ctx, c.ID)
	if len(msgs) != 2 {
		t.Fatalf("branch has %d messages, want file ref + reply", len(msgs))
	}
	ref, ok := msgs[0].Payload.(model.FileRefPayload)
	if !ok || ref.Path != "notes.txt" {
		t.Fatalf("first message = %T %+v, want file reference", msgs[0].Payload, msgs[0].Payload)
	}
	for _, m := range msgs {
		if p, ok := m.Payload.(model.TextPayload); ok && m.Role == model.RoleUser && p.Content == "" {
			t.Fatal("empty user text message appended alongside files")
		}
	}
}

func TestToolApprovalFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	h.llm.turns = []*scriptedTurn{
		{deltas: []string{"Let me check."}, final: toolFinal("tc-1", "read_file", `{"path":"notes.txt"}`)},
		{deltas: []string{"The file says hi."}, final: textFinal()},
	}

	if _, err := h.svc.SendMessage(ctx, c.ID, "read my notes", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	snap, _ := h.svc.GetState(ctx, c.ID)
	if snap.State != model.StateAwaitingApproval {
		t.Fatalf("state = %s, want awaiting_approval", snap.State)
	}
	if len(snap.PendingToolCalls) != 1 || snap.PendingToolCalls[0].ID != "tc-1" {
		t.Fatalf("pending = %+v", snap.PendingToolCalls)
	}
	if len(h.tools.executedNames()) != 0 {
		t.Fatal("tool ran before approval")
	}

	// A wrong id fails the whole request and leaves the pending set intact.
	if err := h.svc.ApproveToolCalls(ctx, c.ID, []string{"tc-2"}); !errors.Is(err, domain.ErrToolCallNotPending) {
		t.Fatalf("approve unknown id = %v, want ErrToolCallNotPending", err)
	}
	snap, _ = h.svc.GetState(ctx, c.ID)
	if len(snap.PendingToolCalls) != 1 {
		t.Fatalf("pending set damaged by failed approve: %+v", snap.PendingToolCalls)
	}

	// Repeating an id in one request is rejected outright, nothing runs.
	if err := h.svc.ApproveToolCalls(ctx, c.ID, []string{"tc-1", "tc-1"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("approve duplicate ids = %v, want ErrInvalidArgument", err)
	}
	snap, _ = h.svc.GetState(ctx, c.ID)
	if snap.State != model.StateAwaitingApproval || len(snap.PendingToolCalls) != 1 {
		t.Fatalf("duplicate approve altered state: %s %+v", snap.State, snap.PendingToolCalls)
	}
	if len(h.tools.executedNames()) != 0 {
		t.Fatal("tool ran on rejected approve")
	}

	if err := h.svc.ApproveToolCalls(ctx, c.ID, []string{"tc-1"}); err != nil {
		t.Fatalf("ApproveToolCalls: %v", err)
	}
	if got := h.tools.executedNames(); len(got) != 1 || got[0] != "read_file" {
		t.Fatalf("executed tools = %v", got)
	}

	snap, _ = h.svc.GetState(ctx, c.ID)
	if snap.State != model.StateIdle {
		t.Fatalf("state after approval = %s, want idle", snap.State)
	}

	// The branch carries the whole turn: user, stream, request, result, stream.
	msgs, _ := h.svc.ActiveMessages(ctx, c.ID)
	var sawResult bool
	for _, m := range msgs {
		if p, ok := m.Payload.(model.ToolResultPayload); ok {
			sawResult = true
			if p.RequestID != "tc-1" || p.IsError {
				t.Fatalf("tool result = %+v", p)
			}
		}
	}
	if !sawResult {
		t.Fatal("no tool result message on branch")
	}
}

func TestToolDenialRecordsRefusal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	h.llm.turns = []*scriptedTurn{
		{final: toolFinal("tc-1", "read_file", `{"path":"secret.txt"}`)},
		{deltas: []string{"Understood, I won't read it."}, final: textFinal()},
	}

	if _, err := h.svc.SendMessage(ctx, c.ID, "read the secret", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := h.svc.DenyToolCalls(ctx, c.ID, []string{"tc-1"}); err != nil {
		t.Fatalf("DenyToolCalls: %v", err)
	}

	if len(h.tools.executedNames()) != 0 {
		t.Fatal("denied tool was executed")
	}
	snap, _ := h.svc.GetState(ctx, c.ID)
	if snap.State != model.StateIdle {
		t.Fatalf("state after denial = %s, want idle", snap.State)
	}

	msgs, _ := h.svc.ActiveMessages(ctx, c.ID)
	var denial *model.ToolResultPayload
	for _, m := range msgs {
		if p, ok := m.Payload.(model.ToolResultPayload); ok {
			denial = &p
		}
	}
	if denial == nil || !denial.IsError || denial.Error != "denied by user" {
		t.Fatalf("denial result = %+v", denial)
	}
}

func TestAutoApprovedToolLoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	h.llm.turns = []*scriptedTurn{
		{final: toolFinal("tc-1", "echo", `{"text":"ping"}`)},
		{deltas: []string{"pong"}, final: textFinal()},
	}

	if _, err := h.svc.SendMessage(ctx, c.ID, "ping?", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// echo needs no approval: the whole loop ran inside one SendMessage.
	if got := h.tools.executedNames(); len(got) != 1 || got[0] != "echo" {
		t.Fatalf("executed tools = %v", got)
	}
	snap, _ := h.svc.GetState(ctx, c.ID)
	if snap.State != model.StateIdle || len(snap.PendingToolCalls) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestToolLoopBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	// Every round asks for another auto-approved tool; the bound must trip.
	for i := 0; i < 10; i++ {
		h.llm.turns = append(h.llm.turns, &scriptedTurn{
			final: toolFinal(fmt.Sprintf("tc-%d", i), "echo", `{"text":"again"}`),
		})
	}

	_, err := h.svc.SendMessage(ctx, c.ID, "loop forever", nil)
	if err == nil || !strings.Contains(err.Error(), "tool loop exceeded") {
		t.Fatalf("SendMessage = %v, want loop bound error", err)
	}
	snap, _ := h.svc.GetState(ctx, c.ID)
	if snap.State != model.StateIdle {
		t.Fatalf("state after bound = %s, want idle", snap.State)
	}
}

func TestLLMFailureLeavesErrorMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	h.llm.turns = []*scriptedTurn{{deltas: []string{"par"}, err: errors.New("provider exploded")}}

	if _, err := h.svc.SendMessage(ctx, c.ID, "hi", nil); err == nil {
		t.Fatal("SendMessage should surface the provider error")
	}

	snap, _ := h.svc.GetState(ctx, c.ID)
	if snap.State != model.StateIdle {
		t.Fatalf("state after failure = %s, want idle", snap.State)
	}
	msgs, _ := h.svc.ActiveMessages(ctx, c.ID)
	last := msgs[len(msgs)-1]
	if last.Metadata.Source != model.SourceError {
		t.Fatalf("last message source = %s, want error", last.Metadata.Source)
	}

	// The turn can start again right away.
	h.llm.turns = []*scriptedTurn{{deltas: []string{"ok"}, final: textFinal()}}
	if _, err := h.svc.SendMessage(ctx, c.ID, "retry", nil); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestAbortKeepsPartialContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	started := make(chan struct{})
	h.llm.turns = []*scriptedTurn{{block: true, blockDeltas: []string{"partial "}, started: started}}

	done := make(chan error, 1)
	var msgID uuid.UUID
	go func() {
		id, err := h.svc.SendMessage(ctx, c.ID, "long question", nil)
		msgID = id
		done <- err
	}()

	<-started
	if err := h.svc.Abort(ctx, c.ID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendMessage after abort = %v, want nil", err)
	}

	snap, _ := h.svc.GetState(ctx, c.ID)
	if snap.State != model.StateIdle {
		t.Fatalf("state after abort = %s, want idle", snap.State)
	}

	page, err := h.svc.MessageChunks(ctx, c.ID, msgID, -1)
	if err != nil {
		t.Fatalf("MessageChunks: %v", err)
	}
	if !page.Completed || len(page.Chunks) != 1 || page.Chunks[0].Delta != "partial " {
		t.Fatalf("partial content lost: %+v", page)
	}

	msgs, _ := h.svc.ActiveMessages(ctx, c.ID)
	last := msgs[len(msgs)-1]
	if last.Metadata.Source != model.SourceCancellation {
		t.Fatalf("last message source = %s, want cancellation", last.Metadata.Source)
	}
}

func TestAbortWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	if err := h.svc.Abort(ctx, c.ID); err != nil {
		t.Fatalf("Abort on idle context: %v", err)
	}
	msgs, _ := h.svc.ActiveMessages(ctx, c.ID)
	if len(msgs) != 0 {
		t.Fatalf("idle abort added messages: %d", len(msgs))
	}
}

func TestDeleteContextRemovesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	h.llm.turns = []*scriptedTurn{{deltas: []string{"bye"}, final: textFinal()}}
	if _, err := h.svc.SendMessage(ctx, c.ID, "hello", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if err := h.svc.DeleteContext(ctx, c.ID); err != nil {
		t.Fatalf("DeleteContext: %v", err)
	}
	if _, err := h.store.LoadContext(ctx, c.ID); !errors.Is(err, domain.ErrContextNotFound) {
		t.Fatalf("context still loadable after delete: %v", err)
	}
	if len(h.store.msgs[c.ID]) != 0 {
		t.Fatal("message records left behind after delete")
	}
	if h.signals.count(model.SignalContextDeleted) != 1 {
		t.Fatal("no context_deleted signal")
	}
	if _, err := h.svc.GetState(ctx, c.ID); !errors.Is(err, domain.ErrContextNotFound) {
		t.Fatalf("GetState after delete = %v, want ErrContextNotFound", err)
	}
}

func TestDeleteMidTurnLeavesNoRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	started := make(chan struct{})
	h.llm.turns = []*scriptedTurn{{block: true, blockDeltas: []string{"partial "}, started: started}}

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.SendMessage(ctx, c.ID, "long question", nil)
		done <- err
	}()

	// Delete while the turn is streaming: the turn is cancelled and waited
	// out, and its wind-down save must not recreate the removed records.
	<-started
	if err := h.svc.DeleteContext(ctx, c.ID); err != nil {
		t.Fatalf("DeleteContext: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendMessage after delete = %v, want nil", err)
	}

	if _, err := h.store.LoadContext(ctx, c.ID); !errors.Is(err, domain.ErrContextNotFound) {
		t.Fatalf("context resurrected after delete: %v", err)
	}
	if len(h.store.msgs[c.ID]) != 0 {
		t.Fatal("message records resurrected after delete")
	}
	ids, _ := h.store.ListContexts(ctx)
	if len(ids) != 0 {
		t.Fatalf("deleted context still listed: %v", ids)
	}
	if _, err := h.svc.GetState(ctx, c.ID); !errors.Is(err, domain.ErrContextNotFound) {
		t.Fatalf("GetState after delete = %v, want ErrContextNotFound", err)
	}
}

func TestForkAndSwitchBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	h.llm.turns = []*scriptedTurn{{deltas: []string{"first"}, final: textFinal()}}
	if _, err := h.svc.SendMessage(ctx, c.ID, "start", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	writesBefore := h.store.messageWrites
	if err := h.svc.ForkBranch(ctx, c.ID, model.MainBranch, "alt"); err != nil {
		t.Fatalf("ForkBranch: %v", err)
	}
	if h.store.messageWrites != writesBefore {
		t.Fatal("fork rewrote message records")
	}

	if err := h.svc.SwitchBranch(ctx, c.ID, "alt"); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}
	snap, _ := h.svc.GetState(ctx, c.ID)
	if snap.ActiveBranch != "alt" || snap.MessageCount != 2 {
		t.Fatalf("snapshot after switch = %+v", snap)
	}

	// New turns land on the fork only.
	h.llm.turns = []*scriptedTurn{{deltas: []string{"second"}, final: textFinal()}}
	if _, err := h.svc.SendMessage(ctx, c.ID, "diverge", nil); err != nil {
		t.Fatalf("SendMessage on fork: %v", err)
	}
	if err := h.svc.SwitchBranch(ctx, c.ID, model.MainBranch); err != nil {
		t.Fatalf("SwitchBranch back: %v", err)
	}
	snap, _ = h.svc.GetState(ctx, c.ID)
	if snap.MessageCount != 2 {
		t.Fatalf("main branch grew to %d messages", snap.MessageCount)
	}
}

func TestMidTurnSaveFailureRetriesOnNextSave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	h.llm.turns = []*scriptedTurn{{deltas: []string{"he", "llo"}, final: textFinal()}}

	// First turn succeeds; then storage flaps while the context sits dirty.
	if _, err := h.svc.SendMessage(ctx, c.ID, "hi", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	h.store.mu.Lock()
	h.store.failSaves = true
	h.store.mu.Unlock()
	if err := h.svc.ForkBranch(ctx, c.ID, model.MainBranch, "alt"); err == nil {
		t.Fatal("fork save should fail while storage is down")
	}

	h.store.mu.Lock()
	h.store.failSaves = false
	h.store.mu.Unlock()

	// The dirty flag survived the failure, so the next save lands the fork.
	h.llm.turns = []*scriptedTurn{{deltas: []string{"ok"}, final: textFinal()}}
	if _, err := h.svc.SendMessage(ctx, c.ID, "again", nil); err != nil {
		t.Fatalf("SendMessage after recovery: %v", err)
	}
	loaded, err := h.store.LoadContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if _, ok := loaded.Branches["alt"]; !ok {
		t.Fatal("fork lost after storage recovery")
	}
}

func TestCrashRecoveryRebuildsPendingApprovals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, _ := h.svc.CreateContext(ctx, "test-model", "chat")
	h.llm.turns = []*scriptedTurn{{final: toolFinal("tc-1", "read_file", `{"path":"a"}`)}}
	if _, err := h.svc.SendMessage(ctx, c.ID, "read", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Simulate a restart: a fresh session manager over the same storage.
	logger := zerolog.Nop()
	sessions := NewSessionManager(h.store, time.Hour, &logger)
	svc := NewActionService(sessions, h.llm, h.tools, h.signals, 4, &logger)

	snap, err := svc.GetState(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetState after restart: %v", err)
	}
	if snap.State != model.StateAwaitingApproval {
		t.Fatalf("restored state = %s, want awaiting_approval", snap.State)
	}
	if len(snap.PendingToolCalls) != 1 || snap.PendingToolCalls[0].ID != "tc-1" {
		t.Fatalf("pending set not rebuilt: %+v", snap.PendingToolCalls)
	}

	// The rebuilt set is fully operational.
	h.llm.turns = []*scriptedTurn{{deltas: []string{"done"}, final: textFinal()}}
	if err := svc.ApproveToolCalls(ctx, c.ID, []string{"tc-1"}); err != nil {
		t.Fatalf("ApproveToolCalls after restart: %v", err)
	}
}
