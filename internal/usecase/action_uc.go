// File: internal/usecase/action_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-context-service/internal/domain"
	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/adapter"
	"chat-context-service/internal/infra/logging"
	"chat-context-service/internal/infra/metrics"
)

// Compile-time check
var _ ActionService = (*actionSvc)(nil)

// FileInput is a file the user attached to a message.
type FileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// StateSnapshot is the externally visible state of one context.
type StateSnapshot struct {
	ContextID        uuid.UUID               `json:"context_id"`
	State            model.State             `json:"state"`
	ActiveBranch     string                  `json:"active_branch"`
	Branches         []string                `json:"branches"`
	MessageCount     int                     `json:"message_count"`
	PendingToolCalls []model.ToolCallRequest `json:"pending_tool_calls,omitempty"`
}

// ChunkPage is an incremental read of one message's content.
type ChunkPage struct {
	MessageID    uuid.UUID           `json:"message_id"`
	Completed    bool                `json:"completed"`
	Content      string              `json:"content,omitempty"`
	Chunks       []model.StreamChunk `json:"chunks,omitempty"`
	LastSequence int64               `json:"last_sequence"`
}

// ActionService is the single entry point for everything a client does to a
// context. Each call locks the target context for its whole duration, so
// concurrent callers serialize per context.
type ActionService interface {
	CreateContext(ctx context.Context, modelID, mode string) (*model.Context, error)
	DeleteContext(ctx context.Context, contextID uuid.UUID) error
	ListContexts(ctx context.Context) ([]uuid.UUID, error)
	ListModels(ctx context.Context) ([]string, error)

	// SendMessage runs one full turn: record the user input, stream the
	// model's reply and run approved tools until the turn settles in idle
	// or awaiting_approval. Returns the assistant message id.
	SendMessage(ctx context.Context, contextID uuid.UUID, text string, files []FileInput) (uuid.UUID, error)

	ApproveToolCalls(ctx context.Context, contextID uuid.UUID, callIDs []string) error
	DenyToolCalls(ctx context.Context, contextID uuid.UUID, callIDs []string) error

	// Abort cancels the in-flight turn, keeping any partial streamed text.
	Abort(ctx context.Context, contextID uuid.UUID) error

	GetState(ctx context.Context, contextID uuid.UUID) (*StateSnapshot, error)
	ActiveMessages(ctx context.Context, contextID uuid.UUID) ([]*model.Message, error)

	// MessageChunks returns the chunks of a streaming message after the
	// given sequence (-1 means from the beginning).
	MessageChunks(ctx context.Context, contextID, messageID uuid.UUID, after int64) (*ChunkPage, error)

	ForkBranch(ctx context.Context, contextID uuid.UUID, source, newName string) error
	SwitchBranch(ctx context.Context, contextID uuid.UUID, name string) error
}

type actionSvc struct {
	sessions    *SessionManager
	llm         adapter.LLMAdapter
	tools       adapter.ToolExecutor
	signals     adapter.SignalPublisher
	log         *zerolog.Logger
	maxAutoLoop int
}

func NewActionService(
	sessions *SessionManager,
	llm adapter.LLMAdapter,
	tools adapter.ToolExecutor,
	signals adapter.SignalPublisher,
	maxAutoLoop int,
	logger *zerolog.Logger,
) *actionSvc {
	if signals == nil {
		signals = adapter.NopPublisher{}
	}
	if maxAutoLoop <= 0 {
		maxAutoLoop = 8
	}
	return &actionSvc{
		sessions:    sessions,
		llm:         llm,
		tools:       tools,
		signals:     signals,
		log:         logger,
		maxAutoLoop: maxAutoLoop,
	}
}

func (s *actionSvc) CreateContext(ctx context.Context, modelID, mode string) (*model.Context, error) {
	c, err := s.sessions.Create(ctx, modelID, mode)
	if err != nil {
		return nil, err
	}
	s.signals.Publish(model.StateChangedSignal(c.ID, c.State))
	return c, nil
}

func (s *actionSvc) DeleteContext(ctx context.Context, contextID uuid.UUID) error {
	if err := s.sessions.Delete(ctx, contextID); err != nil {
		return err
	}
	s.signals.Publish(model.ContextDeletedSignal(contextID))
	return nil
}

func (s *actionSvc) ListContexts(ctx context.Context) ([]uuid.UUID, error) {
	return s.sessions.ListContexts(ctx)
}

func (s *actionSvc) ListModels(ctx context.Context) ([]string, error) {
	return s.llm.ListModels(ctx)
}

func (s *actionSvc) SendMessage(ctx context.Context, contextID uuid.UUID, text string, files []FileInput) (uuid.UUID, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return uuid.Nil, domain.ErrInvalidArgument
	}
	ctx = logging.WithContextID(ctx, contextID.String())
	log := logging.With(ctx, s.log)
	defer logging.TraceDuration(log, "ActionService.SendMessage")()

	h, err := s.sessions.Acquire(ctx, contextID)
	if err != nil {
		return uuid.Nil, err
	}
	c := h.Lock()
	defer h.Unlock()

	if c.InFlight() {
		return uuid.Nil, fmt.Errorf("context %s is %s: %w", contextID, c.State, domain.ErrInvalidTransition)
	}

	// Abort reaches a running turn through this cancel func.
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.SetInflight(cancel)
	defer h.ClearInflight()

	s.apply(c, model.EventUserMessage)
	if text != "" {
		s.addMessage(c, model.NewTextMessage(model.RoleUser, text, model.SourceUserInput))
	}
	s.apply(c, model.EventMessageProcessed)
	for _, f := range files {
		s.addMessage(c, model.NewFileRefMessage(f.Path, f.Content, f.Size))
	}
	s.apply(c, model.EventReferencesResolved)

	// The user's input must be durable before the model runs.
	if err := s.sessions.Save(ctx, c); err != nil {
		s.apply(c, model.EventFailure)
		return uuid.Nil, fmt.Errorf("persist user message: %w", err)
	}

	return s.runTurn(turnCtx, c, log)
}

// runTurn drives the model/tool loop until the turn settles. The caller
// holds the context lock. turnCtx is the abortable context for provider
// calls.
func (s *actionSvc) runTurn(turnCtx context.Context, c *model.Context, log *zerolog.Logger) (uuid.UUID, error) {
	var lastAssistant uuid.UUID

	for hop := 0; hop < s.maxAutoLoop; hop++ {
		s.apply(c, model.EventRequestPrepared)

		msgs := flattenForLLM(c)
		var specs []adapter.ToolSpec
		if s.tools != nil {
			specs = s.tools.List(turnCtx)
		}

		streamMsg := model.NewStreamingMessage(c.Config.ModelID)
		s.addMessage(c, streamMsg)
		lastAssistant = streamMsg.ID
		s.apply(c, model.EventStreamStarted)
		s.saveBestEffort(turnCtx, c, log)

		final, err := s.llm.Stream(turnCtx, c.Config.ModelID, msgs, specs, func(delta string) error {
			seq, err := c.AppendStreamingChunk(streamMsg.ID, delta)
			if err != nil {
				return err
			}
			c.Apply(model.EventChunkReceived)
			s.saveBestEffort(turnCtx, c, log)
			s.signals.Publish(model.ContentDeltaSignal(c.ID, streamMsg.ID, seq))
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return lastAssistant, s.finishAborted(c, streamMsg.ID, log)
			}
			return lastAssistant, s.finishFailed(c, streamMsg.ID, err, log)
		}

		finishReason := final.FinishReason
		if len(final.ToolCalls) > 0 {
			finishReason = "tool_calls"
		}
		if err := c.FinalizeStreaming(streamMsg.ID, finishReason, final.Usage); err != nil {
			log.Warn().Err(err).Msg("finalize streaming")
		}
		s.apply(c, model.EventStreamEnded)
		s.saveBestEffort(turnCtx, c, log)
		s.signals.Publish(model.MessageCompletedSignal(c.ID, streamMsg.ID, streamMsg.Streaming().CurrentSequence()))

		if len(final.ToolCalls) == 0 {
			s.apply(c, model.EventTurnCompleted)
			return lastAssistant, s.sessions.Save(turnCtx, c)
		}

		requests := toToolRequests(final.ToolCalls)
		s.addMessage(c, model.NewToolRequestMessage(requests))
		c.SetPendingToolCalls(requests)

		if s.anyNeedsApproval(requests) {
			s.apply(c, model.EventToolCallsDetected)
			return lastAssistant, s.sessions.Save(turnCtx, c)
		}

		// Whole batch is auto-approved: execute and loop back to the model.
		taken, err := c.TakePendingToolCalls(idsOf(requests), model.ApprovalApproved)
		if err != nil {
			return lastAssistant, s.finishFailed(c, uuid.Nil, err, log)
		}
		s.apply(c, model.EventToolsAutoApproved)
		s.executeTools(turnCtx, c, taken)
		s.apply(c, model.EventToolsExecuted)
		s.apply(c, model.EventResultsCollected)
		s.saveBestEffort(turnCtx, c, log)
	}

	// Loop bound hit: surface it instead of spinning on tools forever.
	return lastAssistant, s.finishFailed(c, uuid.Nil, fmt.Errorf("tool loop exceeded %d rounds", s.maxAutoLoop), log)
}

func (s *actionSvc) ApproveToolCalls(ctx context.Context, contextID uuid.UUID, callIDs []string) error {
	return s.resolveToolCalls(ctx, contextID, callIDs, model.ApprovalApproved)
}

func (s *actionSvc) DenyToolCalls(ctx context.Context, contextID uuid.UUID, callIDs []string) error {
	return s.resolveToolCalls(ctx, contextID, callIDs, model.ApprovalDenied)
}

// resolveToolCalls applies a user decision to pending calls. Approved calls
// execute immediately; denied calls are recorded as error results so the
// model sees the refusal. The turn resumes once no calls remain pending.
func (s *actionSvc) resolveToolCalls(ctx context.Context, contextID uuid.UUID, callIDs []string, status model.ApprovalStatus) error {
	ctx = logging.WithContextID(ctx, contextID.String())
	log := logging.With(ctx, s.log)

	h, err := s.sessions.Acquire(ctx, contextID)
	if err != nil {
		return err
	}
	c := h.Lock()
	defer h.Unlock()

	if c.State != model.StateAwaitingApproval {
		return fmt.Errorf("context %s is %s: %w", contextID, c.State, domain.ErrInvalidTransition)
	}

	taken, err := c.TakePendingToolCalls(callIDs, status)
	if err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.SetInflight(cancel)
	defer h.ClearInflight()

	if status == model.ApprovalApproved {
		s.executeTools(turnCtx, c, taken)
	} else {
		for _, r := range taken {
			metrics.IncToolCall(r.ToolName, "denied")
			s.addMessage(c, model.NewToolResultMessage(model.ToolCallResult{
				RequestID: r.ID,
				ToolName:  r.ToolName,
				IsError:   true,
				Error:     "denied by user",
			}))
		}
	}

	if len(c.PendingToolCalls()) > 0 {
		// Part of the batch is still undecided; stay in awaiting_approval.
		return s.sessions.Save(ctx, c)
	}

	if status == model.ApprovalApproved {
		s.apply(c, model.EventToolCallsApproved)
		s.apply(c, model.EventToolsExecuted)
	} else {
		s.apply(c, model.EventToolCallsDenied)
	}
	s.apply(c, model.EventResultsCollected)
	s.saveBestEffort(turnCtx, c, log)

	_, err = s.runTurn(turnCtx, c, log)
	return err
}

func (s *actionSvc) Abort(ctx context.Context, contextID uuid.UUID) error {
	h, err := s.sessions.Acquire(ctx, contextID)
	if err != nil {
		return err
	}
	if h.AbortInflight() {
		// The running turn observes the cancellation and finishes the
		// bookkeeping itself.
		return nil
	}

	c := h.Lock()
	defer h.Unlock()
	if !c.InFlight() {
		return nil // nothing to abort
	}
	// A non-running in-flight state (awaiting_approval after a restart).
	c.ClearPendingToolCalls()
	s.addMessage(c, model.NewCancellationMessage("Turn aborted by user"))
	s.apply(c, model.EventAborted)
	return s.sessions.Save(ctx, c)
}

func (s *actionSvc) GetState(ctx context.Context, contextID uuid.UUID) (*StateSnapshot, error) {
	h, err := s.sessions.Acquire(ctx, contextID)
	if err != nil {
		return nil, err
	}
	c := h.Lock()
	defer h.Unlock()

	branches := make([]string, 0, len(c.Branches))
	for name := range c.Branches {
		branches = append(branches, name)
	}
	return &StateSnapshot{
		ContextID:        c.ID,
		State:            c.State,
		ActiveBranch:     c.Active,
		Branches:         branches,
		MessageCount:     c.MessageCount(),
		PendingToolCalls: c.PendingToolCalls(),
	}, nil
}

func (s *actionSvc) ActiveMessages(ctx context.Context, contextID uuid.UUID) ([]*model.Message, error) {
	h, err := s.sessions.Acquire(ctx, contextID)
	if err != nil {
		return nil, err
	}
	c := h.Lock()
	defer h.Unlock()
	return c.ActiveBranchMessages(), nil
}

func (s *actionSvc) MessageChunks(ctx context.Context, contextID, messageID uuid.UUID, after int64) (*ChunkPage, error) {
	h, err := s.sessions.Acquire(ctx, contextID)
	if err != nil {
		return nil, err
	}
	c := h.Lock()
	defer h.Unlock()

	m, ok := c.Message(messageID)
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrMessageNotFound)
	}
	stream := m.Streaming()
	if stream == nil {
		// Non-streaming messages are always complete; return the flat text.
		return &ChunkPage{
			MessageID:    messageID,
			Completed:    true,
			Content:      m.Text(),
			LastSequence: -1,
		}, nil
	}
	return &ChunkPage{
		MessageID:    messageID,
		Completed:    stream.Completed(),
		Chunks:       stream.ChunksAfter(after),
		LastSequence: stream.CurrentSequence(),
	}, nil
}

func (s *actionSvc) ForkBranch(ctx context.Context, contextID uuid.UUID, source, newName string) error {
	h, err := s.sessions.Acquire(ctx, contextID)
	if err != nil {
		return err
	}
	c := h.Lock()
	defer h.Unlock()
	if err := c.ForkBranch(source, newName); err != nil {
		return err
	}
	return s.sessions.Save(ctx, c)
}

func (s *actionSvc) SwitchBranch(ctx context.Context, contextID uuid.UUID, name string) error {
	h, err := s.sessions.Acquire(ctx, contextID)
	if err != nil {
		return err
	}
	c := h.Lock()
	defer h.Unlock()
	if err := c.SwitchBranch(name); err != nil {
		return err
	}
	return s.sessions.Save(ctx, c)
}

// ---- internals ----

// apply fires the event, publishes the resulting state and counts it.
func (s *actionSvc) apply(c *model.Context, ev model.Event) {
	before := c.State
	if !c.Apply(ev) {
		s.log.Error().Str("state", string(before)).Str("event", string(ev)).Msg("rejected state transition")
		return
	}
	if c.State != before {
		metrics.IncTransition(string(c.State))
		s.signals.Publish(model.StateChangedSignal(c.ID, c.State))
	}
}

func (s *actionSvc) addMessage(c *model.Context, msg *model.Message) {
	if _, err := c.AddMessage("", msg); err != nil {
		s.log.Error().Err(err).Msg("add message")
		return
	}
	s.signals.Publish(model.MessageCreatedSignal(c.ID, msg.ID, msg.Role))
}

// saveBestEffort flushes mid-turn progress. A failure keeps the dirty flags
// set, so the next save picks the changes up again.
func (s *actionSvc) saveBestEffort(ctx context.Context, c *model.Context, log *zerolog.Logger) {
	if err := s.sessions.Save(ctx, c); err != nil {
		log.Warn().Err(err).Msg("mid-turn save failed, will retry on next save")
	}
}

func (s *actionSvc) finishAborted(c *model.Context, streamID uuid.UUID, log *zerolog.Logger) error {
	// Keep whatever streamed before the abort.
	if streamID != uuid.Nil {
		if err := c.FinalizeStreaming(streamID, "aborted", nil); err == nil {
			if stream, ok := c.Message(streamID); ok && stream.Streaming() != nil {
				s.signals.Publish(model.MessageCompletedSignal(c.ID, streamID, stream.Streaming().CurrentSequence()))
			}
		}
	}
	c.ClearPendingToolCalls()
	s.addMessage(c, model.NewCancellationMessage("Turn aborted by user"))
	s.apply(c, model.EventAborted)
	return s.sessions.Save(context.Background(), c)
}

func (s *actionSvc) finishFailed(c *model.Context, streamID uuid.UUID, cause error, log *zerolog.Logger) error {
	log.Error().Err(cause).Msg("turn failed")
	if streamID != uuid.Nil {
		_ = c.FinalizeStreaming(streamID, "error", nil)
	}
	c.ClearPendingToolCalls()
	s.addMessage(c, model.NewErrorMessage(cause.Error()))
	s.apply(c, model.EventFailure)
	if err := s.sessions.Save(context.Background(), c); err != nil {
		log.Warn().Err(err).Msg("save after failure")
	}
	return cause
}

func (s *actionSvc) executeTools(ctx context.Context, c *model.Context, requests []model.ToolCallRequest) {
	for _, r := range requests {
		result, err := s.tools.Execute(ctx, r.ToolName, r.Arguments)
		res := model.ToolCallResult{RequestID: r.ID, ToolName: r.ToolName, Result: result}
		if err != nil {
			res.IsError = true
			res.Error = err.Error()
			res.Result = nil
			metrics.IncToolCall(r.ToolName, "error")
		} else {
			metrics.IncToolCall(r.ToolName, "ok")
		}
		s.addMessage(c, model.NewToolResultMessage(res))
	}
}

func (s *actionSvc) anyNeedsApproval(requests []model.ToolCallRequest) bool {
	if s.tools == nil {
		return true
	}
	for _, r := range requests {
		if s.tools.RequiresApproval(r.ToolName) {
			return true
		}
	}
	return false
}

func toToolRequests(calls []adapter.ToolInvocation) []model.ToolCallRequest {
	out := make([]model.ToolCallRequest, 0, len(calls))
	for _, tc := range calls {
		id := tc.ID
		if id == "" {
			id = model.NewToolCallID()
		}
		out = append(out, model.ToolCallRequest{
			ID:        id,
			ToolName:  tc.ToolName,
			Arguments: tc.Arguments,
			Status:    model.ApprovalPending,
		})
	}
	return out
}

func idsOf(requests []model.ToolCallRequest) []string {
	out := make([]string, len(requests))
	for i, r := range requests {
		out[i] = r.ID
	}
	return out
}

// flattenForLLM converts the active branch into provider messages. Error
// and cancellation notices are UI artifacts and are not replayed.
func flattenForLLM(c *model.Context) []adapter.Message {
	var out []adapter.Message
	if prompt, ok := c.Config.Parameters["system_prompt"].(string); ok && prompt != "" {
		out = append(out, adapter.Message{Role: "system", Content: prompt})
	}
	for _, m := range c.ActiveBranchMessages() {
		if m.Metadata.Source == model.SourceError || m.Metadata.Source == model.SourceCancellation {
			continue
		}
		switch p := m.Payload.(type) {
		case model.ToolRequestPayload:
			calls := make([]adapter.ToolInvocation, 0, len(p.Requests))
			for _, r := range p.Requests {
				calls = append(calls, adapter.ToolInvocation{ID: r.ID, ToolName: r.ToolName, Arguments: r.Arguments})
			}
			out = append(out, adapter.Message{Role: "assistant", ToolCalls: calls})
		case model.ToolResultPayload:
			content := string(p.Result)
			if p.IsError {
				content = fmt.Sprintf(`{"error":%q}`, p.Error)
			}
			out = append(out, adapter.Message{Role: "tool", Content: content, ToolCallID: p.RequestID})
		default:
			text := m.Text()
			if text == "" {
				continue
			}
			out = append(out, adapter.Message{Role: string(m.Role), Content: text})
		}
	}
	return out
}
