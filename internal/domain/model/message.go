package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Source classifies how a message entered the conversation. The UI uses it
// to pick rendering (error banners, cancellation notices, etc.).
type Source string

const (
	SourceUserInput    Source = "user_input"
	SourceLLMResponse  Source = "llm_response"
	SourceToolResult   Source = "tool_result"
	SourceSystem       Source = "system"
	SourceError        Source = "error"
	SourceCancellation Source = "cancellation"
)

type PayloadKind string

const (
	KindText          PayloadKind = "text"
	KindFileReference PayloadKind = "file_reference"
	KindToolRequest   PayloadKind = "tool_request"
	KindToolResult    PayloadKind = "tool_result"
	KindStreaming     PayloadKind = "streaming_response"
	KindWorkflow      PayloadKind = "workflow_execution"
)

// Payload is the closed set of message content variants. The marker method
// keeps the set closed to this package so every consumer switch is
// checkable against the full list of kinds.
type Payload interface {
	Kind() PayloadKind
}

type TextPayload struct {
	Content string `json:"content"`
	// DisplayText overrides Content for rendering (e.g. shortened file refs).
	DisplayText string `json:"display_text,omitempty"`
}

func (TextPayload) Kind() PayloadKind { return KindText }

type FileRefPayload struct {
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Resolved  bool   `json:"resolved"`
}

func (FileRefPayload) Kind() PayloadKind { return KindFileReference }

type ToolRequestPayload struct {
	Requests []ToolCallRequest `json:"requests"`
}

func (ToolRequestPayload) Kind() PayloadKind { return KindToolRequest }

type ToolResultPayload struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (ToolResultPayload) Kind() PayloadKind { return KindToolResult }

type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
)

type WorkflowPayload struct {
	WorkflowName string          `json:"workflow_name"`
	Status       WorkflowStatus  `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
}

func (WorkflowPayload) Kind() PayloadKind { return KindWorkflow }

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Metadata struct {
	CreatedAt    time.Time                  `json:"created_at"`
	Source       Source                     `json:"source,omitempty"`
	Usage        *TokenUsage                `json:"usage,omitempty"`
	DisplayHints map[string]string          `json:"display_hints,omitempty"`
	Extra        map[string]json.RawMessage `json:"extra,omitempty"`
}

// Message is one unit of conversation content. Its id is stable for its
// lifetime. A streaming message mutates in place (chunk list grows) until
// finalized; every other payload is immutable once added to the pool.
type Message struct {
	ID       uuid.UUID
	Role     Role
	Payload  Payload
	Metadata Metadata

	// ParentID links to the message this one was created after, used for
	// branch fork visualization. Nil for the first message of a branch.
	ParentID *uuid.UUID
}

func newMessage(role Role, payload Payload, source Source) *Message {
	return &Message{
		ID:      uuid.New(),
		Role:    role,
		Payload: payload,
		Metadata: Metadata{
			CreatedAt: time.Now().UTC(),
			Source:    source,
		},
	}
}

func NewTextMessage(role Role, content string, source Source) *Message {
	return newMessage(role, TextPayload{Content: content}, source)
}

func NewFileRefMessage(path, content string, size int64) *Message {
	return newMessage(RoleUser, FileRefPayload{Path: path, Content: content, SizeBytes: size, Resolved: true}, SourceUserInput)
}

func NewStreamingMessage(modelID string) *Message {
	return newMessage(RoleAssistant, NewStreamingPayload(modelID), SourceLLMResponse)
}

func NewToolRequestMessage(requests []ToolCallRequest) *Message {
	return newMessage(RoleAssistant, ToolRequestPayload{Requests: requests}, SourceLLMResponse)
}

func NewToolResultMessage(result ToolCallResult) *Message {
	return newMessage(RoleTool, ToolResultPayload{
		RequestID: result.RequestID,
		ToolName:  result.ToolName,
		Result:    result.Result,
		IsError:   result.IsError,
		Error:     result.Error,
	}, SourceToolResult)
}

func NewErrorMessage(description string) *Message {
	return newMessage(RoleAssistant, TextPayload{Content: description}, SourceError)
}

func NewCancellationMessage(description string) *Message {
	return newMessage(RoleAssistant, TextPayload{Content: description}, SourceCancellation)
}

// Streaming returns the streaming payload, or nil when the message is not a
// streaming response.
func (m *Message) Streaming() *StreamingPayload {
	if p, ok := m.Payload.(*StreamingPayload); ok {
		return p
	}
	return nil
}

// Text flattens the payload into the plain text handed to the LLM.
func (m *Message) Text() string {
	switch p := m.Payload.(type) {
	case TextPayload:
		return p.Content
	case FileRefPayload:
		return fmt.Sprintf("File %s:\n%s", p.Path, p.Content)
	case *StreamingPayload:
		return p.Content
	case ToolResultPayload:
		if p.IsError {
			return fmt.Sprintf("Tool %s failed: %s", p.ToolName, p.Error)
		}
		return string(p.Result)
	case ToolRequestPayload:
		b, _ := json.Marshal(p.Requests)
		return string(b)
	case WorkflowPayload:
		return fmt.Sprintf("Workflow %s: %s", p.WorkflowName, p.Status)
	}
	return ""
}

type messageEnvelope struct {
	ID       uuid.UUID       `json:"id"`
	Role     Role            `json:"role"`
	Kind     PayloadKind     `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`
	ParentID *uuid.UUID      `json:"parent_id,omitempty"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(messageEnvelope{
		ID:       m.ID,
		Role:     m.Role,
		Kind:     m.Payload.Kind(),
		Payload:  payload,
		Metadata: m.Metadata,
		ParentID: m.ParentID,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	m.ID = env.ID
	m.Role = env.Role
	m.Payload = payload
	m.Metadata = env.Metadata
	m.ParentID = env.ParentID
	return nil
}

func decodePayload(kind PayloadKind, data json.RawMessage) (Payload, error) {
	var p Payload
	var err error
	switch kind {
	case KindText:
		var v TextPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindFileReference:
		var v FileRefPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindToolRequest:
		var v ToolRequestPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindToolResult:
		var v ToolResultPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindStreaming:
		v := &StreamingPayload{}
		err = json.Unmarshal(data, v)
		p = v
	case KindWorkflow:
		var v WorkflowPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
