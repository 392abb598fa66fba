package model

import (
	"encoding/json"

	"github.com/oklog/ulid/v2"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ToolCallRequest is a single tool invocation requested by the assistant.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    ApprovalStatus  `json:"status"`
}

// ToolCallResult is the outcome of executing one approved request.
type ToolCallResult struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewToolCallID returns a sortable id for a tool call request.
func NewToolCallID() string {
	return "tc_" + ulid.Make().String()
}
