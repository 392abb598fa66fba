package domain

import "errors"

var (
	// Not-found family. Callers match with errors.Is.
	ErrContextNotFound = errors.New("context not found")
	ErrBranchNotFound  = errors.New("branch not found")
	ErrMessageNotFound = errors.New("message not found")

	ErrBranchExists = errors.New("branch already exists")

	// ErrNotStreaming is returned when a chunk append targets a message
	// whose payload is not a streaming response.
	ErrNotStreaming = errors.New("message is not a streaming response")

	// ErrInvalidTransition rejects an action that is not valid in the
	// context's current state. Conversation state is left untouched.
	ErrInvalidTransition = errors.New("action not valid in current state")

	// ErrToolCallNotPending rejects an approval referencing a tool call id
	// that is not in the pending approval set.
	ErrToolCallNotPending = errors.New("tool call is not pending approval")

	ErrInvalidArgument = errors.New("invalid argument")
)
