package model

// State is the processing phase of a context's current turn.
type State string

const (
	// StateIdle accepts new user input; it is the only state from which a
	// turn may start and the state every turn eventually returns to.
	StateIdle State = "idle"

	StateProcessingUserMessage State = "processing_user_message"
	StateResolvingReferences   State = "resolving_references"
	StatePreparingRequest      State = "preparing_request"
	StateAwaitingResponse      State = "awaiting_response"
	StateStreamingResponse     State = "streaming_response"
	StateParsingToolCalls      State = "parsing_tool_calls"
	StateAwaitingApproval      State = "awaiting_approval"
	StateExecutingTools        State = "executing_tools"
	StateCollectingToolResults State = "collecting_tool_results"
)

// Event triggers a state transition.
type Event string

const (
	EventUserMessage        Event = "user_message"
	EventMessageProcessed   Event = "message_processed"
	EventReferencesResolved Event = "references_resolved"
	EventRequestPrepared    Event = "request_prepared"
	EventStreamStarted      Event = "stream_started"
	EventChunkReceived      Event = "chunk_received"
	EventStreamEnded        Event = "stream_ended"

	// Emitted from parsing_tool_calls depending on what the response held.
	EventToolCallsDetected Event = "tool_calls_detected"     // requires approval
	EventToolCallsApproved Event = "tool_calls_approved"     // user approved pending calls
	EventToolCallsDenied   Event = "tool_calls_denied"       // user denied pending calls
	EventToolsAutoApproved Event = "tool_calls_auto_approved"
	EventToolsExecuted     Event = "tools_executed"
	EventResultsCollected  Event = "results_collected"
	EventTurnCompleted     Event = "turn_completed"

	// EventFailure and EventAborted are valid from any in-flight state and
	// return the context to idle.
	EventFailure Event = "failure"
	EventAborted Event = "aborted"
)

// Apply transitions the context per the event. Events that are not valid
// in the current state leave it unchanged and report false. A fired
// transition marks the context dirty since the state is persisted.
func (c *Context) Apply(ev Event) bool {
	next, ok := transition(c.State, ev)
	if !ok {
		return false
	}
	if next != c.State {
		c.State = next
		c.MarkDirty()
	}
	return true
}

// InFlight reports whether a turn is currently being processed.
func (c *Context) InFlight() bool { return c.State != StateIdle }

func transition(s State, ev Event) (State, bool) {
	// Failure and abort collapse any in-flight turn back to idle.
	if ev == EventFailure || ev == EventAborted {
		if s == StateIdle {
			return s, false
		}
		return StateIdle, true
	}

	switch s {
	case StateIdle:
		if ev == EventUserMessage {
			return StateProcessingUserMessage, true
		}
	case StateProcessingUserMessage:
		if ev == EventMessageProcessed {
			return StateResolvingReferences, true
		}
	case StateResolvingReferences:
		if ev == EventReferencesResolved {
			return StatePreparingRequest, true
		}
	case StatePreparingRequest:
		if ev == EventRequestPrepared {
			return StateAwaitingResponse, true
		}
	case StateAwaitingResponse:
		switch ev {
		case EventStreamStarted:
			return StateStreamingResponse, true
		case EventStreamEnded: // provider produced no deltas
			return StateParsingToolCalls, true
		}
	case StateStreamingResponse:
		switch ev {
		case EventChunkReceived:
			return StateStreamingResponse, true
		case EventStreamEnded:
			return StateParsingToolCalls, true
		}
	case StateParsingToolCalls:
		switch ev {
		case EventTurnCompleted:
			return StateIdle, true
		case EventToolCallsDetected:
			return StateAwaitingApproval, true
		case EventToolsAutoApproved:
			return StateExecutingTools, true
		}
	case StateAwaitingApproval:
		switch ev {
		case EventToolCallsApproved:
			return StateExecutingTools, true
		case EventToolCallsDenied:
			// Denials are recorded as tool results so the model can react.
			return StateCollectingToolResults, true
		}
	case StateExecutingTools:
		if ev == EventToolsExecuted {
			return StateCollectingToolResults, true
		}
	case StateCollectingToolResults:
		if ev == EventResultsCollected {
			return StatePreparingRequest, true
		}
	}
	return s, false
}
