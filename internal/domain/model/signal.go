package model

import (
	"time"

	"github.com/google/uuid"
)

type SignalKind string

const (
	SignalStateChanged     SignalKind = "state_changed"
	SignalMessageCreated   SignalKind = "message_created"
	SignalContentDelta     SignalKind = "content_delta"
	SignalMessageCompleted SignalKind = "message_completed"
	SignalContextDeleted   SignalKind = "context_deleted"
)

// Signal is the lightweight change notification pushed to subscribers.
// It carries identity and a sequence number, never content: clients pull
// content separately and recover dropped signals from the sequence.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	ContextID uuid.UUID  `json:"context_id"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
	Sequence  *int64     `json:"sequence,omitempty"`
	State     State      `json:"state,omitempty"`
	Role      Role       `json:"role,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func StateChangedSignal(contextID uuid.UUID, state State) Signal {
	return Signal{Kind: SignalStateChanged, ContextID: contextID, State: state, Timestamp: time.Now().UTC()}
}

func MessageCreatedSignal(contextID, messageID uuid.UUID, role Role) Signal {
	id := messageID
	return Signal{Kind: SignalMessageCreated, ContextID: contextID, MessageID: &id, Role: role, Timestamp: time.Now().UTC()}
}

func ContentDeltaSignal(contextID, messageID uuid.UUID, sequence int64) Signal {
	id := messageID
	seq := sequence
	return Signal{Kind: SignalContentDelta, ContextID: contextID, MessageID: &id, Sequence: &seq, Timestamp: time.Now().UTC()}
}

func MessageCompletedSignal(contextID, messageID uuid.UUID, finalSequence int64) Signal {
	id := messageID
	seq := finalSequence
	return Signal{Kind: SignalMessageCompleted, ContextID: contextID, MessageID: &id, Sequence: &seq, Timestamp: time.Now().UTC()}
}

func ContextDeletedSignal(contextID uuid.UUID) Signal {
	return Signal{Kind: SignalContextDeleted, ContextID: contextID, Timestamp: time.Now().UTC()}
}
