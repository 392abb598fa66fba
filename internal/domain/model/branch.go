package model

import "github.com/google/uuid"

// MainBranch is created implicitly on first use.
const MainBranch = "main"

// Branch is a named, ordered line of conversation history. It holds message
// ids only; bodies live in the owning context's pool, so forking never
// copies message content.
type Branch struct {
	Name       string      `json:"name"`
	MessageIDs []uuid.UUID `json:"message_ids"`

	// ParentBranch and ForkIndex record where this branch split off.
	// Empty/zero for branches created from scratch.
	ParentBranch string `json:"parent_branch,omitempty"`
	ForkIndex    int    `json:"fork_index,omitempty"`
}

func NewBranch(name string) *Branch {
	return &Branch{Name: name}
}

func (b *Branch) Len() int { return len(b.MessageIDs) }

func (b *Branch) LastMessageID() (uuid.UUID, bool) {
	if len(b.MessageIDs) == 0 {
		return uuid.Nil, false
	}
	return b.MessageIDs[len(b.MessageIDs)-1], true
}
