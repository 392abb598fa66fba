package adapter

import "chat-context-service/internal/domain/model"

// SignalPublisher fans change signals out to subscribers. Publish is
// fire-and-forget and must never block the caller: a slow subscriber may
// miss signals, and recovers through sequence-numbered pulls.
type SignalPublisher interface {
	Publish(signal model.Signal)
}

// NopPublisher discards all signals. Used when no sync layer is wired.
type NopPublisher struct{}

func (NopPublisher) Publish(model.Signal) {}
