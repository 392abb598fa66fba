// File: internal/infra/sync/hub.go
package sync

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/adapter"
	"chat-context-service/internal/infra/metrics"
)

const subscriberBuffer = 64

// Subscription is one attached listener. Receive from C; call Cancel when
// done. The channel is closed only by Cancel or a context-deleted signal.
type Subscription struct {
	C      <-chan model.Signal
	cancel func()
	once   sync.Once
}

func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

type subscriber struct {
	ch        chan model.Signal
	contextID uuid.UUID // uuid.Nil subscribes to everything
}

// Hub is the in-process fan-out for change signals. Delivery is best-effort:
// a full subscriber buffer drops the signal, and the subscriber catches up
// by pulling with its last seen sequence.
type Hub struct {
	mu   sync.Mutex
	subs map[uint64]*subscriber
	next uint64
	log  *zerolog.Logger
}

var _ adapter.SignalPublisher = (*Hub)(nil)

func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{subs: make(map[uint64]*subscriber), log: logger}
}

// Subscribe attaches a listener for one context's signals. Pass uuid.Nil to
// receive signals for every context.
func (h *Hub) Subscribe(contextID uuid.UUID) *Subscription {
	ch := make(chan model.Signal, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = &subscriber{ch: ch, contextID: contextID}
	h.mu.Unlock()
	metrics.AddSubscribers(1)

	return &Subscription{
		C: ch,
		cancel: func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
				metrics.AddSubscribers(-1)
			}
			h.mu.Unlock()
		},
	}
}

// Publish fans the signal out without blocking. Subscribers whose buffer is
// full simply miss it.
func (h *Hub) Publish(signal model.Signal) {
	metrics.IncSignal(string(signal.Kind))

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.contextID != uuid.Nil && sub.contextID != signal.ContextID {
			continue
		}
		select {
		case sub.ch <- signal:
		default:
			metrics.IncSignalDropped()
			h.log.Debug().
				Str("kind", string(signal.Kind)).
				Str("context_id", signal.ContextID.String()).
				Msg("subscriber buffer full, signal dropped")
		}
	}
}

// SubscriberCount reports attached listeners. For tests and diagnostics.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
