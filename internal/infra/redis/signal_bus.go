// File: internal/infra/redis/signal_bus.go
package redis

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-context-service/internal/domain/model"
	"chat-context-service/internal/domain/ports/adapter"
)

// busEnvelope tags each published signal with the origin replica so a
// replica skips its own messages when they come back off the channel.
type busEnvelope struct {
	Origin uuid.UUID    `json:"origin"`
	Signal model.Signal `json:"signal"`
}

// SignalBus mirrors local signals onto a Redis pub/sub channel and feeds
// remote replicas' signals into the local hub. Wrap the hub with it when
// more than one replica serves the same storage.
type SignalBus struct {
	client  RedisClient
	channel string
	origin  uuid.UUID
	local   adapter.SignalPublisher
	log     *zerolog.Logger
}

var _ adapter.SignalPublisher = (*SignalBus)(nil)

func NewSignalBus(client RedisClient, channel string, local adapter.SignalPublisher, logger *zerolog.Logger) *SignalBus {
	return &SignalBus{
		client:  client,
		channel: channel,
		origin:  uuid.New(),
		local:   local,
		log:     logger,
	}
}

// Publish delivers locally first, then mirrors to the channel. A Redis
// failure only loses cross-replica delivery; remote clients recover via
// sequence-numbered pulls.
func (b *SignalBus) Publish(signal model.Signal) {
	b.local.Publish(signal)

	payload, err := json.Marshal(busEnvelope{Origin: b.origin, Signal: signal})
	if err != nil {
		b.log.Error().Err(err).Msg("encode signal envelope")
		return
	}
	if err := b.client.Publish(context.Background(), b.channel, payload); err != nil {
		b.log.Warn().Err(err).Msg("mirror signal to redis")
	}
}

// Run consumes remote signals until ctx is cancelled. Call in a goroutine.
func (b *SignalBus) Run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	b.log.Info().Str("channel", b.channel).Msg("signal bus listening")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env busEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Msg("bad signal envelope on bus")
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.local.Publish(env.Signal)
		}
	}
}
