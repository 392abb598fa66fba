package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chat-context-service/internal/usecase"
)

// EvictionWorker periodically drops idle contexts from the session cache.
type EvictionWorker struct {
	interval time.Duration
	sessions *usecase.SessionManager
	log      *zerolog.Logger
}

func NewEvictionWorker(interval time.Duration, sessions *usecase.SessionManager, logger *zerolog.Logger) *EvictionWorker {
	evLog := logger.With().Str("component", "EvictionWorker").Logger()
	return &EvictionWorker{
		interval: interval,
		sessions: sessions,
		log:      &evLog,
	}
}

func (w *EvictionWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting eviction worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping eviction worker")
			return ctx.Err()
		case <-ticker.C:
			if n := w.sessions.EvictIdle(ctx); n > 0 {
				w.log.Info().Int("count", n).Msg("idle contexts evicted")
			}
		}
	}
}
