// File: internal/infra/web/server.go
package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chat-context-service/internal/infra/logging"
	infrasync "chat-context-service/internal/infra/sync"
	"chat-context-service/internal/usecase"
)

type Server struct {
	actions usecase.ActionService
	hub     *infrasync.Hub
	apiKey  string
	log     *zerolog.Logger
}

func NewServer(actions usecase.ActionService, hub *infrasync.Hub, apiKey string, logger *zerolog.Logger) *Server {
	return &Server{
		actions: actions,
		hub:     hub,
		apiKey:  apiKey,
		log:     logger,
	}
}

// Router builds the full route tree. Mutating routes sit behind the bearer
// key when one is configured; reads and the event stream stay open.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.traceMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.logMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/models", s.handleListModels)

		r.Route("/contexts", func(r chi.Router) {
			r.Get("/", s.handleListContexts)
			r.With(s.authMiddleware).Post("/", s.handleCreateContext)

			r.Route("/{contextID}", func(r chi.Router) {
				r.Get("/state", s.handleGetState)
				r.Get("/messages", s.handleListMessages)
				r.Get("/messages/{messageID}/chunks", s.handleMessageChunks)
				r.Get("/events", s.handleEvents)

				r.Group(func(r chi.Router) {
					r.Use(s.authMiddleware)
					r.Post("/messages", s.handleSendMessage)
					r.Post("/tool-approvals", s.handleToolApprovals)
					r.Post("/abort", s.handleAbort)
					r.Post("/branches", s.handleForkBranch)
					r.Put("/branches/active", s.handleSwitchBranch)
					r.Delete("/", s.handleDeleteContext)
				})
			})
		})
	})
	return r
}

// authMiddleware guards mutating routes with a static bearer key. An empty
// configured key disables the guard (local/dev runs).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || strings.ToLower(tokenParts[0]) != "bearer" {
			http.Error(w, "Unauthorized: Malformed token", http.StatusUnauthorized)
			return
		}
		if tokenParts[1] != s.apiKey {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(logging.WithTraceID(r.Context(), traceID)))
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.With(r.Context(), s.log).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
