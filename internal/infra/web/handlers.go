// File: internal/infra/web/handlers.go
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chat-context-service/internal/domain"
	"chat-context-service/internal/usecase"
)

type createContextRequest struct {
	ModelID string `json:"model_id"`
	Mode    string `json:"mode"`
}

type sendMessageRequest struct {
	Text  string              `json:"text"`
	Files []usecase.FileInput `json:"files,omitempty"`
}

type toolApprovalRequest struct {
	Decision string   `json:"decision"` // "approve" | "deny"
	CallIDs  []string `json:"call_ids"`
}

type forkBranchRequest struct {
	Source  string `json:"source"`
	NewName string `json:"new_name"`
}

type switchBranchRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.actions.ListModels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	ids, err := s.actions.ListContexts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": ids})
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req createContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = "chat"
	}

	c, err := s.actions.CreateContext(r.Context(), req.ModelID, req.Mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"context_id": c.ID,
		"state":      c.State,
		"config":     c.Config,
	})
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	if err := s.actions.DeleteContext(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	snap, err := s.actions.GetState(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	msgs, err := s.actions.ActiveMessages(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msgID, err := s.actions.SendMessage(r.Context(), id, req.Text, req.Files)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": msgID})
}

func (s *Server) handleToolApprovals(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	var req toolApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Decision {
	case "approve":
		err = s.actions.ApproveToolCalls(r.Context(), id, req.CallIDs)
	case "deny":
		err = s.actions.DenyToolCalls(r.Context(), id, req.CallIDs)
	default:
		http.Error(w, `decision must be "approve" or "deny"`, http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snap, err := s.actions.GetState(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	if err := s.actions.Abort(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMessageChunks(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	msgID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		http.Error(w, "Invalid message id", http.StatusBadRequest)
		return
	}

	// from_sequence is the last sequence the client consumed; -1 (the
	// default) pulls everything.
	after := int64(-1)
	if q := r.URL.Query().Get("from_sequence"); q != "" {
		after, err = strconv.ParseInt(q, 10, 64)
		if err != nil {
			http.Error(w, "Invalid from_sequence", http.StatusBadRequest)
			return
		}
	}

	page, err := s.actions.MessageChunks(r.Context(), id, msgID, after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleForkBranch(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	var req forkBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.actions.ForkBranch(r.Context(), id, req.Source, req.NewName); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSwitchBranch(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	var req switchBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.actions.SwitchBranch(r.Context(), id, req.Name); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

func contextID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "contextID"))
	if err != nil {
		http.Error(w, "Invalid context id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrContextNotFound),
		errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrBranchNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrBranchExists),
		errors.Is(err, domain.ErrToolCallNotPending):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
