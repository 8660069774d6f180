package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"ai-task-platform/internal/models"
	"ai-task-platform/internal/store"
)

type createContextRequest struct {
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	CurrentMode string         `json:"current_mode"`
	Preferences map[string]any `json:"preferences"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req createContextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = userFromRequest(r)
	}
	c := models.NewContext(req.UserID)
	if req.SessionID != "" {
		c.SessionID = req.SessionID
	}
	if req.CurrentMode != "" {
		c.CurrentMode = req.CurrentMode
	}
	c.Preferences = req.Preferences
	c.Metadata = req.Metadata

	if _, err := s.store.CreateContext(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	c, found, err := s.store.GetContext(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type updateContextRequest struct {
	CurrentMode *string        `json:"current_mode"`
	Preferences map[string]any `json:"preferences"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	var req updateContextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.store.UpdateContext(r.Context(), chi.URLParam(r, "id"), store.ContextUpdate{
		CurrentMode: req.CurrentMode,
		Preferences: req.Preferences,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetContext(w, r)
}

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	var turn models.ConversationTurn
	if !decodeBody(w, r, &turn) {
		return
	}
	if err := s.store.AppendConversationTurn(r.Context(), chi.URLParam(r, "id"), turn); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetContext(w, r)
}

func (s *Server) handleAddContextAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeError(w, r, &models.ValidationError{Field: "agent_id", Reason: "must not be empty"})
		return
	}
	if err := s.store.AddActiveAgent(r.Context(), chi.URLParam(r, "id"), req.AgentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetContext(w, r)
}

func (s *Server) handleRemoveContextAgent(w http.ResponseWriter, r *http.Request) {
	err := s.store.RemoveActiveAgent(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetContext(w, r)
}
