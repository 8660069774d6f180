package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ai-task-platform/internal/models"
	"ai-task-platform/internal/store"
)

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent models.Agent
	if !decodeBody(w, r, &agent) {
		return
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Status != "" {
		if _, err := models.ParseAgentStatus(string(agent.Status)); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	agent.CreatedAt, agent.UpdatedAt = time.Time{}, time.Time{}
	id, err := s.store.CreateAgent(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created, _, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, found, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AgentFilter{Type: q.Get("type")}
	if raw := q.Get("status"); raw != "" {
		st, err := models.ParseAgentStatus(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Status = st
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		s.writeError(w, r, &models.ValidationError{Field: "limit", Reason: err.Error()})
		return
	}
	f.Limit = limit

	agents, err := s.store.ListAgents(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

type updateAgentRequest struct {
	Name         *string        `json:"name"`
	Type         *string        `json:"type"`
	Status       *string        `json:"status"`
	Capabilities []string       `json:"capabilities"`
	Config       map[string]any `json:"config"`
	Metadata     map[string]any `json:"metadata"`
	LastActiveAt *time.Time     `json:"last_active_at"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req updateAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u := store.AgentUpdate{
		Name:         req.Name,
		Type:         req.Type,
		Capabilities: req.Capabilities,
		Config:       req.Config,
		Metadata:     req.Metadata,
	}
	if req.Status != nil {
		st, err := models.ParseAgentStatus(*req.Status)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		u.Status = &st
	}
	if req.LastActiveAt != nil {
		t := req.LastActiveAt.UTC().Truncate(time.Millisecond)
		u.LastActiveAt = &t
	}
	if err := s.store.UpdateAgent(r.Context(), chi.URLParam(r, "id"), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetAgent(w, r)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
