package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/consentvault/pkg/models"
)

// PrincipalRegisterHandler handles POST /v1/principals
func (s *Server) PrincipalRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string               `json:"id"`
		DisplayName string               `json:"display_name"`
		Kind        models.PrincipalKind `json:"kind"`
		Active      *bool                `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p := &models.Principal{ID: req.ID, DisplayName: req.DisplayName, Kind: req.Kind, Active: true}
	if req.Active != nil {
		p.Active = *req.Active
	}
	if err := s.directory.Register(r.Context(), p); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": p})
}

// PrincipalListHandler handles GET /v1/principals
func (s *Server) PrincipalListHandler(w http.ResponseWriter, r *http.Request) {
	ps, err := s.directory.List(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": ps})
}

// PrincipalReadHandler handles GET /v1/principals/{id}
func (s *Server) PrincipalReadHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor := actorFrom(r)
	if !actor.IsOperator() && actor.ID != id {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}
	p, err := s.directory.Get(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": p})
}

// PrincipalSetActiveHandler handles PUT /v1/principals/{id}/active
func (s *Server) PrincipalSetActiveHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.directory.SetActive(r.Context(), id, req.Active); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}
