package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/consentvault/internal/consent"
	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/pkg/models"
)

// RequestCreateHandler handles POST /v1/consent/requests
func (s *Server) RequestCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string       `json:"owner_id"`
		Scope   models.Scope `json:"scope"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cr, err := s.consent.RequestAccess(r.Context(), actorFrom(r).ID, req.OwnerID, req.Scope)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": cr})
}

// RequestListHandler handles GET /v1/consent/requests?role=owner|requester&status=
func (s *Server) RequestListHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	q := r.URL.Query()
	filter := storage.RequestFilter{Status: models.RequestStatus(q.Get("status"))}
	switch q.Get("role") {
	case "", "owner":
		filter.OwnerID = actor.ID
	case "requester":
		filter.RequesterID = actor.ID
	default:
		writeError(w, http.StatusBadRequest, "role must be owner or requester")
		return
	}
	reqs, err := s.consent.ListRequests(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": reqs})
}

// RequestReadHandler handles GET /v1/consent/requests/{id}
func (s *Server) RequestReadHandler(w http.ResponseWriter, r *http.Request) {
	cr, err := s.consent.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if actor := actorFrom(r); actor.ID != cr.OwnerID && actor.ID != cr.RequesterID {
		writeErr(w, r, consent.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": cr})
}

// RequestGrantHandler handles POST /v1/consent/requests/{id}/grant
func (s *Server) RequestGrantHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope *models.Scope `json:"scope"`
		TTL   string        `json:"ttl"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	ttl, err := parseTTL(req.TTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := s.consent.Grant(r.Context(), chi.URLParam(r, "id"), actorFrom(r).ID, req.Scope, ttl)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": g})
}

// RequestDenyHandler handles POST /v1/consent/requests/{id}/deny
func (s *Server) RequestDenyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := s.consent.Deny(r.Context(), id, actorFrom(r).ID, req.Reason); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.RequestDenied})
}

// GrantListHandler handles GET /v1/consent/grants?role=owner|grantee&status=
func (s *Server) GrantListHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	q := r.URL.Query()
	filter := storage.GrantFilter{Status: models.GrantStatus(q.Get("status"))}
	switch q.Get("role") {
	case "", "owner":
		filter.OwnerID = actor.ID
	case "grantee":
		filter.GranteeID = actor.ID
	default:
		writeError(w, http.StatusBadRequest, "role must be owner or grantee")
		return
	}
	gs, err := s.consent.ListGrants(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": gs})
}

// GrantReadHandler handles GET /v1/consent/grants/{id}
func (s *Server) GrantReadHandler(w http.ResponseWriter, r *http.Request) {
	g, err := s.consent.GetGrant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if actor := actorFrom(r); actor.ID != g.OwnerID && actor.ID != g.GranteeID && actor.ID != g.IssuedBy {
		writeErr(w, r, consent.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": g})
}

// GrantRevokeHandler handles POST /v1/consent/grants/{id}/revoke
func (s *Server) GrantRevokeHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.consent.Revoke(r.Context(), id, actorFrom(r).ID); err != nil {
		writeErr(w, r, err)
		return
	}
	g, err := s.consent.GetGrant(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": g})
}

// EmergencyGrantHandler handles POST /v1/consent/emergency
func (s *Server) EmergencyGrantHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID   string `json:"owner_id"`
		GranteeID string `json:"grantee_id"`
		TTL       string `json:"ttl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ttl, err := parseTTL(req.TTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := s.consent.IssueEmergency(r.Context(), actorFrom(r).ID, req.OwnerID, req.GranteeID, ttl)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": g})
}
