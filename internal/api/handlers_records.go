package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/consentvault/internal/crypto"
	"github.com/org/consentvault/internal/gateway"
	"github.com/org/consentvault/pkg/models"
)

// VaultInitHandler handles POST /v1/vaults
func (s *Server) VaultInitHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	actor := actorFrom(r)
	if req.OwnerID == "" && !actor.IsOperator() {
		req.OwnerID = actor.ID
	}
	if !actor.IsOperator() && req.OwnerID != actor.ID {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}
	active, err := s.directory.IsActive(r.Context(), req.OwnerID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !active {
		writeErr(w, r, gateway.ErrUnknownPrincipal)
		return
	}
	if err := s.vault.InitVault(r.Context(), req.OwnerID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": req.OwnerID, "initialized": true})
}

// VaultStatusHandler handles GET /v1/vaults/{owner}
func (s *Server) VaultStatusHandler(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	actor := actorFrom(r)
	if !actor.IsOperator() && actor.ID != owner {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}
	ok, err := s.vault.Initialized(r.Context(), owner)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "initialized": ok})
}

// RecordCreateHandler handles POST /v1/records
func (s *Server) RecordCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID           string          `json:"owner_id"`
		Category          models.Category `json:"category"`
		Data              []byte          `json:"data"`
		EmergencyEligible bool            `json:"emergency_eligible"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	defer crypto.Zero(req.Data)
	actor := actorFrom(r)
	if req.OwnerID == "" {
		req.OwnerID = actor.ID
	}

	id, err := s.gateway.Create(r.Context(), req.OwnerID, actor.ID, req.Category, req.Data, req.EmergencyEligible)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

// RecordListHandler handles GET /v1/records
func (s *Server) RecordListHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := s.gateway.ListRecords(r.Context(), actorFrom(r).ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": recs})
}

// RecordMetaHandler handles GET /v1/records/{id}
func (s *Server) RecordMetaHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := s.gateway.Describe(r.Context(), chi.URLParam(r, "id"), actorFrom(r).ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": meta})
}

// RecordReadHandler handles GET /v1/records/{id}/data
func (s *Server) RecordReadHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	plaintext, err := s.gateway.Read(r.Context(), id, actorFrom(r).ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer crypto.Zero(plaintext)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "data": plaintext})
}

// RecordEmergencyReadHandler handles POST /v1/records/{id}/emergency
func (s *Server) RecordEmergencyReadHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	plaintext, err := s.gateway.EmergencyRead(r.Context(), id, actorFrom(r).ID, req.Reason)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer crypto.Zero(plaintext)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "data": plaintext, "emergency": true})
}

// RecordUpdateHandler handles PUT /v1/records/{id}
func (s *Server) RecordUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data              []byte `json:"data"`
		EmergencyEligible *bool  `json:"emergency_eligible"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	defer crypto.Zero(req.Data)
	var opts []gateway.UpdateOption
	if req.EmergencyEligible != nil {
		opts = append(opts, gateway.WithEmergencyEligible(*req.EmergencyEligible))
	}
	meta, err := s.gateway.Update(r.Context(), chi.URLParam(r, "id"), actorFrom(r).ID, req.Data, opts...)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": meta})
}
