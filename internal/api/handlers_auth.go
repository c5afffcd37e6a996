package api

import (
	"net/http"

	"github.com/org/consentvault/internal/auth"
)

// TokenIssueHandler handles POST /v1/auth/token
func (s *Server) TokenIssueHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrincipalID string `json:"principal_id"`
		TTL         string `json:"ttl"`
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
	if ttl == 0 {
		ttl = s.cfg.TokenTTL
	}

	active, err := s.directory.IsActive(r.Context(), req.PrincipalID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !active {
		writeError(w, http.StatusBadRequest, "unknown or inactive principal")
		return
	}

	token, claims, err := s.tokens.Issue(auth.Actor{ID: req.PrincipalID, Role: auth.RolePrincipal}, ttl)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := map[string]any{
		"client_token": token,
		"principal_id": req.PrincipalID,
	}
	if claims.ExpiresAt != nil {
		resp["expires_at"] = claims.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, map[string]any{"auth": resp})
}

// TokenLookupSelfHandler handles GET /v1/auth/token/lookup-self
func (s *Server) TokenLookupSelfHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"id":   actor.ID,
			"role": actor.Role,
		},
	})
}
