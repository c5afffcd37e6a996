package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/consentvault/internal/audit"
	"github.com/org/consentvault/pkg/models"
)

// AuditQueryHandler handles GET /v1/audit
//
// Principals see entries about themselves or performed by themselves;
// operators see everything.
func (s *Server) AuditQueryHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	q := r.URL.Query()
	query := audit.Query{
		ActorID:   q.Get("actor"),
		SubjectID: q.Get("subject"),
		Action:    models.AuditAction(q.Get("action")),
		Cursor:    q.Get("cursor"),
	}

	if !actor.IsOperator() {
		if query.SubjectID == "" && query.ActorID == "" {
			query.SubjectID = actor.ID
		}
		if query.SubjectID != actor.ID && query.ActorID != actor.ID {
			writeError(w, http.StatusForbidden, "permission denied")
			return
		}
	}

	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		query.Limit = n
	}
	for param, dst := range map[string]**time.Time{"since": &query.Since, "until": &query.Until} {
		if v := q.Get(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+param)
				return
			}
			*dst = &t
		}
	}

	page, err := s.auditor.Query(r.Context(), query)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": page.Entries, "next_cursor": page.NextCursor})
}

// AuditVerifyHandler handles GET /v1/audit/verify/{subject}
func (s *Server) AuditVerifyHandler(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	actor := actorFrom(r)
	if !actor.IsOperator() && actor.ID != subject {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}
	if err := s.auditor.VerifyChain(r.Context(), subject); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject": subject, "valid": true})
}
