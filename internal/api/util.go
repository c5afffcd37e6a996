package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/org/consentvault/internal/audit"
	"github.com/org/consentvault/internal/consent"
	"github.com/org/consentvault/internal/core"
	"github.com/org/consentvault/internal/crypto"
	"github.com/org/consentvault/internal/gateway"
	"github.com/org/consentvault/internal/identity"
	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/internal/vault"
	"github.com/rs/zerolog/log"
)

func newRequestID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

// errorStatus maps domain errors onto HTTP statuses and client-safe messages.
var errorStatus = []struct {
	err  error
	code int
	msg  string
}{
	{gateway.ErrConsentRequired, http.StatusForbidden, "consent required"},
	{gateway.ErrUnknownPrincipal, http.StatusForbidden, "unknown or inactive principal"},
	{gateway.ErrReasonRequired, http.StatusBadRequest, ""},
	{consent.ErrOwnerMismatch, http.StatusForbidden, ""},
	{consent.ErrNotAuthority, http.StatusForbidden, ""},
	{consent.ErrNotFound, http.StatusNotFound, ""},
	{consent.ErrNotPending, http.StatusConflict, ""},
	{consent.ErrDuplicateGrant, http.StatusConflict, ""},
	{consent.ErrScopeWidened, http.StatusBadRequest, ""},
	{consent.ErrInvalidScope, http.StatusBadRequest, ""},
	{consent.ErrInvalidTTL, http.StatusBadRequest, ""},
	{consent.ErrSelfRequest, http.StatusBadRequest, ""},
	{vault.ErrNotFound, http.StatusNotFound, "record not found"},
	{vault.ErrNotInitialized, http.StatusConflict, ""},
	{vault.ErrAlreadyInitialized, http.StatusConflict, ""},
	{vault.ErrInvalidCategory, http.StatusBadRequest, ""},
	{identity.ErrInvalidPrincipal, http.StatusBadRequest, ""},
	{storage.ErrNotFound, http.StatusNotFound, "not found"},
	{audit.ErrInvalidCursor, http.StatusBadRequest, ""},
	{core.ErrSealed, http.StatusServiceUnavailable, ""},
	{vault.ErrIntegrityCheckFailed, http.StatusInternalServerError, "record failed integrity check"},
	{crypto.ErrAuthenticationFailed, http.StatusInternalServerError, "record failed integrity check"},
	{audit.ErrCorruptChain, http.StatusConflict, ""},
}

// writeErr writes the response for err. Unmapped errors are logged and
// reported without detail.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var ae *audit.AuditError
	if errors.As(err, &ae) {
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Msg("audit append failed")
		writeError(w, http.StatusInternalServerError, "audit log unavailable")
		return
	}
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			msg := m.msg
			if msg == "" {
				msg = err.Error()
			}
			writeError(w, m.code, msg)
			return
		}
	}
	log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// parseTTL parses an optional Go duration string.
func parseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}
	return d, nil
}
