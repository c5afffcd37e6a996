package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/org/consentvault/internal/auth"
	"github.com/org/consentvault/internal/core"
	"github.com/org/consentvault/internal/crypto"
	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// InitHandler handles POST /v1/sys/init
func (s *Server) InitHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.initMu.Lock()
	defer s.initMu.Unlock()

	initialized, err := s.store.IsInitialized(ctx)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if initialized {
		writeError(w, http.StatusBadRequest, "vault is already initialized")
		return
	}

	req := struct {
		SecretShares    int `json:"secret_shares"`
		SecretThreshold int `json:"secret_threshold"`
	}{SecretShares: 5, SecretThreshold: 3}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.SecretThreshold > req.SecretShares {
		writeError(w, http.StatusBadRequest, "threshold cannot exceed shares")
		return
	}

	rootKey, err := crypto.GenerateKey()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer crypto.Zero(rootKey)

	shares, err := crypto.SplitKey(rootKey, req.SecretShares, req.SecretThreshold)
	if errors.Is(err, crypto.ErrThreshold) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}

	// Init leaves the vault unsealed under the fresh root key.
	s.keys.Configure(req.SecretThreshold, nil)
	if err := s.keys.UnsealWithRootKey(rootKey); err != nil {
		writeErr(w, r, err)
		return
	}
	check, err := s.keys.CheckValue()
	if err != nil {
		s.keys.Seal()
		writeErr(w, r, err)
		return
	}

	initData := &models.InitData{
		Shares:        req.SecretShares,
		Threshold:     req.SecretThreshold,
		KEKContext:    core.KEKContext,
		KEKCheck:      check,
		InitializedAt: s.clock.Now(),
	}
	if err := s.store.InitVault(ctx, initData); err != nil {
		s.keys.Seal()
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusBadRequest, "vault is already initialized")
			return
		}
		writeErr(w, r, err)
		return
	}
	s.keys.Configure(req.SecretThreshold, check)
	setSealGauge(false)

	operatorToken, _, err := s.tokens.Issue(auth.Actor{ID: auth.OperatorID, Role: auth.RoleOperator}, 0)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	log.Info().Int("shares", req.SecretShares).Int("threshold", req.SecretThreshold).Msg("vault initialized")

	// Shares are shown once and never stored.
	sharesB64 := make([]string, len(shares))
	for i, sh := range shares {
		sharesB64[i] = base64.StdEncoding.EncodeToString(sh)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":           sharesB64,
		"operator_token": operatorToken,
		"initialized":    true,
	})
}

// SealStatusHandler handles GET /v1/sys/seal-status
func (s *Server) SealStatusHandler(w http.ResponseWriter, r *http.Request) {
	initialized, err := s.store.IsInitialized(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"initialized": initialized,
		"sealed":      s.keys.IsSealed(),
		"threshold":   s.keys.Threshold(),
		"progress":    s.keys.Progress(),
	})
}

// UnsealHandler handles POST /v1/sys/unseal
func (s *Server) UnsealHandler(w http.ResponseWriter, r *http.Request) {
	initialized, err := s.store.IsInitialized(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !initialized {
		writeError(w, http.StatusBadRequest, "vault is not initialized")
		return
	}

	var req struct {
		Key   string `json:"key"`
		Reset bool   `json:"reset"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Reset {
		s.keys.Seal()
		setSealGauge(true)
		writeJSON(w, http.StatusOK, map[string]any{"sealed": true, "progress": 0})
		return
	}

	share, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key encoding (must be base64)")
		return
	}

	unsealed, err := s.keys.Unseal(share)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if unsealed {
		setSealGauge(false)
		log.Info().Msg("vault unsealed")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sealed":    !unsealed,
		"progress":  s.keys.Progress(),
		"threshold": s.keys.Threshold(),
	})
}

// SealHandler handles PUT /v1/sys/seal
func (s *Server) SealHandler(w http.ResponseWriter, r *http.Request) {
	s.keys.Seal()
	setSealGauge(true)
	log.Warn().Msg("vault sealed by operator")
	writeJSON(w, http.StatusOK, map[string]any{"sealed": true})
}

// SweepHandler handles POST /v1/sys/sweep
func (s *Server) SweepHandler(w http.ResponseWriter, r *http.Request) {
	swept, err := s.consent.SweepExpired(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": len(swept)})
}

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	initialized, err := s.store.IsInitialized(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	code := http.StatusOK
	if s.keys.IsSealed() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"initialized": initialized,
		"sealed":      s.keys.IsSealed(),
		"version":     "1.0.0",
	})
}
