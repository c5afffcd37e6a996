package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/consentvault/internal/audit"
	"github.com/org/consentvault/internal/auth"
	"github.com/org/consentvault/internal/clock"
	"github.com/org/consentvault/internal/consent"
	"github.com/org/consentvault/internal/core"
	"github.com/org/consentvault/internal/gateway"
	"github.com/org/consentvault/internal/identity"
	"github.com/org/consentvault/internal/metrics"
	"github.com/org/consentvault/internal/proof"
	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/internal/vault"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr      string
	TLSCertFile     string
	TLSKeyFile      string
	UnsealThreshold int
	// JWTSecret signs API tokens. When empty the key is derived from the
	// KEK, so tokens only verify while the vault is unsealed.
	JWTSecret     string
	TokenTTL      time.Duration
	StaleAfter    time.Duration
	ProofProvider string
	RateLimit     int
	RateBurst     int
}

type Option func(*Server)

func WithNotarizer(n *audit.Notarizer) Option { return func(s *Server) { s.notarizer = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithClock(c clock.Clock) Option { return func(s *Server) { s.clock = c } }

// Server is the API server.
type Server struct {
	store     storage.StorageBackend
	keys      *core.Keyring
	tokens    *auth.TokenService
	directory *identity.Directory
	auditor   *audit.Logger
	notarizer *audit.Notarizer
	vault     *vault.Store
	consent   *consent.Engine
	gateway   *gateway.Gateway
	metrics   *metrics.Metrics
	clock     clock.Clock
	cfg       Config
	initMu    sync.Mutex
	httpSrv   *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.StorageBackend, cfg Config, opts ...Option) (*Server, error) {
	s := &Server{
		store: store,
		keys:  core.NewKeyring(cfg.UnsealThreshold),
		clock: clock.RealClock{},
		cfg:   cfg,
	}
	for _, o := range opts {
		o(s)
	}

	proofs, err := proof.New(cfg.ProofProvider, s.keys)
	if err != nil {
		return nil, err
	}
	if cfg.JWTSecret != "" {
		s.tokens = auth.NewTokenService(auth.StaticKey(cfg.JWTSecret))
	} else {
		s.tokens = auth.NewTokenService(func() ([]byte, error) { return s.keys.Derive(auth.SigningContext) })
	}

	s.directory = identity.NewDirectory(store, s.clock)
	s.auditor = audit.NewLogger(store, s.clock, s.notarizer, s.metrics)
	s.vault = vault.New(store, s.keys, s.auditor,
		vault.WithClock(s.clock),
		vault.WithMetrics(s.metrics),
		vault.WithProofProvider(proofs),
	)
	consentOpts := []consent.Option{consent.WithClock(s.clock), consent.WithMetrics(s.metrics)}
	if cfg.StaleAfter > 0 {
		consentOpts = append(consentOpts, consent.WithStaleAfter(cfg.StaleAfter))
	}
	s.consent = consent.NewEngine(store, s.directory, s.auditor, consentOpts...)
	s.gateway = gateway.New(s.vault, s.consent, s.directory, s.auditor, s.metrics)
	return s, nil
}

// Restore loads the seal configuration written at init, if any.
func (s *Server) Restore(ctx context.Context) error {
	data, err := s.store.GetInitData(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading init data: %w", err)
	}
	s.keys.Configure(data.Threshold, data.KEKCheck)
	log.Info().Int("threshold", data.Threshold).Msg("vault is initialized and sealed")
	return nil
}

// Consent exposes the consent engine (for the expiry sweeper).
func (s *Server) Consent() *consent.Engine {
	return s.consent
}

// Directory exposes the identity directory (for seeding).
func (s *Server) Directory() *identity.Directory {
	return s.directory
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst).middleware)
	r.Use(accessLogMiddleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes (no auth required)
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Get("/v1/sys/seal-status", s.SealStatusHandler)
		r.Post("/v1/sys/init", s.InitHandler)
		r.Post("/v1/sys/unseal", s.UnsealHandler)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(s.unsealedMiddleware)
		r.Use(authMiddleware(s.tokens))

		r.Get("/v1/auth/token/lookup-self", s.TokenLookupSelfHandler)

		// Operator
		r.Group(func(r chi.Router) {
			r.Use(operatorOnly)
			r.Put("/v1/sys/seal", s.SealHandler)
			r.Post("/v1/sys/sweep", s.SweepHandler)
			r.Post("/v1/auth/token", s.TokenIssueHandler)
			r.Post("/v1/principals", s.PrincipalRegisterHandler)
			r.Get("/v1/principals", s.PrincipalListHandler)
			r.Put("/v1/principals/{id}/active", s.PrincipalSetActiveHandler)
		})
		r.Get("/v1/principals/{id}", s.PrincipalReadHandler)

		// Audit
		r.Get("/v1/audit", s.AuditQueryHandler)
		r.Get("/v1/audit/verify/{subject}", s.AuditVerifyHandler)

		// Vaults and records
		r.Post("/v1/vaults", s.VaultInitHandler)
		r.Get("/v1/vaults/{owner}", s.VaultStatusHandler)
		r.Post("/v1/records", s.RecordCreateHandler)
		r.Get("/v1/records", s.RecordListHandler)
		r.Get("/v1/records/{id}", s.RecordMetaHandler)
		r.Put("/v1/records/{id}", s.RecordUpdateHandler)
		r.Get("/v1/records/{id}/data", s.RecordReadHandler)
		r.Post("/v1/records/{id}/emergency", s.RecordEmergencyReadHandler)

		// Consent
		r.Post("/v1/consent/requests", s.RequestCreateHandler)
		r.Get("/v1/consent/requests", s.RequestListHandler)
		r.Get("/v1/consent/requests/{id}", s.RequestReadHandler)
		r.Post("/v1/consent/requests/{id}/grant", s.RequestGrantHandler)
		r.Post("/v1/consent/requests/{id}/deny", s.RequestDenyHandler)
		r.Get("/v1/consent/grants", s.GrantListHandler)
		r.Get("/v1/consent/grants/{id}", s.GrantReadHandler)
		r.Post("/v1/consent/grants/{id}/revoke", s.GrantRevokeHandler)
		r.Post("/v1/consent/emergency", s.EmergencyGrantHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
