// Package consent manages access requests and the grants that gate
// non-owner access to records.
package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/org/consentvault/internal/clock"
	"github.com/org/consentvault/internal/core"
	"github.com/org/consentvault/internal/identity"
	"github.com/org/consentvault/internal/metrics"
	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/pkg/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SystemActor is the audit actor for transitions no principal initiated.
const SystemActor = "system"

// DefaultStaleAfter is how long a request stays pending before it is reported stale.
const DefaultStaleAfter = 7 * 24 * time.Hour

const (
	viaLazy  = "lazy"
	viaSweep = "sweep"
)

// Auditor is the slice of the audit log the engine writes to.
type Auditor interface {
	Record(ctx context.Context, action models.AuditAction, actorID, subjectID string, payload map[string]any) (*models.AuditEntry, error)
}

// Engine evaluates and mutates consent state.
type Engine struct {
	store      storage.StorageBackend
	resolver   identity.Resolver
	audit      Auditor
	clock      clock.Clock
	locks      *core.KeyedMutex
	metrics    *metrics.Metrics
	staleAfter time.Duration
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithStaleAfter sets the stale overlay window for pending requests.
func WithStaleAfter(d time.Duration) Option { return func(e *Engine) { e.staleAfter = d } }

func NewEngine(store storage.StorageBackend, resolver identity.Resolver, auditor Auditor, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		resolver:   resolver,
		audit:      auditor,
		clock:      clock.RealClock{},
		locks:      core.NewKeyedMutex(),
		staleAfter: DefaultStaleAfter,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) requireActive(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return errors.WithStack(ErrUnknownPrincipal)
		}
		exists, err := e.resolver.Exists(ctx, id)
		if err != nil {
			return errors.Wrap(err, "resolving principal")
		}
		active := false
		if exists {
			if active, err = e.resolver.IsActive(ctx, id); err != nil {
				return errors.Wrap(err, "resolving principal")
			}
		}
		if !active {
			return errors.Wrapf(ErrUnknownPrincipal, "principal %q", id)
		}
	}
	return nil
}

func validateScope(s models.Scope) error {
	if len(s.Operations) == 0 {
		return errors.Wrap(ErrInvalidScope, "no operations")
	}
	for _, op := range s.Operations {
		if !op.Valid() {
			return errors.Wrapf(ErrInvalidScope, "unknown operation %q", op)
		}
	}
	if !s.All && len(s.Categories) == 0 && len(s.RecordIDs) == 0 {
		return errors.Wrap(ErrInvalidScope, "no targets")
	}
	for _, c := range s.Categories {
		if !c.Valid() {
			return errors.Wrapf(ErrInvalidScope, "unknown category %q", c)
		}
	}
	for _, id := range s.RecordIDs {
		if id == "" {
			return errors.Wrap(ErrInvalidScope, "empty record id")
		}
	}
	return nil
}

// RequestAccess files a pending request from requester to owner.
func (e *Engine) RequestAccess(ctx context.Context, requesterID, ownerID string, scope models.Scope) (*models.ConsentRequest, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if requesterID == ownerID {
		return nil, errors.WithStack(ErrSelfRequest)
	}
	if err := e.requireActive(ctx, requesterID, ownerID); err != nil {
		return nil, err
	}

	req := &models.ConsentRequest{
		ID:             uuid.NewString(),
		RequesterID:    requesterID,
		OwnerID:        ownerID,
		RequestedScope: scope,
		RequestedAt:    e.clock.Now(),
		Status:         models.RequestPending,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, errors.Wrap(err, "persisting consent request")
	}
	log.Info().Str("request_id", req.ID).Str("subject", ownerID).Str("requester", requesterID).Msg("access requested")

	_, err := e.audit.Record(context.WithoutCancel(ctx), models.ActionGrantRequested, requesterID, ownerID, map[string]any{
		"request_id": req.ID,
		"scope":      scope.Key(),
	})
	return req, err
}

// Grant approves a pending request. scopeOverride may narrow the requested
// scope but never widen it. ttl == 0 issues a non-expiring grant.
func (e *Engine) Grant(ctx context.Context, requestID, ownerID string, scopeOverride *models.Scope, ttl time.Duration) (*models.ConsentGrant, error) {
	if ttl < 0 {
		return nil, errors.Wrap(ErrInvalidTTL, "ttl must not be negative")
	}
	unlock := e.locks.Lock("request:" + requestID)
	defer unlock()

	req, err := e.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.OwnerID != ownerID {
		return nil, errors.WithStack(ErrOwnerMismatch)
	}
	if req.Status != models.RequestPending {
		return nil, errors.Wrapf(ErrNotPending, "request is %s", req.Status)
	}

	scope := req.RequestedScope
	if scopeOverride != nil {
		if err := validateScope(*scopeOverride); err != nil {
			return nil, err
		}
		if !scopeOverride.SubsetOf(req.RequestedScope) {
			return nil, errors.WithStack(ErrScopeWidened)
		}
		scope = *scopeOverride
	}
	if err := e.requireActive(ctx, req.RequesterID); err != nil {
		return nil, err
	}
	// An expired grant still marked active would block the scope key.
	if err := e.expireLapsed(ctx, ownerID, req.RequesterID); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	g := &models.ConsentGrant{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		GranteeID: req.RequesterID,
		Scope:     scope,
		ScopeKey:  scope.Key(),
		RequestID: req.ID,
		IssuedBy:  ownerID,
		GrantedAt: now,
		Status:    models.GrantActive,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		g.ExpiresAt = &exp
	}

	resolved := *req
	resolved.Status = models.RequestGranted
	resolved.ResolvedAt = &now
	resolved.GrantID = g.ID
	switch err := e.store.ResolveRequest(ctx, &resolved, g); {
	case errors.Is(err, storage.ErrDuplicateActive):
		return nil, errors.WithStack(ErrDuplicateGrant)
	case errors.Is(err, storage.ErrConflict):
		return nil, errors.WithStack(ErrNotPending)
	case err != nil:
		return nil, errors.Wrap(err, "persisting grant")
	}
	log.Info().Str("grant_id", g.ID).Str("subject", ownerID).Str("grantee", g.GranteeID).Msg("grant issued")

	_, err = e.audit.Record(context.WithoutCancel(ctx), models.ActionGrantIssued, ownerID, ownerID, grantPayload(g))
	return g, err
}

// IssueEmergency lets an authority grant emergency-read over all of an
// owner's records for a bounded time. The owner or the authority may revoke it.
func (e *Engine) IssueEmergency(ctx context.Context, authorityID, ownerID, granteeID string, ttl time.Duration) (*models.ConsentGrant, error) {
	if ttl <= 0 {
		return nil, errors.Wrap(ErrInvalidTTL, "emergency grants must expire")
	}
	if err := e.requireActive(ctx, authorityID, ownerID, granteeID); err != nil {
		return nil, err
	}
	kr, ok := e.resolver.(identity.KindResolver)
	if !ok {
		return nil, errors.WithStack(ErrNotAuthority)
	}
	kind, err := kr.Kind(ctx, authorityID)
	if err != nil {
		return nil, errors.Wrap(err, "resolving principal kind")
	}
	if kind != models.PrincipalAuthority {
		return nil, errors.WithStack(ErrNotAuthority)
	}
	if err := e.expireLapsed(ctx, ownerID, granteeID); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	exp := now.Add(ttl)
	scope := models.Scope{Operations: []models.Operation{models.OpEmergencyRead}, All: true}
	g := &models.ConsentGrant{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		GranteeID: granteeID,
		Scope:     scope,
		ScopeKey:  scope.Key(),
		IssuedBy:  authorityID,
		GrantedAt: now,
		ExpiresAt: &exp,
		Status:    models.GrantActive,
	}
	if err := e.store.CreateGrant(ctx, g); err != nil {
		if errors.Is(err, storage.ErrDuplicateActive) {
			return nil, errors.WithStack(ErrDuplicateGrant)
		}
		return nil, errors.Wrap(err, "persisting emergency grant")
	}
	log.Warn().Str("grant_id", g.ID).Str("subject", ownerID).Str("authority", authorityID).Msg("emergency grant issued")

	payload := grantPayload(g)
	payload["emergency"] = true
	_, err = e.audit.Record(context.WithoutCancel(ctx), models.ActionGrantIssued, authorityID, ownerID, payload)
	return g, err
}

// Revoke ends an active grant. Revoking a grant that is already revoked or
// expired succeeds without a new audit entry.
func (e *Engine) Revoke(ctx context.Context, grantID, revokerID string) error {
	unlock := e.locks.Lock("grant:" + grantID)
	defer unlock()

	g, err := e.getGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if err := e.requireActive(ctx, revokerID); err != nil {
		return err
	}
	if revokerID != g.OwnerID && revokerID != g.IssuedBy {
		return errors.WithStack(ErrOwnerMismatch)
	}
	if g.Status.Terminal() {
		return nil
	}

	revoked, err := e.store.TransitionGrant(ctx, grantID, models.GrantRevoked, revokerID, e.clock.Now())
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "revoking grant")
	}
	log.Info().Str("grant_id", grantID).Str("subject", g.OwnerID).Str("revoker", revokerID).Msg("grant revoked")

	_, err = e.audit.Record(context.WithoutCancel(ctx), models.ActionGrantRevoked, revokerID, g.OwnerID, map[string]any{
		"grant_id":   revoked.ID,
		"grantee_id": revoked.GranteeID,
		"revoker_id": revokerID,
	})
	return err
}

// Deny rejects a pending request.
func (e *Engine) Deny(ctx context.Context, requestID, ownerID, reason string) error {
	unlock := e.locks.Lock("request:" + requestID)
	defer unlock()

	req, err := e.getRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.OwnerID != ownerID {
		return errors.WithStack(ErrOwnerMismatch)
	}
	if req.Status != models.RequestPending {
		return errors.Wrapf(ErrNotPending, "request is %s", req.Status)
	}

	now := e.clock.Now()
	resolved := *req
	resolved.Status = models.RequestDenied
	resolved.ResolvedAt = &now
	resolved.DenyReason = reason
	if err := e.store.ResolveRequest(ctx, &resolved, nil); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return errors.WithStack(ErrNotPending)
		}
		return errors.Wrap(err, "persisting denial")
	}

	_, err = e.audit.Record(context.WithoutCancel(ctx), models.ActionGrantDenied, ownerID, ownerID, map[string]any{
		"request_id":   req.ID,
		"requester_id": req.RequesterID,
		"reason":       reason,
	})
	return err
}

// IsAuthorized reports whether requester holds an active, unexpired grant
// from owner covering op on target.
func (e *Engine) IsAuthorized(ctx context.Context, ownerID, requesterID string, op models.Operation, target models.Target) (bool, error) {
	g, err := e.Authorize(ctx, ownerID, requesterID, op, target)
	return g != nil, err
}

// Authorize returns the grant that authorizes the access, or nil. Grants
// found past their expiry are transitioned to expired on the way. When
// several grants match, the broadest scope wins, then the latest expiry.
func (e *Engine) Authorize(ctx context.Context, ownerID, requesterID string, op models.Operation, target models.Target) (*models.ConsentGrant, error) {
	grants, err := e.store.ListGrants(ctx, storage.GrantFilter{
		OwnerID:   ownerID,
		GranteeID: requesterID,
		Status:    models.GrantActive,
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing grants")
	}

	now := e.clock.Now()
	var best *models.ConsentGrant
	for _, g := range grants {
		if g.IsExpiredAt(now) {
			if _, err := e.expire(ctx, g, viaLazy); err != nil {
				return nil, err
			}
			continue
		}
		if !g.Scope.Allows(op) || !g.Scope.Covers(target) {
			continue
		}
		if best == nil || outranks(g, best) {
			best = g
		}
	}
	return best, nil
}

func outranks(a, b *models.ConsentGrant) bool {
	if a.Scope.Breadth() != b.Scope.Breadth() {
		return a.Scope.Breadth() > b.Scope.Breadth()
	}
	switch {
	case a.ExpiresAt == nil:
		return b.ExpiresAt != nil
	case b.ExpiresAt == nil:
		return false
	}
	return a.ExpiresAt.After(*b.ExpiresAt)
}

// expireLapsed transitions the pair's active grants that are past expiry.
func (e *Engine) expireLapsed(ctx context.Context, ownerID, granteeID string) error {
	grants, err := e.store.ListGrants(ctx, storage.GrantFilter{OwnerID: ownerID, GranteeID: granteeID, Status: models.GrantActive})
	if err != nil {
		return errors.Wrap(err, "listing grants")
	}
	now := e.clock.Now()
	for _, g := range grants {
		if g.IsExpiredAt(now) {
			if _, err := e.expire(ctx, g, viaLazy); err != nil {
				return err
			}
		}
	}
	return nil
}

// expire moves g to expired. It reports false, and writes nothing, when g
// already reached a terminal state.
func (e *Engine) expire(ctx context.Context, g *models.ConsentGrant, via string) (*models.ConsentGrant, error) {
	unlock := e.locks.Lock("grant:" + g.ID)
	defer unlock()

	expired, err := e.store.TransitionGrant(ctx, g.ID, models.GrantExpired, SystemActor, e.clock.Now())
	if errors.Is(err, storage.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "expiring grant")
	}
	e.metrics.GrantExpired(via)
	log.Info().Str("grant_id", g.ID).Str("subject", g.OwnerID).Str("via", via).Msg("grant expired")

	payload := map[string]any{
		"grant_id":   expired.ID,
		"grantee_id": expired.GranteeID,
		"via":        via,
	}
	if expired.ExpiresAt != nil {
		payload["expires_at"] = expired.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = e.audit.Record(context.WithoutCancel(ctx), models.ActionGrantExpired, SystemActor, expired.OwnerID, payload)
	return expired, err
}

// SweepExpired expires every active grant past its expiry and returns the
// grants it transitioned. Running it again finds nothing to do.
func (e *Engine) SweepExpired(ctx context.Context) ([]*models.ConsentGrant, error) {
	due, err := e.store.ListExpiredGrants(ctx, e.clock.Now())
	if err != nil {
		e.metrics.SweepRun("error")
		return nil, errors.Wrap(err, "listing expired grants")
	}

	var swept []*models.ConsentGrant
	var firstErr error
	for _, g := range due {
		expired, err := e.expire(ctx, g, viaSweep)
		if expired != nil {
			swept = append(swept, expired)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		e.metrics.SweepRun("error")
		return swept, firstErr
	}
	e.metrics.SweepRun("ok")
	return swept, nil
}

func grantPayload(g *models.ConsentGrant) map[string]any {
	p := map[string]any{
		"grant_id":   g.ID,
		"grantee_id": g.GranteeID,
		"scope":      g.ScopeKey,
		"issued_by":  g.IssuedBy,
	}
	if g.RequestID != "" {
		p["request_id"] = g.RequestID
	}
	if g.ExpiresAt != nil {
		p["expires_at"] = g.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return p
}
