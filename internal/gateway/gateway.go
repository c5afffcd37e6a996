// Package gateway is the single path by which callers reach record data.
// Every request is authorized, executed, then audited.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/consentvault/internal/consent"
	"github.com/org/consentvault/internal/crypto"
	"github.com/org/consentvault/internal/identity"
	"github.com/org/consentvault/internal/metrics"
	"github.com/org/consentvault/internal/vault"
	"github.com/org/consentvault/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	// ErrConsentRequired is returned when no grant authorizes the request.
	// A missing record yields the same error so probes learn nothing.
	ErrConsentRequired = errors.New("consent required")
	// ErrUnknownPrincipal is returned for unknown or inactive callers.
	ErrUnknownPrincipal = consent.ErrUnknownPrincipal
	// ErrReasonRequired is returned by EmergencyRead without a reason.
	ErrReasonRequired = errors.New("emergency access requires a reason")
)

const (
	decisionOwner     = "owner"
	decisionGranted   = "granted"
	decisionEmergency = "emergency"
	decisionDenied    = "denied"
)

// Auditor is the slice of the audit log the gateway writes to.
type Auditor interface {
	Record(ctx context.Context, action models.AuditAction, actorID, subjectID string, payload map[string]any) (*models.AuditEntry, error)
}

// Authorizer answers consent questions.
type Authorizer interface {
	Authorize(ctx context.Context, ownerID, requesterID string, op models.Operation, target models.Target) (*models.ConsentGrant, error)
}

type Gateway struct {
	vault    *vault.Store
	consent  Authorizer
	resolver identity.Resolver
	audit    Auditor
	metrics  *metrics.Metrics
}

func New(v *vault.Store, c Authorizer, resolver identity.Resolver, auditor Auditor, m *metrics.Metrics) *Gateway {
	return &Gateway{vault: v, consent: c, resolver: resolver, audit: auditor, metrics: m}
}

func (g *Gateway) requireActive(ctx context.Context, id string) error {
	if id == "" {
		return ErrUnknownPrincipal
	}
	ok, err := g.resolver.IsActive(ctx, id)
	if err != nil {
		return fmt.Errorf("resolving principal: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPrincipal, id)
	}
	return nil
}

// lookup resolves record metadata, hiding a missing record behind ErrConsentRequired.
func (g *Gateway) lookup(ctx context.Context, recordID string) (*models.RecordMeta, error) {
	meta, err := g.vault.Lookup(ctx, recordID)
	if errors.Is(err, vault.ErrNotFound) {
		g.metrics.Decision(decisionDenied)
		return nil, ErrConsentRequired
	}
	return meta, err
}

func target(meta *models.RecordMeta) models.Target {
	return models.Target{RecordID: meta.ID, Category: meta.Category}
}

// Read returns a record's plaintext to its owner or to a holder of a
// read grant covering it.
func (g *Gateway) Read(ctx context.Context, recordID, requesterID string) ([]byte, error) {
	return g.read(ctx, recordID, requesterID, "")
}

// EmergencyRead is Read with the emergency override: when no read grant
// applies, the record is released anyway if it is emergency eligible or the
// requester holds an active emergency-read grant. The override is always
// audited with the reason verbatim, and fails if that entry cannot be written.
func (g *Gateway) EmergencyRead(ctx context.Context, recordID, requesterID, reason string) ([]byte, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return g.read(ctx, recordID, requesterID, reason)
}

func (g *Gateway) read(ctx context.Context, recordID, requesterID, reason string) ([]byte, error) {
	if err := g.requireActive(ctx, requesterID); err != nil {
		return nil, err
	}
	meta, err := g.lookup(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if requesterID == meta.OwnerID {
		g.metrics.Decision(decisionOwner)
		return g.vault.Read(ctx, recordID, requesterID)
	}

	grant, err := g.consent.Authorize(ctx, meta.OwnerID, requesterID, models.OpRead, target(meta))
	if err != nil {
		return nil, err
	}
	if grant != nil {
		g.metrics.Decision(decisionGranted)
		return g.release(ctx, meta, requesterID, models.ActionRecordRead, map[string]any{
			"record_id": meta.ID,
			"category":  string(meta.Category),
			"grant_id":  grant.ID,
		})
	}

	if reason == "" {
		g.metrics.Decision(decisionDenied)
		return nil, ErrConsentRequired
	}

	payload := map[string]any{
		"record_id": meta.ID,
		"category":  string(meta.Category),
		"reason":    reason,
	}
	if meta.EmergencyEligible {
		payload["basis"] = "eligible"
	} else {
		eg, err := g.consent.Authorize(ctx, meta.OwnerID, requesterID, models.OpEmergencyRead, target(meta))
		if err != nil {
			return nil, err
		}
		if eg == nil {
			g.metrics.Decision(decisionDenied)
			return nil, ErrConsentRequired
		}
		payload["basis"] = "grant"
		payload["grant_id"] = eg.ID
	}

	g.metrics.Decision(decisionEmergency)
	g.metrics.EmergencyAccess()
	log.Warn().Str("record_id", meta.ID).Str("subject", meta.OwnerID).Str("actor", requesterID).Msg("emergency access")
	return g.release(ctx, meta, requesterID, models.ActionEmergencyAccess, payload)
}

// release decrypts the record and writes the access entry. No plaintext
// leaves without a durable entry.
func (g *Gateway) release(ctx context.Context, meta *models.RecordMeta, requesterID string, action models.AuditAction, payload map[string]any) ([]byte, error) {
	plaintext, err := g.vault.Read(ctx, meta.ID, requesterID)
	if err != nil {
		return nil, err
	}
	if _, err := g.audit.Record(context.WithoutCancel(ctx), action, requesterID, meta.OwnerID, payload); err != nil {
		crypto.Zero(plaintext)
		return nil, err
	}
	return plaintext, nil
}

// Create stores a new record for owner. A non-owner needs an annotate grant
// covering the category.
func (g *Gateway) Create(ctx context.Context, ownerID, requesterID string, category models.Category, plaintext []byte, emergencyEligible bool) (string, error) {
	if err := g.requireActive(ctx, requesterID); err != nil {
		return "", err
	}
	if requesterID != ownerID {
		if err := g.requireActive(ctx, ownerID); err != nil {
			return "", err
		}
		if !category.Valid() {
			return "", fmt.Errorf("%w: %q", vault.ErrInvalidCategory, category)
		}
		grant, err := g.consent.Authorize(ctx, ownerID, requesterID, models.OpAnnotate, models.Target{Category: category})
		if err != nil {
			return "", err
		}
		if grant == nil {
			g.metrics.Decision(decisionDenied)
			return "", ErrConsentRequired
		}
		g.metrics.Decision(decisionGranted)
	} else {
		g.metrics.Decision(decisionOwner)
	}
	return g.vault.Create(ctx, ownerID, category, plaintext, emergencyEligible, vault.WithActor(requesterID))
}

type UpdateOption func(*updateOptions)

type updateOptions struct {
	eligible *bool
}

// WithEmergencyEligible changes the record's eligibility. Only owners may set it.
func WithEmergencyEligible(eligible bool) UpdateOption {
	return func(o *updateOptions) { o.eligible = &eligible }
}

// Update replaces a record's plaintext. A non-owner needs an annotate grant
// covering the record. There is no emergency path for writes.
func (g *Gateway) Update(ctx context.Context, recordID, requesterID string, plaintext []byte, opts ...UpdateOption) (*models.RecordMeta, error) {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := g.requireActive(ctx, requesterID); err != nil {
		return nil, err
	}
	meta, err := g.lookup(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if requesterID != meta.OwnerID {
		if o.eligible != nil {
			g.metrics.Decision(decisionDenied)
			return nil, ErrConsentRequired
		}
		grant, err := g.consent.Authorize(ctx, meta.OwnerID, requesterID, models.OpAnnotate, target(meta))
		if err != nil {
			return nil, err
		}
		if grant == nil {
			g.metrics.Decision(decisionDenied)
			return nil, ErrConsentRequired
		}
		g.metrics.Decision(decisionGranted)
	} else {
		g.metrics.Decision(decisionOwner)
	}
	return g.vault.Update(ctx, recordID, requesterID, plaintext, o.eligible)
}

// ListRecords returns metadata for the caller's own records.
func (g *Gateway) ListRecords(ctx context.Context, requesterID string) ([]models.RecordMeta, error) {
	if err := g.requireActive(ctx, requesterID); err != nil {
		return nil, err
	}
	return g.vault.ListByOwner(ctx, requesterID)
}

// Describe returns record metadata to anyone who could read the record.
func (g *Gateway) Describe(ctx context.Context, recordID, requesterID string) (*models.RecordMeta, error) {
	if err := g.requireActive(ctx, requesterID); err != nil {
		return nil, err
	}
	meta, err := g.lookup(ctx, recordID)
	if err != nil || meta.OwnerID == requesterID {
		return meta, err
	}
	grant, err := g.consent.Authorize(ctx, meta.OwnerID, requesterID, models.OpRead, target(meta))
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, ErrConsentRequired
	}
	return meta, nil
}
