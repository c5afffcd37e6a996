package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/consentvault/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrConflict is returned when a compare-and-set transition finds the row
// in a different state than expected.
var ErrConflict = errors.New("state conflict")

// ErrDuplicateActive is returned when an active grant with the same
// (owner, grantee, scope key) already exists.
var ErrDuplicateActive = errors.New("active grant with same scope exists")

// AuditBuilder produces the next entry of a subject's chain given the
// previous sequence number and hash. It runs while the chain is locked.
type AuditBuilder func(prevSeq int64, prevHash string) (*models.AuditEntry, error)

// StorageBackend defines the persistence interface for the consent vault.
type StorageBackend interface {
	// Vault initialization
	InitVault(ctx context.Context, data *models.InitData) error
	GetInitData(ctx context.Context) (*models.InitData, error)
	IsInitialized(ctx context.Context) (bool, error)

	// Owner data keys
	CreateVaultKey(ctx context.Context, key *models.VaultKey) error
	GetVaultKey(ctx context.Context, ownerID string) (*models.VaultKey, error)

	// Records
	CreateRecord(ctx context.Context, rec *models.Record) error
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	// UpdateRecord loads the record under a row lock, applies fn and persists the result.
	// fn runs while the lock is held and must not call back into the backend.
	UpdateRecord(ctx context.Context, id string, fn func(*models.Record) error) (*models.Record, error)
	ListRecordsByOwner(ctx context.Context, ownerID string) ([]models.RecordMeta, error)

	// Consent requests
	CreateRequest(ctx context.Context, req *models.ConsentRequest) error
	GetRequest(ctx context.Context, id string) (*models.ConsentRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*models.ConsentRequest, error)
	// ResolveRequest moves a pending request to req.Status. When grant is
	// non-nil it is inserted in the same transaction. ErrConflict if the
	// request is no longer pending, ErrDuplicateActive if the grant collides.
	ResolveRequest(ctx context.Context, req *models.ConsentRequest, grant *models.ConsentGrant) error

	// Consent grants
	CreateGrant(ctx context.Context, g *models.ConsentGrant) error
	GetGrant(ctx context.Context, id string) (*models.ConsentGrant, error)
	ListGrants(ctx context.Context, filter GrantFilter) ([]*models.ConsentGrant, error)
	// TransitionGrant moves an active grant to a terminal status. ErrConflict
	// if the grant is not active.
	TransitionGrant(ctx context.Context, id string, to models.GrantStatus, actorID string, at time.Time) (*models.ConsentGrant, error)
	ListExpiredGrants(ctx context.Context, now time.Time) ([]*models.ConsentGrant, error)

	// Audit
	AppendAudit(ctx context.Context, subjectID string, build AuditBuilder) (*models.AuditEntry, error)
	AttachNotaryRef(ctx context.Context, entryID, ref string) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
	SubjectChain(ctx context.Context, subjectID string) ([]*models.AuditEntry, error)

	// Principals
	UpsertPrincipal(ctx context.Context, p *models.Principal) error
	GetPrincipal(ctx context.Context, id string) (*models.Principal, error)
	ListPrincipals(ctx context.Context) ([]*models.Principal, error)

	// Lifecycle
	Close()
}

// RequestFilter narrows consent request listings. Empty fields match all.
type RequestFilter struct {
	OwnerID     string
	RequesterID string
	Status      models.RequestStatus
}

// GrantFilter narrows grant listings. Empty fields match all.
type GrantFilter struct {
	OwnerID   string
	GranteeID string
	Status    models.GrantStatus
}

// AuditFilter specifies query parameters for audit log retrieval.
// Results are ordered ascending by (timestamp, id); AfterTime/AfterID
// resume strictly after that position.
type AuditFilter struct {
	ActorID   string
	SubjectID string
	Action    models.AuditAction
	Since     *time.Time
	Until     *time.Time
	AfterTime *time.Time
	AfterID   string
	Limit     int
}

func (f GrantFilter) match(g *models.ConsentGrant) bool {
	return (f.OwnerID == "" || g.OwnerID == f.OwnerID) &&
		(f.GranteeID == "" || g.GranteeID == f.GranteeID) &&
		(f.Status == "" || g.Status == f.Status)
}

func (f RequestFilter) match(r *models.ConsentRequest) bool {
	return (f.OwnerID == "" || r.OwnerID == f.OwnerID) &&
		(f.RequesterID == "" || r.RequesterID == f.RequesterID) &&
		(f.Status == "" || r.Status == f.Status)
}

func (f AuditFilter) match(e *models.AuditEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.Timestamp.Before(*f.Until) {
		return false
	}
	if f.AfterTime != nil {
		if e.Timestamp.Before(*f.AfterTime) {
			return false
		}
		if e.Timestamp.Equal(*f.AfterTime) && e.ID <= f.AfterID {
			return false
		}
	}
	return true
}
