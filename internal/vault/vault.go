// Package vault owns encrypted records: identity, ciphertext, digest and
// per-record metadata. It does not check consent; see package gateway.
package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/org/consentvault/internal/clock"
	"github.com/org/consentvault/internal/core"
	"github.com/org/consentvault/internal/crypto"
	"github.com/org/consentvault/internal/metrics"
	"github.com/org/consentvault/internal/proof"
	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInitialized       = errors.New("vault not initialized for owner")
	ErrAlreadyInitialized   = errors.New("vault already initialized for owner")
	ErrNotFound             = errors.New("record not found")
	ErrIntegrityCheckFailed = errors.New("record integrity check failed")
	ErrInvalidCategory      = errors.New("invalid record category")
)

// Auditor is the slice of the audit log the vault writes to.
type Auditor interface {
	Record(ctx context.Context, action models.AuditAction, actorID, subjectID string, payload map[string]any) (*models.AuditEntry, error)
}

// KeyWrapper wraps and unwraps owner data keys under the KEK.
type KeyWrapper interface {
	Wrap(dataKey []byte) ([]byte, error)
	Unwrap(wrapped []byte) ([]byte, error)
}

// Store is the vault store.
type Store struct {
	store   storage.StorageBackend
	keys    KeyWrapper
	proofs  proof.Provider
	audit   Auditor
	clock   clock.Clock
	locks   *core.KeyedMutex
	metrics *metrics.Metrics
}

type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

func WithProofProvider(p proof.Provider) Option { return func(s *Store) { s.proofs = p } }

func New(store storage.StorageBackend, keys KeyWrapper, auditor Auditor, opts ...Option) *Store {
	s := &Store{
		store:  store,
		keys:   keys,
		proofs: proof.Placeholder{},
		audit:  auditor,
		clock:  clock.RealClock{},
		locks:  core.NewKeyedMutex(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// InitVault creates and persists the owner's wrapped data key.
func (s *Store) InitVault(ctx context.Context, ownerID string) error {
	unlock := s.locks.Lock("owner:" + ownerID)
	defer unlock()

	if _, err := s.store.GetVaultKey(ctx, ownerID); err == nil {
		return ErrAlreadyInitialized
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading vault key: %w", err)
	}

	dataKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	defer crypto.Zero(dataKey)
	wrapped, err := s.keys.Wrap(dataKey)
	if err != nil {
		return fmt.Errorf("wrapping vault key: %w", err)
	}

	key := &models.VaultKey{OwnerID: ownerID, WrappedKey: wrapped, CreatedAt: s.clock.Now()}
	if err := s.store.CreateVaultKey(ctx, key); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return ErrAlreadyInitialized
		}
		return fmt.Errorf("persisting vault key: %w", err)
	}
	log.Info().Str("subject", ownerID).Msg("vault initialized")

	_, err = s.audit.Record(context.WithoutCancel(ctx), models.ActionVaultInitialized, ownerID, ownerID, nil)
	return err
}

// Initialized reports whether the owner has a vault key.
func (s *Store) Initialized(ctx context.Context, ownerID string) (bool, error) {
	_, err := s.store.GetVaultKey(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ownerKey(ctx context.Context, ownerID string) ([]byte, error) {
	vk, err := s.store.GetVaultKey(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("loading vault key: %w", err)
	}
	key, err := s.keys.Unwrap(vk.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping vault key: %w", err)
	}
	return key, nil
}

type sealed struct {
	ciphertext, nonce, digest, proof []byte
}

func (s *Store) seal(key, plaintext []byte) (*sealed, error) {
	ct, nonce, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	digest := crypto.Digest(plaintext)
	p, err := s.proofs.Generate(digest)
	if err != nil {
		return nil, fmt.Errorf("generating proof: %w", err)
	}
	return &sealed{ciphertext: ct, nonce: nonce, digest: digest, proof: p}, nil
}

type writeOptions struct {
	actorID string
}

// WriteOption adjusts Create and Update.
type WriteOption func(*writeOptions)

// WithActor records actorID instead of the owner as the audit actor.
func WithActor(actorID string) WriteOption {
	return func(o *writeOptions) { o.actorID = actorID }
}

// Create encrypts plaintext under the owner's key and persists a new record.
// If the record is stored but its audit entry is not, the id is returned
// together with the *audit.AuditError.
func (s *Store) Create(ctx context.Context, ownerID string, category models.Category, plaintext []byte, emergencyEligible bool, opts ...WriteOption) (string, error) {
	if !category.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	wo := writeOptions{actorID: ownerID}
	for _, o := range opts {
		o(&wo)
	}

	key, err := s.ownerKey(ctx, ownerID)
	if err != nil {
		return "", err
	}
	defer crypto.Zero(key)
	sl, err := s.seal(key, plaintext)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := s.clock.Now()
	rec := &models.Record{
		ID:                id,
		OwnerID:           ownerID,
		Category:          category,
		Ciphertext:        sl.ciphertext,
		Nonce:             sl.nonce,
		IntegrityDigest:   sl.digest,
		Proof:             sl.proof,
		EmergencyEligible: emergencyEligible,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateRecord(ctx, rec); err != nil {
		return "", fmt.Errorf("persisting record: %w", err)
	}
	log.Debug().Str("record_id", id).Str("subject", ownerID).Str("category", string(category)).Msg("record created")

	_, err = s.audit.Record(context.WithoutCancel(ctx), models.ActionRecordCreated, wo.actorID, ownerID, map[string]any{
		"record_id":          id,
		"category":           string(category),
		"emergency_eligible": emergencyEligible,
		"version":            1,
	})
	return id, err
}

// Read decrypts a record and verifies its digest and proof. It performs no
// consent check and writes no audit entry.
func (s *Store) Read(ctx context.Context, recordID, requesterID string) ([]byte, error) {
	rec, err := s.getRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	key, err := s.ownerKey(ctx, rec.OwnerID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	plaintext, err := crypto.Decrypt(rec.Ciphertext, rec.Nonce, key)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthenticationFailed) {
			s.metrics.IntegrityFailure()
			log.Error().Str("record_id", recordID).Str("requester", requesterID).Msg("record failed authenticated decryption")
		}
		return nil, err
	}
	digest := crypto.Digest(plaintext)
	if !digest.Equal(rec.IntegrityDigest) || !s.proofs.Verify(digest, rec.Proof) {
		crypto.Zero(plaintext)
		s.metrics.IntegrityFailure()
		log.Error().Str("record_id", recordID).Str("requester", requesterID).Msg("record digest or proof mismatch")
		return nil, ErrIntegrityCheckFailed
	}
	return plaintext, nil
}

// Update re-encrypts a record with new content. A nil emergencyEligible
// keeps the current flag.
func (s *Store) Update(ctx context.Context, recordID, actorID string, plaintext []byte, emergencyEligible *bool) (*models.RecordMeta, error) {
	unlock := s.locks.Lock(recordID)
	defer unlock()

	// The owner never changes, so the key is unwrapped and the content sealed
	// before the storage callback, which must not call back into the backend.
	current, err := s.getRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	key, err := s.ownerKey(ctx, current.OwnerID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)
	sl, err := s.seal(key, plaintext)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.UpdateRecord(ctx, recordID, func(r *models.Record) error {
		r.Ciphertext, r.Nonce, r.IntegrityDigest, r.Proof = sl.ciphertext, sl.nonce, sl.digest, sl.proof
		if emergencyEligible != nil {
			r.EmergencyEligible = *emergencyEligible
		}
		r.Version++
		r.UpdatedAt = s.clock.Now()
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	meta := rec.Meta()
	log.Debug().Str("record_id", recordID).Int("version", rec.Version).Msg("record updated")

	_, err = s.audit.Record(context.WithoutCancel(ctx), models.ActionRecordUpdated, actorID, rec.OwnerID, map[string]any{
		"record_id":          recordID,
		"category":           string(rec.Category),
		"emergency_eligible": rec.EmergencyEligible,
		"version":            rec.Version,
	})
	return &meta, err
}

// Lookup returns a record's metadata without decrypting it.
func (s *Store) Lookup(ctx context.Context, recordID string) (*models.RecordMeta, error) {
	rec, err := s.getRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	meta := rec.Meta()
	return &meta, nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]models.RecordMeta, error) {
	return s.store.ListRecordsByOwner(ctx, ownerID)
}

func (s *Store) getRecord(ctx context.Context, id string) (*models.Record, error) {
	rec, err := s.store.GetRecord(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading record: %w", err)
	}
	return rec, nil
}
