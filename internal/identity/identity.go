// Package identity answers whether a principal is known and active.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/org/consentvault/internal/clock"
	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/pkg/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Resolver is the identity collaborator consulted before any consent or access decision.
type Resolver interface {
	Exists(ctx context.Context, principalID string) (bool, error)
	IsActive(ctx context.Context, principalID string) (bool, error)
}

// KindResolver also reports what kind of principal an id names.
type KindResolver interface {
	Resolver
	Kind(ctx context.Context, principalID string) (models.PrincipalKind, error)
}

var ErrInvalidPrincipal = errors.New("invalid principal")

// Directory is a store-backed Resolver that also manages principals.
type Directory struct {
	store storage.StorageBackend
	clock clock.Clock
}

func NewDirectory(store storage.StorageBackend, clk clock.Clock) *Directory {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Directory{store: store, clock: clk}
}

func (d *Directory) Exists(ctx context.Context, id string) (bool, error) {
	_, err := d.store.GetPrincipal(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Directory) IsActive(ctx context.Context, id string) (bool, error) {
	p, err := d.store.GetPrincipal(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Active, nil
}

// Kind returns the principal's kind, or "" if it is unknown.
func (d *Directory) Kind(ctx context.Context, id string) (models.PrincipalKind, error) {
	p, err := d.store.GetPrincipal(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.Kind, nil
}

// Get returns the principal or storage.ErrNotFound.
func (d *Directory) Get(ctx context.Context, id string) (*models.Principal, error) {
	return d.store.GetPrincipal(ctx, id)
}

func (d *Directory) List(ctx context.Context) ([]*models.Principal, error) {
	return d.store.ListPrincipals(ctx)
}

// Register creates or updates a principal.
func (d *Directory) Register(ctx context.Context, p *models.Principal) error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPrincipal)
	}
	switch p.Kind {
	case models.PrincipalPatient, models.PrincipalClinician, models.PrincipalAuthority, models.PrincipalService:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPrincipal, p.Kind)
	}
	if p.CreatedAt.IsZero() {
		if existing, err := d.store.GetPrincipal(ctx, p.ID); err == nil {
			p.CreatedAt = existing.CreatedAt
		} else {
			p.CreatedAt = d.clock.Now()
		}
	}
	return d.store.UpsertPrincipal(ctx, p)
}

// SetActive toggles a principal without touching its other fields.
func (d *Directory) SetActive(ctx context.Context, id string, active bool) error {
	p, err := d.store.GetPrincipal(ctx, id)
	if err != nil {
		return err
	}
	p.Active = active
	return d.store.UpsertPrincipal(ctx, p)
}

type seedFile struct {
	Principals []models.Principal `yaml:"principals"`
}

// SeedFile registers every principal listed in a YAML file:
//
//	principals:
//	  - id: patient-alice
//	    kind: patient
//	    active: true
func (d *Directory) SeedFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading seed file: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return 0, fmt.Errorf("parsing seed file: %w", err)
	}
	for i := range sf.Principals {
		p := sf.Principals[i]
		if err := d.Register(ctx, &p); err != nil {
			return i, fmt.Errorf("seeding %q: %w", p.ID, err)
		}
	}
	log.Info().Int("principals", len(sf.Principals)).Str("file", path).Msg("identity directory seeded")
	return len(sf.Principals), nil
}

// Static is an in-memory Resolver keyed by principal id (value = active).
type Static map[string]bool

func (s Static) Exists(_ context.Context, id string) (bool, error) {
	_, ok := s[id]
	return ok, nil
}

func (s Static) IsActive(_ context.Context, id string) (bool, error) {
	return s[id], nil
}

var _ KindResolver = (*Directory)(nil)
var _ Resolver = Static(nil)
