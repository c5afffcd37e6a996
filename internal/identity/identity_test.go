package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/pkg/models"
)

func TestDirectoryResolves(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(storage.NewMemoryBackend(), nil)

	if err := d.Register(ctx, &models.Principal{ID: "dr-bob", Kind: models.PrincipalClinician, Active: true}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := d.Exists(ctx, "dr-bob"); !ok {
		t.Error("dr-bob should exist")
	}
	if ok, _ := d.IsActive(ctx, "dr-bob"); !ok {
		t.Error("dr-bob should be active")
	}
	if ok, _ := d.Exists(ctx, "ghost"); ok {
		t.Error("ghost should not exist")
	}

	if err := d.SetActive(ctx, "dr-bob", false); err != nil {
		t.Fatal(err)
	}
	if ok, _ := d.IsActive(ctx, "dr-bob"); ok {
		t.Error("dr-bob should be inactive")
	}
}

func TestKind(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(storage.NewMemoryBackend(), nil)
	if err := d.Register(ctx, &models.Principal{ID: "er-authority", Kind: models.PrincipalAuthority, Active: true}); err != nil {
		t.Fatal(err)
	}
	if k, err := d.Kind(ctx, "er-authority"); err != nil || k != models.PrincipalAuthority {
		t.Errorf("Kind = %q, %v", k, err)
	}
	if k, err := d.Kind(ctx, "ghost"); err != nil || k != "" {
		t.Errorf("unknown principal: Kind = %q, %v", k, err)
	}
}

func TestRegisterValidates(t *testing.T) {
	d := NewDirectory(storage.NewMemoryBackend(), nil)
	err := d.Register(context.Background(), &models.Principal{ID: "x", Kind: "robot"})
	if !errors.Is(err, ErrInvalidPrincipal) {
		t.Errorf("expected ErrInvalidPrincipal, got %v", err)
	}
}

func TestSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	content := `principals:
  - id: patient-alice
    display_name: Alice
    kind: patient
    active: true
  - id: er-authority
    kind: authority
    active: true
  - id: retired-doc
    kind: clinician
    active: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	d := NewDirectory(storage.NewMemoryBackend(), nil)
	n, err := d.SeedFile(ctx, path)
	if err != nil || n != 3 {
		t.Fatalf("SeedFile = %d, %v", n, err)
	}
	p, err := d.Get(ctx, "patient-alice")
	if err != nil || p.DisplayName != "Alice" || p.Kind != models.PrincipalPatient {
		t.Errorf("unexpected principal %+v, %v", p, err)
	}
	if ok, _ := d.IsActive(ctx, "retired-doc"); ok {
		t.Error("retired-doc should be inactive")
	}
}
