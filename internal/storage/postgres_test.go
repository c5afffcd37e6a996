package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// Runs the backend suite against a real PostgreSQL started in-process.
// Set VAULT_PG_INTEGRATION=1 to enable; it downloads a postgres binary on first use.
func TestPostgresBackend(t *testing.T) {
	if os.Getenv("VAULT_PG_INTEGRATION") != "1" {
		t.Skip("set VAULT_PG_INTEGRATION=1 to run postgres integration tests")
	}

	db, err := StartEmbedded(EmbeddedConfig{
		DataPath: filepath.Join(t.TempDir(), "pgdata"),
		Port:     54329,
		Database: "consentvault_test",
	})
	if err != nil {
		t.Fatalf("starting embedded postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Stop() })

	migrations, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}

	runBackendSuite(t, func(t *testing.T) StorageBackend {
		if err := DropMigrations(db.DSN(), migrations); err != nil {
			t.Fatalf("dropping schema: %v", err)
		}
		if err := RunMigrations(db.DSN(), migrations); err != nil {
			t.Fatalf("migrating: %v", err)
		}
		backend, err := NewPostgresBackend(context.Background(), db.DSN())
		if err != nil {
			t.Fatalf("connecting: %v", err)
		}
		t.Cleanup(backend.Close)
		return backend
	})
}
