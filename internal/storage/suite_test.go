package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/org/consentvault/pkg/models"
)

// runBackendSuite exercises the transactional contract every backend must keep.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) StorageBackend) {
	t.Run("InitVaultOnce", func(t *testing.T) { testInitVaultOnce(t, newBackend(t)) })
	t.Run("RecordLifecycle", func(t *testing.T) { testRecordLifecycle(t, newBackend(t)) })
	t.Run("ResolveRequest", func(t *testing.T) { testResolveRequest(t, newBackend(t)) })
	t.Run("TransitionGrant", func(t *testing.T) { testTransitionGrant(t, newBackend(t)) })
	t.Run("AuditChainAndCursor", func(t *testing.T) { testAuditChainAndCursor(t, newBackend(t)) })
	t.Run("Principals", func(t *testing.T) { testPrincipals(t, newBackend(t)) })
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testInitVaultOnce(t *testing.T, s StorageBackend) {
	ctx := context.Background()
	data := &models.InitData{Shares: 5, Threshold: 3, KEKContext: "kek", KEKCheck: []byte{1, 2, 3}, InitializedAt: t0}
	if err := s.InitVault(ctx, data); err != nil {
		t.Fatalf("InitVault: %v", err)
	}
	if err := s.InitVault(ctx, data); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second InitVault: expected ErrAlreadyExists, got %v", err)
	}
	got, err := s.GetInitData(ctx)
	if err != nil {
		t.Fatalf("GetInitData: %v", err)
	}
	if got.Shares != 5 || got.Threshold != 3 || got.KEKContext != "kek" || len(got.KEKCheck) != 3 {
		t.Errorf("unexpected init data: %+v", got)
	}
}

func seedOwner(t *testing.T, s StorageBackend, owner string) {
	t.Helper()
	if err := s.CreateVaultKey(context.Background(), &models.VaultKey{OwnerID: owner, WrappedKey: []byte("wrapped"), CreatedAt: t0}); err != nil {
		t.Fatalf("CreateVaultKey: %v", err)
	}
}

func testRecordLifecycle(t *testing.T, s StorageBackend) {
	ctx := context.Background()
	seedOwner(t, s, "alice")
	if err := s.CreateVaultKey(ctx, &models.VaultKey{OwnerID: "alice", WrappedKey: []byte("x"), CreatedAt: t0}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate vault key: expected ErrAlreadyExists, got %v", err)
	}

	rec := &models.Record{
		ID: "8a1f6c1e-0000-4000-8000-000000000001", OwnerID: "alice", Category: models.CategoryVitals,
		Ciphertext: []byte("ct"), Nonce: []byte("nonce"), IntegrityDigest: []byte("digest"),
		Version: 1, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	updated, err := s.UpdateRecord(ctx, rec.ID, func(r *models.Record) error {
		r.Ciphertext = []byte("ct2")
		r.Version++
		r.UpdatedAt = t0.Add(time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if updated.Version != 2 || string(updated.Ciphertext) != "ct2" {
		t.Errorf("unexpected update result: %+v", updated)
	}

	abort := errors.New("abort")
	if _, err := s.UpdateRecord(ctx, rec.ID, func(r *models.Record) error {
		r.Version = 99
		return abort
	}); !errors.Is(err, abort) {
		t.Errorf("expected callback error, got %v", err)
	}
	got, _ := s.GetRecord(ctx, rec.ID)
	if got.Version != 2 {
		t.Errorf("aborted update must not persist, version=%d", got.Version)
	}

	if _, err := s.GetRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	metas, err := s.ListRecordsByOwner(ctx, "alice")
	if err != nil || len(metas) != 1 || metas[0].Category != models.CategoryVitals {
		t.Errorf("ListRecordsByOwner = %+v, %v", metas, err)
	}
}

func newRequest(id, requester, owner string) *models.ConsentRequest {
	return &models.ConsentRequest{
		ID: id, RequesterID: requester, OwnerID: owner,
		RequestedScope: models.Scope{Operations: []models.Operation{models.OpRead}, All: true},
		RequestedAt:    t0, Status: models.RequestPending,
	}
}

func newGrant(id, owner, grantee string, scope models.Scope) *models.ConsentGrant {
	return &models.ConsentGrant{
		ID: id, OwnerID: owner, GranteeID: grantee, Scope: scope, ScopeKey: scope.Key(),
		IssuedBy: owner, GrantedAt: t0, Status: models.GrantActive,
	}
}

func testResolveRequest(t *testing.T, s StorageBackend) {
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		if err := s.CreateRequest(ctx, newRequest(fmt.Sprintf("req-%d", i), "bob", "alice")); err != nil {
			t.Fatalf("CreateRequest: %v", err)
		}
	}

	req, _ := s.GetRequest(ctx, "req-1")
	resolved := t0.Add(time.Hour)
	req.Status = models.RequestGranted
	req.ResolvedAt = &resolved
	req.GrantID = "grant-1"
	g := newGrant("grant-1", "alice", "bob", req.RequestedScope)
	g.RequestID = req.ID
	if err := s.ResolveRequest(ctx, req, g); err != nil {
		t.Fatalf("ResolveRequest: %v", err)
	}
	if err := s.ResolveRequest(ctx, req, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("resolving twice: expected ErrConflict, got %v", err)
	}

	// Same scope key for the same pair while grant-1 is active.
	req2, _ := s.GetRequest(ctx, "req-2")
	req2.Status = models.RequestGranted
	req2.ResolvedAt = &resolved
	req2.GrantID = "grant-2"
	g2 := newGrant("grant-2", "alice", "bob", req2.RequestedScope)
	g2.RequestID = req2.ID
	if err := s.ResolveRequest(ctx, req2, g2); !errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("expected ErrDuplicateActive, got %v", err)
	}
	still, _ := s.GetRequest(ctx, "req-2")
	if still.Status != models.RequestPending {
		t.Errorf("request must stay pending after a rejected grant, got %s", still.Status)
	}

	pending, err := s.ListRequests(ctx, RequestFilter{OwnerID: "alice", Status: models.RequestPending})
	if err != nil || len(pending) != 1 || pending[0].ID != "req-2" {
		t.Errorf("pending requests = %+v, %v", pending, err)
	}
}

func testTransitionGrant(t *testing.T, s StorageBackend) {
	ctx := context.Background()
	exp := t0.Add(time.Hour)
	g := newGrant("grant-t", "alice", "bob", models.Scope{Operations: []models.Operation{models.OpRead}, Categories: []models.Category{models.CategoryVitals}})
	g.ExpiresAt = &exp
	if err := s.CreateGrant(ctx, g); err != nil {
		t.Fatalf("CreateGrant: %v", err)
	}

	expired, err := s.ListExpiredGrants(ctx, exp)
	if err != nil || len(expired) != 1 {
		t.Fatalf("ListExpiredGrants = %d, %v", len(expired), err)
	}
	out, err := s.TransitionGrant(ctx, g.ID, models.GrantExpired, "", exp)
	if err != nil {
		t.Fatalf("TransitionGrant: %v", err)
	}
	if out.Status != models.GrantExpired || out.ExpiredAt == nil {
		t.Errorf("unexpected transitioned grant: %+v", out)
	}
	if _, err := s.TransitionGrant(ctx, g.ID, models.GrantRevoked, "alice", exp); !errors.Is(err, ErrConflict) {
		t.Errorf("terminal grant: expected ErrConflict, got %v", err)
	}
	if _, err := s.TransitionGrant(ctx, "nope", models.GrantRevoked, "alice", exp); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown grant: expected ErrNotFound, got %v", err)
	}
	final, _ := s.GetGrant(ctx, g.ID)
	if final.Status != models.GrantExpired || final.RevokedBy != "" {
		t.Errorf("terminal state overwritten: %+v", final)
	}

	// A terminal grant frees the scope key for a new active grant.
	again := newGrant("grant-t2", "alice", "bob", g.Scope)
	if err := s.CreateGrant(ctx, again); err != nil {
		t.Errorf("new grant after expiry: %v", err)
	}
	dup := newGrant("grant-t3", "alice", "bob", g.Scope)
	if err := s.CreateGrant(ctx, dup); !errors.Is(err, ErrDuplicateActive) {
		t.Errorf("expected ErrDuplicateActive, got %v", err)
	}
}

func chainBuilder(id, subject string, ts time.Time) AuditBuilder {
	return func(prevSeq int64, prevHash string) (*models.AuditEntry, error) {
		return &models.AuditEntry{
			ID: id, Seq: prevSeq + 1, Action: models.ActionRecordRead, ActorID: "bob",
			SubjectID: subject, Timestamp: ts, Payload: map[string]any{"record_id": "r1"},
			HashPrev: prevHash, HashCurr: id + "-hash",
		}, nil
	}
}

func testAuditChainAndCursor(t *testing.T, s StorageBackend) {
	ctx := context.Background()
	ids := []string{"a-1", "a-2", "a-3"}
	for i, id := range ids {
		e, err := s.AppendAudit(ctx, "alice", chainBuilder(id, "alice", t0.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
		if e.Seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", e.Seq, i+1)
		}
	}
	if _, err := s.AppendAudit(ctx, "carol", chainBuilder("c-1", "carol", t0)); err != nil {
		t.Fatal(err)
	}

	chain, err := s.SubjectChain(ctx, "alice")
	if err != nil || len(chain) != 3 {
		t.Fatalf("SubjectChain = %d, %v", len(chain), err)
	}
	if chain[1].HashPrev != "a-1-hash" {
		t.Errorf("chain link broken: %q", chain[1].HashPrev)
	}

	page, err := s.QueryAudit(ctx, AuditFilter{SubjectID: "alice", Limit: 2})
	if err != nil || len(page) != 2 {
		t.Fatalf("first page = %d, %v", len(page), err)
	}
	last := page[len(page)-1]
	rest, err := s.QueryAudit(ctx, AuditFilter{SubjectID: "alice", AfterTime: &last.Timestamp, AfterID: last.ID})
	if err != nil || len(rest) != 1 || rest[0].ID != "a-3" {
		t.Fatalf("resumed page = %+v, %v", rest, err)
	}

	if err := s.AttachNotaryRef(ctx, "a-2", "seq:42"); err != nil {
		t.Fatalf("AttachNotaryRef: %v", err)
	}
	byActor, _ := s.QueryAudit(ctx, AuditFilter{ActorID: "bob", Action: models.ActionRecordRead})
	if len(byActor) != 4 {
		t.Errorf("actor filter returned %d entries, want 4", len(byActor))
	}
	for _, e := range byActor {
		if e.ID == "a-2" && e.NotaryRef != "seq:42" {
			t.Errorf("notary ref not attached: %+v", e)
		}
	}
}

func testPrincipals(t *testing.T, s StorageBackend) {
	ctx := context.Background()
	p := &models.Principal{ID: "dr-bob", DisplayName: "Dr Bob", Kind: models.PrincipalClinician, Active: true, CreatedAt: t0}
	if err := s.UpsertPrincipal(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Active = false
	if err := s.UpsertPrincipal(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPrincipal(ctx, "dr-bob")
	if err != nil || got.Active {
		t.Errorf("GetPrincipal = %+v, %v", got, err)
	}
	if _, err := s.GetPrincipal(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
