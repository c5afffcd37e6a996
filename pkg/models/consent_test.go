package models

import (
	"testing"
	"time"
)

func TestScopeCovers(t *testing.T) {
	cases := []struct {
		name   string
		scope  Scope
		target Target
		want   bool
	}{
		{"all", Scope{All: true}, Target{RecordID: "r1", Category: CategoryImaging}, true},
		{"category match", Scope{Categories: []Category{CategoryVitals}}, Target{Category: CategoryVitals}, true},
		{"category miss", Scope{Categories: []Category{CategoryVitals}}, Target{Category: CategoryNote}, false},
		{"record match", Scope{RecordIDs: []string{"r1"}}, Target{RecordID: "r1", Category: CategoryNote}, true},
		{"record miss", Scope{RecordIDs: []string{"r1"}}, Target{RecordID: "r2", Category: CategoryNote}, false},
		{"empty", Scope{}, Target{RecordID: "r1"}, false},
	}
	for _, tc := range cases {
		if got := tc.scope.Covers(tc.target); got != tc.want {
			t.Errorf("%s: Covers=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestScopeKeyIsCanonical(t *testing.T) {
	a := Scope{
		Operations: []Operation{OpAnnotate, OpRead},
		Categories: []Category{CategoryVitals, CategoryLabResult},
	}
	b := Scope{
		Operations: []Operation{OpRead, OpAnnotate, OpRead},
		Categories: []Category{CategoryLabResult, CategoryVitals, CategoryVitals},
	}
	if a.Key() != b.Key() {
		t.Errorf("keys differ: %q vs %q", a.Key(), b.Key())
	}
	all := Scope{Operations: []Operation{OpRead}, All: true, Categories: []Category{CategoryNote}}
	if all.Key() != "read|all" {
		t.Errorf("unexpected all key %q", all.Key())
	}
}

func TestScopeSubsetOf(t *testing.T) {
	requested := Scope{Operations: []Operation{OpRead, OpAnnotate}, Categories: []Category{CategoryVitals, CategoryNote}}

	narrow := Scope{Operations: []Operation{OpRead}, Categories: []Category{CategoryVitals}}
	if !narrow.SubsetOf(requested) {
		t.Error("narrowed scope should be a subset")
	}
	wider := Scope{Operations: []Operation{OpRead}, All: true}
	if wider.SubsetOf(requested) {
		t.Error("all-scope should not be a subset of a category scope")
	}
	extraOp := Scope{Operations: []Operation{OpEmergencyRead}, Categories: []Category{CategoryVitals}}
	if extraOp.SubsetOf(requested) {
		t.Error("extra operation should not be a subset")
	}
}

func TestScopeBreadth(t *testing.T) {
	if (Scope{All: true}).Breadth() <= (Scope{Categories: []Category{CategoryNote}}).Breadth() {
		t.Error("all should be broader than categories")
	}
	if (Scope{Categories: []Category{CategoryNote}}).Breadth() <= (Scope{RecordIDs: []string{"r"}}).Breadth() {
		t.Error("categories should be broader than record ids")
	}
}

func TestRequestStaleOverlay(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r := &ConsentRequest{Status: RequestPending, RequestedAt: now.Add(-8 * 24 * time.Hour)}
	if got := r.EffectiveStatus(now, 7*24*time.Hour); got != RequestStale {
		t.Errorf("expected stale, got %s", got)
	}
	r.Status = RequestDenied
	if got := r.EffectiveStatus(now, 7*24*time.Hour); got != RequestDenied {
		t.Errorf("resolved requests are never stale, got %s", got)
	}
}

func TestGrantExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	g := &ConsentGrant{ExpiresAt: &past}
	if !g.IsExpiredAt(now) {
		t.Error("grant with past expiry should be expired")
	}
	g.ExpiresAt = nil
	if g.IsExpiredAt(now) {
		t.Error("grant without expiry never expires")
	}
}
