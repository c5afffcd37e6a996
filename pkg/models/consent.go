package models

import (
	"sort"
	"strings"
	"time"
)

// Operation is a kind of access a grant can permit.
type Operation string

const (
	OpRead          Operation = "read"
	OpAnnotate      Operation = "annotate"
	OpEmergencyRead Operation = "emergency-read"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OpRead, OpAnnotate, OpEmergencyRead:
		return true
	}
	return false
}

// Scope is the set of (operation x target) pairs a grant permits.
// All means every record of the owner; otherwise Categories and RecordIDs
// enumerate the targets.
type Scope struct {
	Operations []Operation `json:"operations"`
	All        bool        `json:"all,omitempty"`
	Categories []Category  `json:"categories,omitempty"`
	RecordIDs  []string    `json:"record_ids,omitempty"`
}

// Target identifies the record an authorization check is about.
type Target struct {
	RecordID string
	Category Category
}

// Allows reports whether the scope permits op.
func (s Scope) Allows(op Operation) bool {
	for _, o := range s.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Covers reports whether the scope reaches the target.
func (s Scope) Covers(t Target) bool {
	if s.All {
		return true
	}
	for _, c := range s.Categories {
		if c == t.Category {
			return true
		}
	}
	for _, id := range s.RecordIDs {
		if id != "" && id == t.RecordID {
			return true
		}
	}
	return false
}

// Breadth ranks scopes for tie-breaking: all > categories > record ids.
func (s Scope) Breadth() int {
	switch {
	case s.All:
		return 3
	case len(s.Categories) > 0:
		return 2
	case len(s.RecordIDs) > 0:
		return 1
	}
	return 0
}

// SubsetOf reports whether every pair permitted by s is also permitted by other.
func (s Scope) SubsetOf(other Scope) bool {
	for _, op := range s.Operations {
		if !other.Allows(op) {
			return false
		}
	}
	if other.All {
		return true
	}
	if s.All {
		return false
	}
	for _, c := range s.Categories {
		if !other.Covers(Target{Category: c}) {
			return false
		}
	}
	for _, id := range s.RecordIDs {
		if !other.containsRecord(id) {
			return false
		}
	}
	return true
}

func (s Scope) containsRecord(id string) bool {
	for _, r := range s.RecordIDs {
		if r == id {
			return true
		}
	}
	return false
}

// Key is the canonical form of the scope, used to enforce one active grant
// per (owner, grantee, scope).
func (s Scope) Key() string {
	ops := make([]string, 0, len(s.Operations))
	seen := map[Operation]bool{}
	for _, o := range s.Operations {
		if !seen[o] {
			seen[o] = true
			ops = append(ops, string(o))
		}
	}
	sort.Strings(ops)

	var targets []string
	if s.All {
		targets = []string{"all"}
	} else {
		for _, c := range s.Categories {
			targets = append(targets, "c:"+string(c))
		}
		for _, id := range s.RecordIDs {
			targets = append(targets, "r:"+id)
		}
		sort.Strings(targets)
		targets = dedupe(targets)
	}
	return strings.Join(ops, ",") + "|" + strings.Join(targets, ",")
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for i, v := range in {
		if i == 0 || v != in[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// GrantStatus is the lifecycle state of a ConsentGrant.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
	GrantExpired GrantStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s GrantStatus) Terminal() bool {
	return s == GrantRevoked || s == GrantExpired
}

// ConsentGrant is a standing authorization from an owner to a grantee.
type ConsentGrant struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	GranteeID string      `json:"grantee_id"`
	Scope     Scope       `json:"scope"`
	ScopeKey  string      `json:"-"`
	RequestID string      `json:"request_id,omitempty"`
	IssuedBy  string      `json:"issued_by"`
	GrantedAt time.Time   `json:"granted_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Status    GrantStatus `json:"status"`
	RevokedBy string      `json:"revoked_by,omitempty"`
	RevokedAt *time.Time  `json:"revoked_at,omitempty"`
	ExpiredAt *time.Time  `json:"expired_at,omitempty"`
}

// IsExpiredAt returns true if the grant has an expiry that is not in the future at now.
func (g *ConsentGrant) IsExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// IsEmergency reports whether the grant was issued by someone other than the owner.
func (g *ConsentGrant) IsEmergency() bool {
	return g.IssuedBy != "" && g.IssuedBy != g.OwnerID
}

// RequestStatus is the lifecycle state of a ConsentRequest.
type RequestStatus string

const (
	RequestPending RequestStatus = "pending"
	RequestGranted RequestStatus = "granted"
	RequestDenied  RequestStatus = "denied"
	// RequestStale is never persisted; it overlays pending requests past the stale window.
	RequestStale RequestStatus = "stale"
)

// ConsentRequest is a grantee-initiated, owner-pending proposal.
type ConsentRequest struct {
	ID             string        `json:"id"`
	RequesterID    string        `json:"requester_id"`
	OwnerID        string        `json:"owner_id"`
	RequestedScope Scope         `json:"requested_scope"`
	RequestedAt    time.Time     `json:"requested_at"`
	Status         RequestStatus `json:"status"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	GrantID        string        `json:"grant_id,omitempty"`
	DenyReason     string        `json:"deny_reason,omitempty"`
}

// EffectiveStatus applies the stale overlay to pending requests.
func (r *ConsentRequest) EffectiveStatus(now time.Time, staleAfter time.Duration) RequestStatus {
	if r.Status == RequestPending && staleAfter > 0 && now.Sub(r.RequestedAt) >= staleAfter {
		return RequestStale
	}
	return r.Status
}
