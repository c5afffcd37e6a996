package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/org/consentvault/pkg/models"
)

// MemoryBackend is an in-process StorageBackend for development and tests.
// It keeps the same transactional guarantees as PostgresBackend by
// serializing every write under one lock.
type MemoryBackend struct {
	mu         sync.RWMutex
	init       *models.InitData
	keys       map[string]models.VaultKey
	records    map[string]models.Record
	requests   map[string]models.ConsentRequest
	grants     map[string]models.ConsentGrant
	audit      []models.AuditEntry
	auditIndex map[string]int
	principals map[string]models.Principal
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		keys:       make(map[string]models.VaultKey),
		records:    make(map[string]models.Record),
		requests:   make(map[string]models.ConsentRequest),
		grants:     make(map[string]models.ConsentGrant),
		auditIndex: make(map[string]int),
		principals: make(map[string]models.Principal),
	}
}

func (m *MemoryBackend) Close() {}

// --- Vault init ---

func (m *MemoryBackend) InitVault(_ context.Context, data *models.InitData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.init != nil {
		return ErrAlreadyExists
	}
	cp := *data
	m.init = &cp
	return nil
}

func (m *MemoryBackend) GetInitData(_ context.Context) (*models.InitData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.init == nil {
		return nil, ErrNotFound
	}
	cp := *m.init
	return &cp, nil
}

func (m *MemoryBackend) IsInitialized(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.init != nil, nil
}

// --- Owner keys ---

func (m *MemoryBackend) CreateVaultKey(_ context.Context, key *models.VaultKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.OwnerID]; ok {
		return ErrAlreadyExists
	}
	m.keys[key.OwnerID] = *key
	return nil
}

func (m *MemoryBackend) GetVaultKey(_ context.Context, ownerID string) (*models.VaultKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

// --- Records ---

func (m *MemoryBackend) CreateRecord(_ context.Context, rec *models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.keys[rec.OwnerID]; !ok {
		return ErrNotFound
	}
	m.records[rec.ID] = *rec
	return nil
}

func (m *MemoryBackend) GetRecord(_ context.Context, id string) (*models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryBackend) UpdateRecord(_ context.Context, id string, fn func(*models.Record) error) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(&r); err != nil {
		return nil, err
	}
	m.records[id] = r
	out := r
	return &out, nil
}

func (m *MemoryBackend) ListRecordsByOwner(_ context.Context, ownerID string) ([]models.RecordMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RecordMeta
	for _, r := range m.records {
		if r.OwnerID == ownerID {
			out = append(out, r.Meta())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- Consent requests ---

func (m *MemoryBackend) CreateRequest(_ context.Context, req *models.ConsentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return ErrAlreadyExists
	}
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryBackend) GetRequest(_ context.Context, id string) (*models.ConsentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryBackend) ListRequests(_ context.Context, filter RequestFilter) ([]*models.ConsentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ConsentRequest
	for _, r := range m.requests {
		if filter.match(&r) {
			cp := r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (m *MemoryBackend) ResolveRequest(_ context.Context, req *models.ConsentRequest, grant *models.ConsentGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != models.RequestPending {
		return ErrConflict
	}
	if grant != nil {
		if m.activeDuplicateLocked(grant) {
			return ErrDuplicateActive
		}
		m.grants[grant.ID] = *grant
	}
	m.requests[req.ID] = *req
	return nil
}

// --- Consent grants ---

func (m *MemoryBackend) activeDuplicateLocked(g *models.ConsentGrant) bool {
	for _, existing := range m.grants {
		if existing.Status == models.GrantActive &&
			existing.OwnerID == g.OwnerID &&
			existing.GranteeID == g.GranteeID &&
			existing.ScopeKey == g.ScopeKey {
			return true
		}
	}
	return false
}

func (m *MemoryBackend) CreateGrant(_ context.Context, g *models.ConsentGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[g.ID]; ok {
		return ErrAlreadyExists
	}
	if g.Status == models.GrantActive && m.activeDuplicateLocked(g) {
		return ErrDuplicateActive
	}
	m.grants[g.ID] = *g
	return nil
}

func (m *MemoryBackend) GetGrant(_ context.Context, id string) (*models.ConsentGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (m *MemoryBackend) ListGrants(_ context.Context, filter GrantFilter) ([]*models.ConsentGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ConsentGrant
	for _, g := range m.grants {
		if filter.match(&g) {
			cp := g
			out = append(out, &cp)
		}
	}
	sortGrants(out)
	return out, nil
}

func sortGrants(gs []*models.ConsentGrant) {
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].GrantedAt.Equal(gs[j].GrantedAt) {
			return gs[i].ID < gs[j].ID
		}
		return gs[i].GrantedAt.Before(gs[j].GrantedAt)
	})
}

func (m *MemoryBackend) TransitionGrant(_ context.Context, id string, to models.GrantStatus, actorID string, at time.Time) (*models.ConsentGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	if g.Status != models.GrantActive {
		return nil, ErrConflict
	}
	applyTransition(&g, to, actorID, at)
	m.grants[id] = g
	out := g
	return &out, nil
}

func applyTransition(g *models.ConsentGrant, to models.GrantStatus, actorID string, at time.Time) {
	g.Status = to
	switch to {
	case models.GrantRevoked:
		g.RevokedBy = actorID
		g.RevokedAt = &at
	case models.GrantExpired:
		g.ExpiredAt = &at
	}
}

func (m *MemoryBackend) ListExpiredGrants(_ context.Context, now time.Time) ([]*models.ConsentGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ConsentGrant
	for _, g := range m.grants {
		if g.Status == models.GrantActive && g.IsExpiredAt(now) {
			cp := g
			out = append(out, &cp)
		}
	}
	sortGrants(out)
	return out, nil
}

// --- Audit ---

func (m *MemoryBackend) AppendAudit(_ context.Context, subjectID string, build AuditBuilder) (*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prevSeq int64
	prevHash := ""
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].SubjectID == subjectID {
			prevSeq = m.audit[i].Seq
			prevHash = m.audit[i].HashCurr
			break
		}
	}
	e, err := build(prevSeq, prevHash)
	if err != nil {
		return nil, err
	}
	if _, ok := m.auditIndex[e.ID]; ok {
		return nil, ErrAlreadyExists
	}
	m.auditIndex[e.ID] = len(m.audit)
	m.audit = append(m.audit, *e)
	out := *e
	return &out, nil
}

func (m *MemoryBackend) AttachNotaryRef(_ context.Context, entryID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.auditIndex[entryID]
	if !ok {
		return ErrNotFound
	}
	m.audit[i].NotaryRef = ref
	return nil
}

func (m *MemoryBackend) QueryAudit(_ context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEntry
	for i := range m.audit {
		if filter.match(&m.audit[i]) {
			cp := m.audit[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryBackend) SubjectChain(_ context.Context, subjectID string) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEntry
	for i := range m.audit {
		if m.audit[i].SubjectID == subjectID {
			cp := m.audit[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// TamperAudit overwrites a stored entry in place. Test hook for chain verification.
func (m *MemoryBackend) TamperAudit(entryID string, fn func(*models.AuditEntry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.auditIndex[entryID]
	if !ok {
		return false
	}
	fn(&m.audit[i])
	return true
}

// TamperRecord overwrites a stored record in place. Test hook for integrity checks.
func (m *MemoryBackend) TamperRecord(id string, fn func(*models.Record)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return false
	}
	fn(&r)
	m.records[id] = r
	return true
}

// --- Principals ---

func (m *MemoryBackend) UpsertPrincipal(_ context.Context, p *models.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.principals[p.ID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = existing.CreatedAt
	}
	m.principals[p.ID] = *p
	return nil
}

func (m *MemoryBackend) GetPrincipal(_ context.Context, id string) (*models.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryBackend) ListPrincipals(_ context.Context) ([]*models.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Principal, 0, len(m.principals))
	for _, p := range m.principals {
		cp := p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ StorageBackend = (*MemoryBackend)(nil)
