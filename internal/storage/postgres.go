package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/consentvault/pkg/models"
)

const uniqueViolation = "23505"

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// --- Vault init ---

func (p *PostgresBackend) InitVault(ctx context.Context, data *models.InitData) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `LOCK TABLE vault_init IN EXCLUSIVE MODE`); err != nil {
		return err
	}
	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM vault_init`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrAlreadyExists
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO vault_init (shares, threshold, kek_context, kek_check, initialized_at) VALUES ($1, $2, $3, $4, $5)`,
		data.Shares, data.Threshold, data.KEKContext, data.KEKCheck, data.InitializedAt,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresBackend) GetInitData(ctx context.Context) (*models.InitData, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT shares, threshold, kek_context, kek_check, initialized_at FROM vault_init ORDER BY id LIMIT 1`,
	)
	var data models.InitData
	if err := row.Scan(&data.Shares, &data.Threshold, &data.KEKContext, &data.KEKCheck, &data.InitializedAt); err != nil {
		return nil, notFound(err)
	}
	data.InitializedAt = data.InitializedAt.UTC()
	return &data, nil
}

func (p *PostgresBackend) IsInitialized(ctx context.Context) (bool, error) {
	var count int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vault_init`).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Owner keys ---

func (p *PostgresBackend) CreateVaultKey(ctx context.Context, key *models.VaultKey) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO vault_keys (owner_id, wrapped_key, created_at) VALUES ($1, $2, $3)`,
		key.OwnerID, key.WrappedKey, key.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetVaultKey(ctx context.Context, ownerID string) (*models.VaultKey, error) {
	var k models.VaultKey
	err := p.pool.QueryRow(ctx,
		`SELECT owner_id, wrapped_key, created_at FROM vault_keys WHERE owner_id = $1`, ownerID,
	).Scan(&k.OwnerID, &k.WrappedKey, &k.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// --- Records ---

const recordColumns = `id, owner_id, category, ciphertext, nonce, integrity_digest, proof,
	emergency_eligible, version, created_at, updated_at`

func scanRecord(row pgx.Row) (*models.Record, error) {
	var r models.Record
	var category string
	err := row.Scan(&r.ID, &r.OwnerID, &category, &r.Ciphertext, &r.Nonce, &r.IntegrityDigest,
		&r.Proof, &r.EmergencyEligible, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	r.Category = models.Category(category)
	return &r, nil
}

func (p *PostgresBackend) CreateRecord(ctx context.Context, rec *models.Record) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.OwnerID, string(rec.Category), rec.Ciphertext, rec.Nonce, rec.IntegrityDigest,
		rec.Proof, rec.EmergencyEligible, rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	return scanRecord(p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id))
}

func (p *PostgresBackend) UpdateRecord(ctx context.Context, id string, fn func(*models.Record) error) (*models.Record, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE records SET ciphertext = $2, nonce = $3, integrity_digest = $4, proof = $5,
		        emergency_eligible = $6, version = $7, updated_at = $8
		 WHERE id = $1`,
		id, rec.Ciphertext, rec.Nonce, rec.IntegrityDigest, rec.Proof,
		rec.EmergencyEligible, rec.Version, rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("updating record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresBackend) ListRecordsByOwner(ctx context.Context, ownerID string) ([]models.RecordMeta, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, owner_id, category, emergency_eligible, version, created_at, updated_at
		 FROM records WHERE owner_id = $1 ORDER BY created_at, id`, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RecordMeta
	for rows.Next() {
		var m models.RecordMeta
		var category string
		if err := rows.Scan(&m.ID, &m.OwnerID, &category, &m.EmergencyEligible, &m.Version, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Category = models.Category(category)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Consent requests ---

const requestColumns = `id, requester_id, owner_id, requested_scope, requested_at, status,
	resolved_at, COALESCE(grant_id, ''), deny_reason`

func scanRequest(row pgx.Row) (*models.ConsentRequest, error) {
	var r models.ConsentRequest
	var scopeJSON []byte
	var status string
	err := row.Scan(&r.ID, &r.RequesterID, &r.OwnerID, &scopeJSON, &r.RequestedAt, &status,
		&r.ResolvedAt, &r.GrantID, &r.DenyReason)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(scopeJSON, &r.RequestedScope); err != nil {
		return nil, fmt.Errorf("decoding requested scope: %w", err)
	}
	r.Status = models.RequestStatus(status)
	return &r, nil
}

func (p *PostgresBackend) CreateRequest(ctx context.Context, req *models.ConsentRequest) error {
	scopeJSON, err := json.Marshal(req.RequestedScope)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO consent_requests (id, requester_id, owner_id, requested_scope, requested_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		req.ID, req.RequesterID, req.OwnerID, scopeJSON, req.RequestedAt, string(req.Status),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetRequest(ctx context.Context, id string) (*models.ConsentRequest, error) {
	return scanRequest(p.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM consent_requests WHERE id = $1`, id))
}

func (p *PostgresBackend) ListRequests(ctx context.Context, filter RequestFilter) ([]*models.ConsentRequest, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + requestColumns + ` FROM consent_requests WHERE 1=1`)
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&query, clause, len(args))
	}
	if filter.OwnerID != "" {
		add(` AND owner_id = $%d`, filter.OwnerID)
	}
	if filter.RequesterID != "" {
		add(` AND requester_id = $%d`, filter.RequesterID)
	}
	if filter.Status != "" {
		add(` AND status = $%d`, string(filter.Status))
	}
	query.WriteString(` ORDER BY requested_at, id`)

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ConsentRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) ResolveRequest(ctx context.Context, req *models.ConsentRequest, grant *models.ConsentGrant) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE consent_requests SET status = $2, resolved_at = $3, grant_id = $4, deny_reason = $5
		 WHERE id = $1 AND status = 'pending'`,
		req.ID, string(req.Status), req.ResolvedAt, nullable(req.GrantID), req.DenyReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consent_requests WHERE id = $1)`, req.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	if grant != nil {
		if err := insertGrant(ctx, tx, grant); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// --- Consent grants ---

const grantColumns = `id, owner_id, grantee_id, scope, scope_key, COALESCE(request_id, ''), issued_by,
	granted_at, expires_at, status, revoked_by, revoked_at, expired_at`

func scanGrant(row pgx.Row) (*models.ConsentGrant, error) {
	var g models.ConsentGrant
	var scopeJSON []byte
	var status string
	err := row.Scan(&g.ID, &g.OwnerID, &g.GranteeID, &scopeJSON, &g.ScopeKey, &g.RequestID, &g.IssuedBy,
		&g.GrantedAt, &g.ExpiresAt, &status, &g.RevokedBy, &g.RevokedAt, &g.ExpiredAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(scopeJSON, &g.Scope); err != nil {
		return nil, fmt.Errorf("decoding grant scope: %w", err)
	}
	g.Status = models.GrantStatus(status)
	return &g, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertGrant(ctx context.Context, db execer, g *models.ConsentGrant) error {
	scopeJSON, err := json.Marshal(g.Scope)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx,
		`INSERT INTO consent_grants (id, owner_id, grantee_id, scope, scope_key, request_id, issued_by,
		                             granted_at, expires_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID, g.OwnerID, g.GranteeID, scopeJSON, g.ScopeKey, nullable(g.RequestID), g.IssuedBy,
		g.GrantedAt, g.ExpiresAt, string(g.Status),
	)
	if isUniqueViolation(err) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_consent_grants_active_scope" {
			return ErrDuplicateActive
		}
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) CreateGrant(ctx context.Context, g *models.ConsentGrant) error {
	return insertGrant(ctx, p.pool, g)
}

func (p *PostgresBackend) GetGrant(ctx context.Context, id string) (*models.ConsentGrant, error) {
	return scanGrant(p.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM consent_grants WHERE id = $1`, id))
}

func (p *PostgresBackend) queryGrants(ctx context.Context, sql string, args ...any) ([]*models.ConsentGrant, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ConsentGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) ListGrants(ctx context.Context, filter GrantFilter) ([]*models.ConsentGrant, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + grantColumns + ` FROM consent_grants WHERE 1=1`)
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&query, clause, len(args))
	}
	if filter.OwnerID != "" {
		add(` AND owner_id = $%d`, filter.OwnerID)
	}
	if filter.GranteeID != "" {
		add(` AND grantee_id = $%d`, filter.GranteeID)
	}
	if filter.Status != "" {
		add(` AND status = $%d`, string(filter.Status))
	}
	query.WriteString(` ORDER BY granted_at, id`)
	return p.queryGrants(ctx, query.String(), args...)
}

func (p *PostgresBackend) TransitionGrant(ctx context.Context, id string, to models.GrantStatus, actorID string, at time.Time) (*models.ConsentGrant, error) {
	var row pgx.Row
	switch to {
	case models.GrantRevoked:
		row = p.pool.QueryRow(ctx,
			`UPDATE consent_grants SET status = 'revoked', revoked_by = $2, revoked_at = $3
			 WHERE id = $1 AND status = 'active' RETURNING `+grantColumns,
			id, actorID, at)
	case models.GrantExpired:
		row = p.pool.QueryRow(ctx,
			`UPDATE consent_grants SET status = 'expired', expired_at = $2
			 WHERE id = $1 AND status = 'active' RETURNING `+grantColumns,
			id, at)
	default:
		return nil, fmt.Errorf("invalid grant transition to %q", to)
	}
	g, err := scanGrant(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := p.GetGrant(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	return g, err
}

func (p *PostgresBackend) ListExpiredGrants(ctx context.Context, now time.Time) ([]*models.ConsentGrant, error) {
	return p.queryGrants(ctx,
		`SELECT `+grantColumns+` FROM consent_grants
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		 ORDER BY granted_at, id`, now,
	)
}

// --- Audit ---

const auditColumns = `id, seq, action, actor_id, subject_id, timestamp, payload, hash_prev, hash_curr, notary_ref`

func scanAudit(row pgx.Row) (*models.AuditEntry, error) {
	var e models.AuditEntry
	var action string
	var payloadJSON []byte
	if err := row.Scan(&e.ID, &e.Seq, &action, &e.ActorID, &e.SubjectID, &e.Timestamp,
		&payloadJSON, &e.HashPrev, &e.HashCurr, &e.NotaryRef); err != nil {
		return nil, notFound(err)
	}
	e.Action = models.AuditAction(action)
	e.Timestamp = e.Timestamp.UTC()
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return nil, fmt.Errorf("decoding audit payload: %w", err)
		}
	}
	return &e, nil
}

// AppendAudit serializes appends per subject with a transaction-scoped
// advisory lock so seq and hash_prev are assigned without gaps or forks.
func (p *PostgresBackend) AppendAudit(ctx context.Context, subjectID string, build AuditBuilder) (*models.AuditEntry, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, subjectID); err != nil {
		return nil, fmt.Errorf("locking audit chain: %w", err)
	}
	var prevSeq int64
	var prevHash string
	err = tx.QueryRow(ctx,
		`SELECT seq, hash_curr FROM audit_log WHERE subject_id = $1 ORDER BY seq DESC LIMIT 1`, subjectID,
	).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	e, err := build(prevSeq, prevHash)
	if err != nil {
		return nil, err
	}
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding audit payload: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO audit_log (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Seq, string(e.Action), e.ActorID, e.SubjectID, e.Timestamp, payloadJSON,
		e.HashPrev, e.HashCurr, e.NotaryRef,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("inserting audit entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresBackend) AttachNotaryRef(ctx context.Context, entryID, ref string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE audit_log SET notary_ref = $2 WHERE id = $1`, entryID, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) QueryAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + auditColumns + ` FROM audit_log WHERE 1=1`)
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&query, clause, len(args))
	}
	if filter.ActorID != "" {
		add(` AND actor_id = $%d`, filter.ActorID)
	}
	if filter.SubjectID != "" {
		add(` AND subject_id = $%d`, filter.SubjectID)
	}
	if filter.Action != "" {
		add(` AND action = $%d`, string(filter.Action))
	}
	if filter.Since != nil {
		add(` AND timestamp >= $%d`, *filter.Since)
	}
	if filter.Until != nil {
		add(` AND timestamp < $%d`, *filter.Until)
	}
	if filter.AfterTime != nil {
		args = append(args, *filter.AfterTime, filter.AfterID)
		fmt.Fprintf(&query, ` AND (timestamp, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	query.WriteString(` ORDER BY timestamp, id`)
	if filter.Limit > 0 {
		add(` LIMIT $%d`, filter.Limit)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) SubjectChain(ctx context.Context, subjectID string) ([]*models.AuditEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE subject_id = $1 ORDER BY seq`, subjectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Principals ---

func (p *PostgresBackend) UpsertPrincipal(ctx context.Context, pr *models.Principal) error {
	created := pr.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO principals (id, display_name, kind, active, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET display_name = EXCLUDED.display_name, kind = EXCLUDED.kind, active = EXCLUDED.active`,
		pr.ID, pr.DisplayName, string(pr.Kind), pr.Active, created,
	)
	return err
}

func scanPrincipal(row pgx.Row) (*models.Principal, error) {
	var pr models.Principal
	var kind string
	if err := row.Scan(&pr.ID, &pr.DisplayName, &kind, &pr.Active, &pr.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	pr.Kind = models.PrincipalKind(kind)
	return &pr, nil
}

func (p *PostgresBackend) GetPrincipal(ctx context.Context, id string) (*models.Principal, error) {
	return scanPrincipal(p.pool.QueryRow(ctx,
		`SELECT id, display_name, kind, active, created_at FROM principals WHERE id = $1`, id))
}

func (p *PostgresBackend) ListPrincipals(ctx context.Context) ([]*models.Principal, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, display_name, kind, active, created_at FROM principals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Principal
	for rows.Next() {
		pr, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

var _ StorageBackend = (*PostgresBackend)(nil)
