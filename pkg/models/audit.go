package models

import "time"

// AuditAction tags what an AuditEntry records.
type AuditAction string

const (
	ActionVaultInitialized AuditAction = "vault-initialized"
	ActionRecordCreated    AuditAction = "record-created"
	ActionRecordUpdated    AuditAction = "record-updated"
	ActionRecordRead       AuditAction = "record-read"
	ActionGrantRequested   AuditAction = "grant-requested"
	ActionGrantIssued      AuditAction = "grant-issued"
	ActionGrantDenied      AuditAction = "grant-denied"
	ActionGrantRevoked     AuditAction = "grant-revoked"
	ActionGrantExpired     AuditAction = "grant-expired"
	ActionEmergencyAccess  AuditAction = "emergency-access"
)

// AuditEntry is one immutable fact in a subject's audit trail.
// Payload must never carry ciphertext, plaintext or key material.
type AuditEntry struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Action    AuditAction    `json:"action"`
	ActorID   string         `json:"actor_id"`
	SubjectID string         `json:"subject_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	HashPrev  string         `json:"hash_prev"`
	HashCurr  string         `json:"hash_curr"`
	NotaryRef string         `json:"notary_ref,omitempty"`
}
