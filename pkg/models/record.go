package models

import (
	"fmt"
	"time"
)

// Category is the closed set of record kinds a vault accepts.
type Category string

const (
	CategoryVitals     Category = "vitals"
	CategoryMedication Category = "medication"
	CategoryLabResult  Category = "lab_result"
	CategoryImaging    Category = "imaging"
	CategoryNote       Category = "note"
	CategoryEmergency  Category = "emergency"
)

var categories = map[Category]bool{
	CategoryVitals:     true,
	CategoryMedication: true,
	CategoryLabResult:  true,
	CategoryImaging:    true,
	CategoryNote:       true,
	CategoryEmergency:  true,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return categories[c]
}

// ParseCategory converts a string into a Category, rejecting unknown values.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown record category %q", s)
	}
	return c, nil
}

// Record is a single encrypted unit of subject data.
// Ciphertext and Nonce are opaque; plaintext never lives on this struct.
type Record struct {
	ID                string
	OwnerID           string
	Category          Category
	Ciphertext        []byte
	Nonce             []byte
	IntegrityDigest   []byte
	Proof             []byte
	EmergencyEligible bool
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Meta returns the record's metadata without any encrypted material.
func (r *Record) Meta() RecordMeta {
	return RecordMeta{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		Category:          r.Category,
		EmergencyEligible: r.EmergencyEligible,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// RecordMeta is what the gateway and listings see of a record.
type RecordMeta struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	Category          Category  `json:"category"`
	EmergencyEligible bool      `json:"emergency_eligible"`
	Version           int       `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// VaultKey is an owner's data key, wrapped by the KEK.
type VaultKey struct {
	OwnerID    string
	WrappedKey []byte
	CreatedAt  time.Time
}

// InitData holds the vault initialization state stored in the database.
// Key shares are handed to operators once and never persisted; KEKCheck
// lets an unseal tell a correct root key from a wrong one.
type InitData struct {
	Shares        int
	Threshold     int
	KEKContext    string
	KEKCheck      []byte
	InitializedAt time.Time
}
