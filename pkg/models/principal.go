package models

import "time"

// PrincipalKind classifies identities known to the resolver.
type PrincipalKind string

const (
	PrincipalPatient   PrincipalKind = "patient"
	PrincipalClinician PrincipalKind = "clinician"
	PrincipalAuthority PrincipalKind = "authority"
	PrincipalService   PrincipalKind = "service"
)

// Principal is an identity that may own records, request or grant access.
type Principal struct {
	ID          string        `json:"id" yaml:"id"`
	DisplayName string        `json:"display_name" yaml:"display_name"`
	Kind        PrincipalKind `json:"kind" yaml:"kind"`
	Active      bool          `json:"active" yaml:"active"`
	CreatedAt   time.Time     `json:"created_at" yaml:"-"`
}
