package consent

import "github.com/pkg/errors"

var (
	ErrNotFound         = errors.New("consent object not found")
	ErrNotPending       = errors.New("request is not pending")
	ErrOwnerMismatch    = errors.New("caller is not the owner")
	ErrScopeWidened     = errors.New("granted scope exceeds requested scope")
	ErrDuplicateGrant   = errors.New("an active grant with this scope already exists")
	ErrInvalidScope     = errors.New("invalid scope")
	ErrInvalidTTL       = errors.New("invalid ttl")
	ErrUnknownPrincipal = errors.New("unknown or inactive principal")
	ErrNotAuthority     = errors.New("principal is not an emergency authority")
	ErrSelfRequest      = errors.New("owners do not need access to their own records")
)
