// Package auth issues and verifies the bearer tokens API callers present.
// A token names the principal it acts for; the operator role is reserved
// for vault administration.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleOperator  = "operator"
	RolePrincipal = "principal"

	// OperatorID is the actor id recorded for operator actions.
	OperatorID = "operator"

	// SigningContext derives the signing key from the vault KEK when no
	// static secret is configured.
	SigningContext = "consentvault-jwt-v1"

	issuer = "consentvault"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingClaims = errors.New("missing actor claims")
)

type contextKey string

const actorContextKey contextKey = "actor"

// Actor is the authenticated caller.
type Actor struct {
	ID   string
	Role string
}

func (a Actor) IsOperator() bool { return a.Role == RoleOperator }

// Claims is the token body.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// KeyFunc returns the HMAC signing key. It may fail while the vault is sealed.
type KeyFunc func() ([]byte, error)

// StaticKey signs with a fixed secret.
func StaticKey(secret string) KeyFunc {
	return func() ([]byte, error) { return []byte(secret), nil }
}

// TokenService signs and verifies HS256 tokens.
type TokenService struct {
	key KeyFunc
	now func() time.Time
}

func NewTokenService(key KeyFunc) *TokenService {
	return &TokenService{key: key, now: time.Now}
}

// Issue signs a token for actor. ttl == 0 issues a token without expiry.
func (s *TokenService) Issue(actor Actor, ttl time.Duration) (string, *Claims, error) {
	if actor.ID == "" || actor.Role == "" {
		return "", nil, ErrMissingClaims
	}
	key, err := s.key()
	if err != nil {
		return "", nil, fmt.Errorf("signing key: %w", err)
	}
	now := s.now().UTC()
	claims := &Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Issuer:   issuer,
			Subject:  actor.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses a token and returns the actor it names.
func (s *TokenService) Verify(token string) (Actor, *Claims, error) {
	key, err := s.key()
	if err != nil {
		return Actor{}, nil, fmt.Errorf("signing key: %w", err)
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !tok.Valid {
		return Actor{}, nil, ErrInvalidToken
	}
	if claims.Subject == "" || (claims.Role != RoleOperator && claims.Role != RolePrincipal) {
		return Actor{}, nil, ErrMissingClaims
	}
	return Actor{ID: claims.Subject, Role: claims.Role}, claims, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}
