package auth

import (
	"slices"
	"time"
)

// Principal is the identity resolved from a bearer token. Roles come from
// the token and may lag behind the store until the token expires; anything
// that grants access re-resolves through the Resolver.
type Principal struct {
	UserID     string
	TokenID    string
	TokenRoles []string
	ExpiresAt  time.Time
}

// NewPrincipal builds a principal from verified access claims.
func NewPrincipal(claims *AccessClaims) Principal {
	p := Principal{
		UserID:     claims.Subject,
		TokenID:    claims.ID,
		TokenRoles: dedupeRoles(claims.Roles),
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p
}

// Authenticated reports whether the principal carries a user.
func (p Principal) Authenticated() bool { return p.UserID != "" }

// HasTokenRole checks the roles embedded in the access token.
func (p Principal) HasTokenRole(role string) bool {
	return slices.Contains(p.TokenRoles, role)
}
