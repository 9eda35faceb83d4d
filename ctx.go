package auth

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

var principalCtxKey = &contextKey{"principal"}
var claimsCtxKey = &contextKey{"claims"}

type contextKey struct {
	name string
}

// Principal is what downstream modules learn about the caller.
type Principal struct {
	IdentityID uuid.UUID `json:"userId"`
	Role       Role      `json:"role"`
	// SessionID is the refresh lineage the access token was minted for.
	SessionID uuid.UUID `json:"-"`
}

// WithPrincipal sets the Principal in the given context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// PrincipalFromContext finds the Principal attached by the role gate.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey).(Principal)
	return p, ok
}

// WithClaimsContext sets the verified claims in the given context
func WithClaimsContext(ctx context.Context, claims *JWTClaims) context.Context {
	return context.WithValue(ctx, claimsCtxKey, claims)
}

// GetClaims extracts the verified claims from the standard context
func GetClaims(ctx context.Context) (*JWTClaims, bool) {
	raw, ok := ctx.Value(claimsCtxKey).(*JWTClaims)
	return raw, ok
}

// PrincipalFromFiber returns the Principal stored in fiber locals under key,
// falling back to the user context.
func PrincipalFromFiber(c *fiber.Ctx, key string) (Principal, bool) {
	if key == "" {
		key = DefaultContextKey
	}
	if p, ok := c.Locals(key).(Principal); ok {
		return p, true
	}
	return PrincipalFromContext(c.UserContext())
}
