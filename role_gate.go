package auth

import (
	"context"

	"github.com/google/uuid"
)

// DefaultContextKey is the fiber locals key the principal is stored under.
const DefaultContextKey = "principal"

// RoleGate is the single place where role checks happen. It verifies the
// access token and matches the role against what the route allows.
type RoleGate struct {
	validator TokenValidator
	logger    Logger
}

// NewRoleGate creates a RoleGate.
func NewRoleGate(validator TokenValidator, logger Logger) *RoleGate {
	return &RoleGate{
		validator: validator,
		logger:    normalizeLogger(logger),
	}
}

// Authorize returns ErrUnauthenticated when the token does not verify and
// ErrForbidden when the caller role is not in allowed. On success the
// principal and claims are attached to the returned context.
func (g *RoleGate) Authorize(ctx context.Context, token string, allowed RoleSet) (context.Context, Principal, error) {
	if token == "" {
		return ctx, Principal{}, withDetails(ErrUnauthenticated, nil, map[string]any{"reason": "missing_token"})
	}

	claims, err := g.validator.Validate(token)
	if err != nil {
		g.logger.Debug("access token rejected", "error", err)
		return ctx, Principal{}, withDetails(ErrUnauthenticated, err, map[string]any{"reason": tokenFailureReason(err)})
	}

	id, err := uuid.Parse(claims.UserID())
	if err != nil {
		return ctx, Principal{}, withDetails(ErrUnauthenticated, ErrTokenMalformed, map[string]any{"reason": "malformed"})
	}

	principal := Principal{
		IdentityID: id,
		Role:       claims.Role(),
	}
	if sid, err := uuid.Parse(claims.SessionID); err == nil {
		principal.SessionID = sid
	}

	if !allowed.Contains(principal.Role) {
		g.logger.Info("role not allowed on route", "user_id", principal.IdentityID, "role", principal.Role)
		return ctx, Principal{}, ErrForbidden
	}

	ctx = WithPrincipal(ctx, principal)
	ctx = WithClaimsContext(ctx, claims)
	return ctx, principal, nil
}

func tokenFailureReason(err error) string {
	switch {
	case IsKind(err, ErrTokenExpired):
		return "expired"
	case IsKind(err, ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "malformed"
	}
}
