package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config holds auth options
type Config interface {
	GetSigningKey() string
	GetPreviousSigningKeys() []string
	GetContextKey() string
	GetAccessTokenTTL() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetReuseGracePeriod() time.Duration
	GetBcryptCost() int
	GetHashWorkers() int
	GetHashTimeout() time.Duration
	GetSignTimeout() time.Duration
	GetTokenLookup() string
	GetAuthScheme() string
	GetIssuer() string
	GetAudience() []string
	GetOpenRegistrationRoles() []string
}

// TokenValidator verifies access tokens without I/O.
type TokenValidator interface {
	Validate(tokenString string) (*JWTClaims, error)
}

// IdentityFinder loads identities by id.
type IdentityFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
}

// RefreshTokenStore persists session lineages and refresh token state.
// Rotate must be a conditional update: it fails with ErrRotationConflict
// unless the current token is still active, and inserts next only when the
// consume succeeded.
type RefreshTokenStore interface {
	CreateSession(ctx context.Context, sess *Session, first *RefreshToken) error
	FindSession(ctx context.Context, id uuid.UUID) (*Session, error)
	FindToken(ctx context.Context, id uuid.UUID) (*RefreshToken, error)
	Rotate(ctx context.Context, currentID uuid.UUID, next *RefreshToken, at time.Time) error
	ExpireToken(ctx context.Context, id uuid.UUID, at time.Time) error
	RevokeSession(ctx context.Context, sessionID uuid.UUID, reason string, at time.Time) error
	RevokeUserSessions(ctx context.Context, userID uuid.UUID, reason string, at time.Time) (int, error)
}

// SessionMeta describes the client that opened a session.
type SessionMeta struct {
	UserAgent string
	IPAddress string
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Print("[ERR] AUTH " + formatLog(format, args...))
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Print("[WRN] AUTH " + formatLog(format, args...))
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Print("[INF] AUTH " + formatLog(format, args...))
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Print("[DBG] AUTH " + formatLog(format, args...))
}

// formatLog supports both printf style calls and key/value pairs.
func formatLog(format string, args ...any) string {
	if len(args) == 0 {
		return newline(format)
	}
	if strings.Contains(format, "%") {
		return newline(fmt.Sprintf(format, args...))
	}

	var b strings.Builder
	b.WriteString(format)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v", args[i])
		}
	}
	return newline(b.String())
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

// NopLogger discards everything, handy in tests.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
