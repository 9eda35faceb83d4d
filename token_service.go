package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// MinSigningKeyLength is the minimum HMAC secret size accepted.
const MinSigningKeyLength = 32

// TokenService signs and verifies access tokens with a server held HMAC key.
type TokenService struct {
	signingKey  []byte
	ttl         time.Duration
	issuer      string
	audience    jwt.ClaimStrings
	signTimeout time.Duration
	now         func() time.Time
	logger      Logger
}

// TokenServiceOption customizes a TokenService.
type TokenServiceOption func(*TokenService)

// WithTokenClock injects a clock, mostly for tests.
func WithTokenClock(now func() time.Time) TokenServiceOption {
	return func(ts *TokenService) {
		if now != nil {
			ts.now = now
		}
	}
}

// WithTokenLogger sets the logger.
func WithTokenLogger(logger Logger) TokenServiceOption {
	return func(ts *TokenService) {
		ts.logger = normalizeLogger(logger)
	}
}

// WithSignTimeout bounds SignContext.
func WithSignTimeout(d time.Duration) TokenServiceOption {
	return func(ts *TokenService) {
		ts.signTimeout = d
	}
}

// NewTokenService creates a new TokenService instance
func NewTokenService(signingKey []byte, ttl time.Duration, issuer string, audience []string, opts ...TokenServiceOption) (*TokenService, error) {
	if len(signingKey) < MinSigningKeyLength {
		return nil, goerrors.New("signing key is too short", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest).
			WithMetadata(map[string]any{"min_length": MinSigningKeyLength})
	}

	if ttl <= 0 {
		return nil, goerrors.New("access token ttl must be positive", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest)
	}

	key := make([]byte, len(signingKey))
	copy(key, signingKey)

	var aud jwt.ClaimStrings
	if len(audience) > 0 {
		aud = make(jwt.ClaimStrings, len(audience))
		copy(aud, audience)
	}

	ts := &TokenService{
		signingKey: key,
		ttl:        ttl,
		issuer:     issuer,
		audience:   aud,
		now:        time.Now,
		logger:     defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}

	return ts, nil
}

// TTL returns the access token lifetime.
func (ts *TokenService) TTL() time.Duration {
	return ts.ttl
}

// NewClaims builds claims for user bound to sessionID, exp is iat + TTL.
func (ts *TokenService) NewClaims(user *User, sessionID string) *JWTClaims {
	now := ts.now()

	var aud jwt.ClaimStrings
	if len(ts.audience) > 0 {
		aud = make(jwt.ClaimStrings, len(ts.audience))
		copy(aud, ts.audience)
	}

	return &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ts.issuer,
			Subject:   user.ID.String(),
			Audience:  aud,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl)),
		},
		UID:       user.ID.String(),
		Email:     user.Email,
		UserRole:  string(user.Role),
		SessionID: sessionID,
	}
}

// Sign issues an access token for user.
func (ts *TokenService) Sign(ctx context.Context, user *User, sessionID string) (string, time.Time, error) {
	if user == nil {
		return "", time.Time{}, goerrors.New("user is required", goerrors.CategoryBadInput)
	}

	claims := ts.NewClaims(user, sessionID)
	token, err := ts.SignContext(ctx, claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, claims.Expires(), nil
}

// SignContext signs claims, honoring cancellation and the sign timeout.
func (ts *TokenService) SignContext(ctx context.Context, claims *JWTClaims) (string, error) {
	if ts.signTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ts.signTimeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryOperation, "token signing aborted")
	}

	token, err := ts.SignClaims(claims)
	if err != nil {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryOperation, "token signing aborted")
	}

	return token, nil
}

// SignClaims signs arbitrary JWT claims using the configured signing key.
func (ts *TokenService) SignClaims(claims *JWTClaims) (string, error) {
	if claims == nil {
		return "", goerrors.New("claims must not be nil", goerrors.CategoryInternal)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedString, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}

	return signedString, nil
}

// Validate parses and validates a token string, returning structured claims.
// It performs no I/O.
func (ts *TokenService) Validate(tokenString string) (*JWTClaims, error) {
	if tokenString == "" {
		return nil, ErrTokenMalformed
	}

	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ts.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}
	if len(ts.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ts.audience[0]))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ts.logger.Warn("TokenService validate encountered unexpected signing method", "alg", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)

	if err != nil {
		return nil, classifyTokenError(err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenMalformed
	}

	if _, ok := ParseRole(claims.UserRole); !ok || claims.UserID() == "" {
		return nil, withDetails(ErrTokenMalformed, nil, map[string]any{"claim": "role"})
	}

	return claims, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return withDetails(ErrTokenExpired, err, nil)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return withDetails(ErrInvalidSignature, err, nil)
	default:
		return withDetails(ErrTokenMalformed, err, nil)
	}
}
