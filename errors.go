package auth

import (
	"context"
	"errors"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	TextCodeValidation            = "VALIDATION_ERROR"
	TextCodeDuplicateEmail        = "DUPLICATE_EMAIL"
	TextCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	TextCodeUnauthenticated       = "UNAUTHENTICATED"
	TextCodeForbidden             = "FORBIDDEN"
	TextCodeTokenExpired          = "TOKEN_EXPIRED"
	TextCodeInvalidSignature      = "INVALID_SIGNATURE"
	TextCodeTokenMalformed        = "TOKEN_MALFORMED"
	TextCodeRefreshTokenExpired   = "REFRESH_TOKEN_EXPIRED"
	TextCodeRefreshTokenReused    = "REFRESH_TOKEN_REUSED"
	TextCodeRefreshTokenRevoked   = "REFRESH_TOKEN_REVOKED"
	TextCodeRefreshTokenInvalid   = "REFRESH_TOKEN_INVALID"
	TextCodeIncompleteProfileData = "INCOMPLETE_PROFILE_DATA"
	TextCodeDuplicateProfile      = "DUPLICATE_PROFILE"
	TextCodeStorageFailure        = "STORAGE_FAILURE"
	TextCodeRecordNotFound        = "RECORD_NOT_FOUND"
	TextCodeRotationConflict      = "ROTATION_CONFLICT"
	TextCodeHashTimeout           = "HASH_TIMEOUT"
)

// ErrValidation is returned for malformed or missing input.
var ErrValidation = goerrors.New("invalid request payload", goerrors.CategoryValidation).
	WithTextCode(TextCodeValidation).
	WithCode(goerrors.CodeBadRequest)

// ErrDuplicateEmail is returned when an identity with the same email exists.
var ErrDuplicateEmail = goerrors.New("email already registered", goerrors.CategoryConflict).
	WithTextCode(TextCodeDuplicateEmail).
	WithCode(goerrors.CodeConflict)

// ErrInvalidCredentials is the single answer for unknown email and wrong password.
var ErrInvalidCredentials = goerrors.New("invalid credentials", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrUnauthenticated is returned by the role gate for missing, invalid or expired access tokens.
var ErrUnauthenticated = goerrors.New("authentication required", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthenticated).
	WithCode(goerrors.CodeUnauthorized)

// ErrForbidden is returned by the role gate when the caller role is not allowed.
var ErrForbidden = goerrors.New("access denied", goerrors.CategoryAuthz).
	WithTextCode(TextCodeForbidden).
	WithCode(goerrors.CodeForbidden)

// ErrTokenExpired is returned when an access token is past its exp claim.
var ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrInvalidSignature is returned when the access token signature does not verify.
var ErrInvalidSignature = goerrors.New("token signature is invalid", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidSignature).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenMalformed is returned when an access token cannot be parsed.
var ErrTokenMalformed = goerrors.New("token is malformed", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenMalformed).
	WithCode(goerrors.CodeUnauthorized)

// ErrRefreshTokenExpired is returned when a refresh token is past its TTL.
var ErrRefreshTokenExpired = goerrors.New("refresh token expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeRefreshTokenExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrRefreshTokenReused is returned when a consumed refresh token is presented again.
var ErrRefreshTokenReused = goerrors.New("refresh token already used", goerrors.CategoryAuth).
	WithTextCode(TextCodeRefreshTokenReused).
	WithCode(goerrors.CodeUnauthorized)

// ErrRefreshTokenRevoked is returned when the refresh token session was revoked.
var ErrRefreshTokenRevoked = goerrors.New("refresh token revoked", goerrors.CategoryAuth).
	WithTextCode(TextCodeRefreshTokenRevoked).
	WithCode(goerrors.CodeUnauthorized)

// ErrRefreshTokenInvalid is returned for unknown or tampered refresh tokens.
var ErrRefreshTokenInvalid = goerrors.New("refresh token invalid", goerrors.CategoryAuth).
	WithTextCode(TextCodeRefreshTokenInvalid).
	WithCode(goerrors.CodeUnauthorized)

// ErrIncompleteProfileData is returned when role specific registration fields are missing.
var ErrIncompleteProfileData = goerrors.New("incomplete profile data", goerrors.CategoryValidation).
	WithTextCode(TextCodeIncompleteProfileData).
	WithCode(goerrors.CodeBadRequest)

// ErrDuplicateProfile is returned when a matricule or employee number is taken.
var ErrDuplicateProfile = goerrors.New("profile identifier already registered", goerrors.CategoryConflict).
	WithTextCode(TextCodeDuplicateProfile).
	WithCode(goerrors.CodeConflict)

// ErrStorageFailure is the opaque error callers see for any persistence problem.
var ErrStorageFailure = goerrors.New("internal storage failure", goerrors.CategoryInternal).
	WithTextCode(TextCodeStorageFailure).
	WithCode(goerrors.CodeInternal)

// ErrRecordNotFound is returned by stores when a lookup has no result.
var ErrRecordNotFound = goerrors.New("record not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeRecordNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrRotationConflict is returned by stores when a refresh token is no longer active
// at the time of the conditional consume.
var ErrRotationConflict = goerrors.New("refresh token is not active", goerrors.CategoryConflict).
	WithTextCode(TextCodeRotationConflict).
	WithCode(goerrors.CodeConflict)

// ErrHashTimeout is returned when a hashing job does not finish in time.
var ErrHashTimeout = goerrors.New("password hashing timed out", goerrors.CategoryOperation).
	WithTextCode(TextCodeHashTimeout).
	WithCode(503)

// IsKind reports whether err carries the same text code as kind.
func IsKind(err error, kind *goerrors.Error) bool {
	if err == nil || kind == nil {
		return false
	}

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}

	for richErr != nil {
		if richErr.TextCode == kind.TextCode {
			return true
		}
		var next *goerrors.Error
		if richErr.Source == nil || !goerrors.As(richErr.Source, &next) {
			return false
		}
		richErr = next
	}

	return false
}

// withDetails clones a sentinel so metadata never leaks into the shared value.
func withDetails(base *goerrors.Error, source error, meta map[string]any) *goerrors.Error {
	clone := base.Clone()
	if clone == nil {
		return base
	}
	clone.Source = source
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}
	return clone
}

// storageFailure logs the full context and returns the opaque ErrStorageFailure.
func storageFailure(logger Logger, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		logger.Warn("storage operation interrupted", "op", op, "error", err)
	} else {
		logger.Error("storage operation failed", "op", op, "error", err)
	}
	return withDetails(ErrStorageFailure, err, map[string]any{"op": op})
}

// IsUniqueViolation reports whether err is a unique constraint violation from
// either the sqlite or postgres drivers.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}

	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, ErrTokenExpired) {
		return true
	}
	return strings.Contains(err.Error(), "token is expired")
}

// IsMalformedError will check for error message
func IsMalformedError(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, ErrTokenMalformed) {
		return true
	}
	return strings.Contains(err.Error(), "token is malformed") ||
		strings.Contains(err.Error(), "missing or malformed JWT")
}
