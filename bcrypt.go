package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/crypto/bcrypt"
)

// ErrNoEmptyString is returned when hashing an empty password
var ErrNoEmptyString = goerrors.New("password must not be empty", goerrors.CategoryBadInput).
	WithTextCode(TextCodeValidation).
	WithCode(goerrors.CodeBadRequest)

// ErrMismatchedHashAndPassword is returned when a password does not match its hash
var ErrMismatchedHashAndPassword = goerrors.New("password does not match", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// PasswordHasher hashes and compares passwords on a bounded pool.
type PasswordHasher struct {
	cost      int
	pool      *HashPool
	dummyHash []byte
}

// NewPasswordHasher creates a bcrypt hasher with the given cost. A dummy hash
// of the same cost is prepared so lookups for unknown identities can pay the
// same comparison price as real ones.
func NewPasswordHasher(cost int, pool *HashPool) (*PasswordHasher, error) {
	cost = passwordHashCost(cost)
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, goerrors.New("bcrypt cost out of range", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest).
			WithMetadata(map[string]any{"cost": cost})
	}

	if pool == nil {
		pool = NewHashPool(0, 0)
	}

	seed := make([]byte, 24)
	if _, err := rand.Read(seed); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to seed dummy hash")
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte(base64.RawStdEncoding.EncodeToString(seed)), cost)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to build dummy hash")
	}

	return &PasswordHasher{
		cost:      cost,
		pool:      pool,
		dummyHash: dummy,
	}, nil
}

// Cost returns the effective bcrypt work factor.
func (h *PasswordHasher) Cost() int {
	return h.cost
}

// Hash generates a salted bcrypt hash for password.
func (h *PasswordHasher) Hash(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", ErrNoEmptyString
	}

	var out []byte
	err := h.pool.Run(ctx, func() error {
		var err error
		out, err = bcrypt.GenerateFromPassword([]byte(password), h.cost)
		return err
	})
	if err != nil {
		return "", err
	}

	return string(out), nil
}

// Compare validates password against hash. An empty hash is compared against
// the dummy hash and always fails, with the same cost as a real mismatch.
func (h *PasswordHasher) Compare(ctx context.Context, password, hash string) error {
	target := []byte(hash)
	missing := hash == ""
	if missing {
		target = h.dummyHash
	}

	err := h.pool.Run(ctx, func() error {
		return bcrypt.CompareHashAndPassword(target, []byte(password))
	})

	switch {
	case err == nil && missing:
		return ErrMismatchedHashAndPassword
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return ErrMismatchedHashAndPassword
	default:
		return err
	}
}
