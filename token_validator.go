package auth

// TokenValidatorFunc adapts a function into a TokenValidator.
type TokenValidatorFunc func(tokenString string) (*JWTClaims, error)

// Validate satisfies the TokenValidator interface.
func (f TokenValidatorFunc) Validate(tokenString string) (*JWTClaims, error) {
	if f == nil {
		return nil, ErrTokenMalformed
	}
	return f(tokenString)
}

// MultiTokenValidator tries validators in order until one succeeds. It is
// used while rotating the signing key: tokens minted with a retired key keep
// verifying until they expire.
// A signature mismatch moves on to the next validator, any other failure is
// final. When every validator rejects the signature the last error is
// returned.
type MultiTokenValidator struct {
	validators []TokenValidator
}

// NewMultiTokenValidator filters nil validators and returns a composite validator.
func NewMultiTokenValidator(validators ...TokenValidator) *MultiTokenValidator {
	filtered := make([]TokenValidator, 0, len(validators))
	for _, v := range validators {
		if v != nil {
			filtered = append(filtered, v)
		}
	}
	return &MultiTokenValidator{validators: filtered}
}

// Validate satisfies the TokenValidator interface.
func (m *MultiTokenValidator) Validate(tokenString string) (*JWTClaims, error) {
	var lastErr error
	for _, v := range m.validators {
		claims, err := v.Validate(tokenString)
		if err == nil {
			return claims, nil
		}
		if IsKind(err, ErrInvalidSignature) {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrTokenMalformed
}

// newGateValidator puts the active signing key first, followed by verify only
// services for retired keys.
func newGateValidator(active *TokenService, retired [][]byte, opts ...TokenServiceOption) (TokenValidator, error) {
	if len(retired) == 0 {
		return active, nil
	}

	validators := []TokenValidator{active}
	for _, key := range retired {
		ts, err := NewTokenService(key, active.ttl, active.issuer, active.audience, opts...)
		if err != nil {
			return nil, err
		}
		validators = append(validators, ts)
	}
	return NewMultiTokenValidator(validators...), nil
}
