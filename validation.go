package auth

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
)

const (
	// MinPasswordLength is the shortest password accepted at registration.
	MinPasswordLength = 8
	// MaxPasswordLength is the bcrypt input limit.
	MaxPasswordLength = 72
	// DateLayout is the wire format of calendar dates.
	DateLayout = "2006-01-02"
)

// validationFailure clones base and attaches the per field messages
// produced by ozzo-validation.
func validationFailure(base *goerrors.Error, err error) error {
	if err == nil {
		return nil
	}

	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		fields := make(map[string]any, len(fieldErrs))
		for name, ferr := range fieldErrs {
			if ferr != nil {
				fields[name] = ferr.Error()
			}
		}
		return withDetails(base, err, map[string]any{"fields": fields})
	}

	return withDetails(base, err, nil)
}

// ValidationFields returns the per field messages attached to a validation error.
func ValidationFields(err error) map[string]string {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return nil
	}

	raw, ok := richErr.Metadata["fields"].(map[string]any)
	if !ok {
		return nil
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func knownRole(value any) error {
	var raw string
	switch v := value.(type) {
	case Role:
		raw = string(v)
	case string:
		raw = v
	default:
		return errors.New("must be a role")
	}

	if raw == "" {
		return nil
	}

	if _, ok := ParseRole(raw); !ok {
		return errors.New("must be one of admin, student, teacher, parent, direction")
	}
	return nil
}

func pastDate(now func() time.Time) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}

		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return errors.New("must be a date formatted as YYYY-MM-DD")
		}

		if t.After(now()) {
			return errors.New("must not be in the future")
		}
		return nil
	}
}
