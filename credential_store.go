package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// MaxLoginAttempts is the maximun number of attempts a user gets
// in a period
var MaxLoginAttempts = 5

// CoolDownPeriod is the period in which we enforce a cool down
var CoolDownPeriod = 15 * time.Minute

// NewIdentity is the input to CredentialStore.Create.
type NewIdentity struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      Role   `json:"role"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	// UseHashid derives the identity id from the email.
	UseHashid bool `json:"-"`
}

// Validate checks the identity payload.
func (n NewIdentity) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.Email, validation.Required, is.Email),
		validation.Field(&n.Password, validation.Required, validation.Length(MinPasswordLength, MaxPasswordLength)),
		validation.Field(&n.Role, validation.Required, validation.By(knownRole)),
		validation.Field(&n.FirstName, validation.Length(0, 100)),
		validation.Field(&n.LastName, validation.Length(0, 100)),
	)
}

// CredentialStore owns identity records and password verification.
type CredentialStore struct {
	repo   RepositoryManager
	hasher *PasswordHasher
	logger Logger
	now    func() time.Time

	maxAttempts int
	cooldown    time.Duration
}

// CredentialStoreOption customizes the store.
type CredentialStoreOption func(*CredentialStore)

// WithCredentialLogger sets the logger.
func WithCredentialLogger(logger Logger) CredentialStoreOption {
	return func(s *CredentialStore) {
		s.logger = normalizeLogger(logger)
	}
}

// WithCredentialClock injects the clock used by the lockout window.
func WithCredentialClock(now func() time.Time) CredentialStoreOption {
	return func(s *CredentialStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLoginLockout overrides MaxLoginAttempts and CoolDownPeriod.
// A non positive attempts value disables the lockout.
func WithLoginLockout(attempts int, cooldown time.Duration) CredentialStoreOption {
	return func(s *CredentialStore) {
		s.maxAttempts = attempts
		s.cooldown = cooldown
	}
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(repo RepositoryManager, hasher *PasswordHasher, opts ...CredentialStoreOption) *CredentialStore {
	s := &CredentialStore{
		repo:        repo,
		hasher:      hasher,
		logger:      defLogger{},
		now:         time.Now,
		maxAttempts: MaxLoginAttempts,
		cooldown:    CoolDownPeriod,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create validates, hashes and persists a new identity.
func (s *CredentialStore) Create(ctx context.Context, in NewIdentity) (*User, error) {
	user, err := s.Prepare(ctx, in)
	if err != nil {
		return nil, err
	}

	var created *User
	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		created, err = s.InsertTx(ctx, tx, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Prepare validates the payload, rejects taken emails and hashes the
// password. The email check runs before hashing so doomed attempts cost no CPU.
// The returned user is not persisted.
func (s *CredentialStore) Prepare(ctx context.Context, in NewIdentity) (*User, error) {
	in.Email = NormalizeEmail(in.Email)
	if role, ok := ParseRole(string(in.Role)); ok {
		in.Role = role
	}

	if err := in.Validate(); err != nil {
		return nil, validationFailure(ErrValidation, err)
	}

	exists, err := s.repo.Users().EmailExists(ctx, in.Email)
	if err != nil {
		return nil, storageFailure(s.logger, "users.email_exists", err)
	}
	if exists {
		return nil, withDetails(ErrDuplicateEmail, nil, map[string]any{"email": in.Email})
	}

	hash, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		if IsKind(err, ErrHashTimeout) || IsKind(err, ErrValidation) {
			return nil, err
		}
		return nil, storageFailure(s.logger, "password.hash", err)
	}

	user := &User{
		Email:        in.Email,
		PasswordHash: hash,
		Role:         in.Role,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Active:       true,
	}

	if in.UseHashid {
		if id, err := hashid.NewUUID(in.Email); err == nil {
			user.ID = id
		}
	}

	return user, nil
}

// InsertTx persists a prepared identity inside tx. A unique violation that
// slipped past the early check still surfaces as ErrDuplicateEmail.
func (s *CredentialStore) InsertTx(ctx context.Context, tx bun.IDB, user *User) (*User, error) {
	created, err := s.repo.Users().CreateTx(ctx, tx, user)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, withDetails(ErrDuplicateEmail, nil, map[string]any{"email": user.Email})
		}
		return nil, storageFailure(s.logger, "users.create", err)
	}
	return created, nil
}

// Validate checks email and password. Unknown emails, wrong passwords and
// identities in their cool down window produce the same error after the same
// amount of hashing work.
func (s *CredentialStore) Validate(ctx context.Context, email, password string) (*User, error) {
	user, _, err := s.authenticate(ctx, email, password)
	return user, err
}

// authenticate is Validate that also reports whether the identity was locked
// out, for the activity event only.
func (s *CredentialStore) authenticate(ctx context.Context, email, password string) (*User, bool, error) {
	user, err := s.repo.Users().FindByEmail(ctx, email)
	if err != nil {
		if !IsKind(err, ErrRecordNotFound) {
			return nil, false, storageFailure(s.logger, "users.find_by_email", err)
		}
		if cerr := s.hasher.Compare(ctx, password, ""); cerr != nil && !IsKind(cerr, ErrInvalidCredentials) {
			return nil, false, cerr
		}
		return nil, false, ErrInvalidCredentials
	}

	cerr := s.hasher.Compare(ctx, password, user.PasswordHash)
	if cerr != nil && !IsKind(cerr, ErrInvalidCredentials) {
		return nil, false, cerr
	}

	if s.lockedOut(user) {
		s.logger.Warn("login attempt during cool down", "user_id", user.ID, "retry_after", s.cooldown.String())
		return nil, true, ErrInvalidCredentials
	}

	if cerr != nil {
		if err := s.repo.Users().TrackAttemptedLogin(ctx, user); err != nil {
			s.logger.Error("failed to track login attempt", "user_id", user.ID, "error", err)
		}
		return nil, false, ErrInvalidCredentials
	}

	if !user.Active {
		return nil, false, ErrInvalidCredentials
	}

	if err := s.repo.Users().TrackSuccessfulLogin(ctx, user); err != nil {
		s.logger.Error("failed to track successful login", "user_id", user.ID, "error", err)
	}

	return user, false, nil
}

// lockedOut reports whether the identity used up its attempts within the
// cool down window. Attempts older than the window no longer count.
func (s *CredentialStore) lockedOut(user *User) bool {
	if s.maxAttempts <= 0 || user.LoginAttemptAt == nil {
		return false
	}

	if !isWithin(s.now(), *user.LoginAttemptAt, s.cooldown) {
		user.LoginAttempts = 0
		return false
	}

	return user.LoginAttempts >= s.maxAttempts
}

// UpdatePassword replaces the password after checking the current one.
func (s *CredentialStore) UpdatePassword(ctx context.Context, identityID uuid.UUID, currentPassword, newPassword string) (*User, error) {
	user, hash, err := s.preparePassword(ctx, identityID, currentPassword, newPassword)
	if err != nil {
		return nil, err
	}
	return s.commitPassword(ctx, user, hash)
}

// preparePassword checks the current password and hashes the new one
// without storing anything.
func (s *CredentialStore) preparePassword(ctx context.Context, identityID uuid.UUID, currentPassword, newPassword string) (*User, string, error) {
	user, err := s.repo.Users().FindByID(ctx, identityID)
	if err != nil {
		if IsKind(err, ErrRecordNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", storageFailure(s.logger, "users.find_by_id", err)
	}

	if err := s.hasher.Compare(ctx, currentPassword, user.PasswordHash); err != nil {
		if IsKind(err, ErrInvalidCredentials) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	err = validation.Validate(newPassword, validation.Required, validation.Length(MinPasswordLength, MaxPasswordLength))
	if err != nil {
		return nil, "", validationFailure(ErrValidation, validation.Errors{"newPassword": err})
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		if IsKind(err, ErrHashTimeout) {
			return nil, "", err
		}
		return nil, "", storageFailure(s.logger, "password.hash", err)
	}

	return user, hash, nil
}

func (s *CredentialStore) commitPassword(ctx context.Context, user *User, hash string) (*User, error) {
	if err := s.repo.Users().UpdatePassword(ctx, user.ID, hash); err != nil {
		return nil, storageFailure(s.logger, "users.update_password", err)
	}

	return s.FindByID(ctx, user.ID)
}

// FindByID loads an identity. Missing identities return ErrRecordNotFound.
func (s *CredentialStore) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	user, err := s.repo.Users().FindByID(ctx, id)
	if err != nil {
		if IsKind(err, ErrRecordNotFound) {
			return nil, err
		}
		return nil, storageFailure(s.logger, "users.find_by_id", err)
	}
	return user, nil
}

// FindByEmail loads an identity by its normalized email.
func (s *CredentialStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	user, err := s.repo.Users().FindByEmail(ctx, email)
	if err != nil {
		if IsKind(err, ErrRecordNotFound) {
			return nil, err
		}
		return nil, storageFailure(s.logger, "users.find_by_email", err)
	}
	return user, nil
}
