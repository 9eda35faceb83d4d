package auth

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Auther composes the auth components behind the operations the HTTP layer
// exposes. Every dependency is injected, there is no package level state.
type Auther struct {
	repo        RepositoryManager
	creds       *CredentialStore
	provisioner *ProfileProvisioner
	register    *RegisterUserHandler
	sessions    *SessionRefresher
	tokens      *TokenService
	gate        *RoleGate
	logger      Logger
	activity    ActivitySink
}

// AutherOption customizes NewAuthenticator.
type AutherOption func(*autherOptions)

type autherOptions struct {
	logger        Logger
	activity      ActivitySink
	phoneRegion   string
	credentialOps []CredentialStoreOption
	refresherOps  []RefresherOption
	tokenOps      []TokenServiceOption
}

// WithAutherLogger sets the logger of every component.
func WithAutherLogger(logger Logger) AutherOption {
	return func(o *autherOptions) { o.logger = logger }
}

// WithAutherActivitySink sets the sink for auth events.
func WithAutherActivitySink(sink ActivitySink) AutherOption {
	return func(o *autherOptions) { o.activity = sink }
}

// WithAutherPhoneRegion sets the region for parent phone numbers.
func WithAutherPhoneRegion(region string) AutherOption {
	return func(o *autherOptions) { o.phoneRegion = region }
}

// WithCredentialOptions forwards options to the CredentialStore.
func WithCredentialOptions(opts ...CredentialStoreOption) AutherOption {
	return func(o *autherOptions) { o.credentialOps = append(o.credentialOps, opts...) }
}

// WithRefresherOptions forwards options to the SessionRefresher.
func WithRefresherOptions(opts ...RefresherOption) AutherOption {
	return func(o *autherOptions) { o.refresherOps = append(o.refresherOps, opts...) }
}

// WithTokenOptions forwards options to the TokenService.
func WithTokenOptions(opts ...TokenServiceOption) AutherOption {
	return func(o *autherOptions) { o.tokenOps = append(o.tokenOps, opts...) }
}

// NewAuthenticator wires the components from cfg.
func NewAuthenticator(repo RepositoryManager, cfg Config, opts ...AutherOption) (*Auther, error) {
	if err := repo.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "invalid repository manager")
	}

	o := &autherOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	logger := normalizeLogger(o.logger)
	activity := normalizeActivitySink(o.activity)

	pool := NewHashPool(cfg.GetHashWorkers(), cfg.GetHashTimeout())
	hasher, err := NewPasswordHasher(cfg.GetBcryptCost(), pool)
	if err != nil {
		return nil, err
	}

	tokenOps := append([]TokenServiceOption{
		WithTokenLogger(logger),
		WithSignTimeout(cfg.GetSignTimeout()),
	}, o.tokenOps...)
	tokens, err := NewTokenService(
		[]byte(cfg.GetSigningKey()),
		cfg.GetAccessTokenTTL(),
		cfg.GetIssuer(),
		cfg.GetAudience(),
		tokenOps...,
	)
	if err != nil {
		return nil, err
	}

	var retired [][]byte
	for _, key := range cfg.GetPreviousSigningKeys() {
		retired = append(retired, []byte(key))
	}
	gateValidator, err := newGateValidator(tokens, retired, tokenOps...)
	if err != nil {
		return nil, err
	}

	credOps := append([]CredentialStoreOption{WithCredentialLogger(logger)}, o.credentialOps...)
	creds := NewCredentialStore(repo, hasher, credOps...)

	provisioner := NewProfileProvisioner(
		repo.Profiles(),
		WithProvisionerLogger(logger),
		WithPhoneRegion(o.phoneRegion),
	)

	refresherOps := append([]RefresherOption{
		WithRefreshTTL(cfg.GetRefreshTokenTTL()),
		WithReuseGracePeriod(cfg.GetReuseGracePeriod()),
		WithRefresherLogger(logger),
		WithRefresherActivitySink(activity),
	}, o.refresherOps...)
	sessions := NewSessionRefresher(repo.RefreshTokens(), creds, tokens, refresherOps...)

	openRoles := ParseRoles(cfg.GetOpenRegistrationRoles())
	if len(openRoles) == 0 {
		openRoles = DefaultOpenRegistrationRoles
	}

	register := NewRegisterUserHandler(repo, creds, provisioner, sessions).
		WithOpenRoles(openRoles...).
		WithActivitySink(activity).
		WithLogger(logger)

	return &Auther{
		repo:        repo,
		creds:       creds,
		provisioner: provisioner,
		register:    register,
		sessions:    sessions,
		tokens:      tokens,
		gate:        NewRoleGate(gateValidator, logger),
		logger:      logger,
		activity:    activity,
	}, nil
}

// Credentials returns the CredentialStore.
func (s *Auther) Credentials() *CredentialStore { return s.creds }

// Sessions returns the SessionRefresher.
func (s *Auther) Sessions() *SessionRefresher { return s.sessions }

// TokenService returns the access token issuer.
func (s *Auther) TokenService() *TokenService { return s.tokens }

// Gate returns the RoleGate.
func (s *Auther) Gate() *RoleGate { return s.gate }

// Register creates identity and profile atomically and opens a session.
func (s *Auther) Register(ctx context.Context, msg RegisterUserMessage) (*Registration, error) {
	return s.register.Execute(ctx, msg)
}

// LoginResult is returned by Login.
type LoginResult struct {
	User   *User
	Tokens TokenPair
}

// Login validates credentials and opens a new session.
func (s *Auther) Login(ctx context.Context, email, password string, meta SessionMeta) (*LoginResult, error) {
	user, locked, err := s.creds.authenticate(ctx, email, password)
	if err != nil {
		eventType := ActivityEventLoginFailure
		if locked {
			eventType = ActivityEventLoginLocked
		}
		recordActivity(ctx, s.activity, s.logger, ActivityEvent{
			EventType: eventType,
			Metadata: map[string]any{
				"email": NormalizeEmail(email),
				"ip":    meta.IPAddress,
			},
		})
		return nil, err
	}

	tokens, err := s.sessions.Issue(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	recordActivity(ctx, s.activity, s.logger, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		UserID:    user.ID.String(),
		SessionID: tokens.SessionID,
		Role:      user.Role,
		Metadata:  map[string]any{"ip": meta.IPAddress},
	})

	return &LoginResult{User: user, Tokens: tokens}, nil
}

// Refresh rotates a refresh token.
func (s *Auther) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return s.sessions.Refresh(ctx, refreshToken)
}

// Logout revokes the session lineage the principal's access token belongs to.
func (s *Auther) Logout(ctx context.Context, p Principal) error {
	if p.SessionID == uuid.Nil {
		return nil
	}

	if err := s.sessions.RevokeSession(ctx, p.SessionID, RevokeReasonLogout); err != nil {
		if !IsKind(err, ErrRecordNotFound) {
			return err
		}
		s.logger.Debug("logout for unknown session", "session_id", p.SessionID)
	}

	recordActivity(ctx, s.activity, s.logger, ActivityEvent{
		EventType: ActivityEventLogout,
		UserID:    p.IdentityID.String(),
		SessionID: p.SessionID.String(),
		Role:      p.Role,
	})
	return nil
}

// UpdatePassword changes the password, revokes every open session of the
// identity and returns a pair for a fresh session.
//
// Sessions are revoked before the new hash is stored: when revocation fails
// the password stays unchanged. A second sweep after the write catches
// sessions opened with the old password in between.
func (s *Auther) UpdatePassword(ctx context.Context, p Principal, currentPassword, newPassword string, meta SessionMeta) (TokenPair, error) {
	user, hash, err := s.creds.preparePassword(ctx, p.IdentityID, currentPassword, newPassword)
	if err != nil {
		return TokenPair{}, err
	}

	revoked, err := s.sessions.RevokeAllForUser(ctx, user.ID, RevokeReasonPasswordChange)
	if err != nil {
		return TokenPair{}, err
	}

	user, err = s.creds.commitPassword(ctx, user, hash)
	if err != nil {
		return TokenPair{}, err
	}

	late, err := s.sessions.RevokeAllForUser(ctx, user.ID, RevokeReasonPasswordChange)
	if err != nil {
		s.logger.Error("failed to revoke sessions opened during password change", "user_id", user.ID, "error", err)
	}
	revoked += late

	tokens, err := s.sessions.Issue(ctx, user, meta)
	if err != nil {
		return TokenPair{}, err
	}

	recordActivity(ctx, s.activity, s.logger, ActivityEvent{
		EventType: ActivityEventPasswordChanged,
		UserID:    user.ID.String(),
		SessionID: tokens.SessionID,
		Role:      user.Role,
		Metadata:  map[string]any{"revoked_sessions": revoked},
	})

	return tokens, nil
}

// Me returns the identity and profile of the principal.
func (s *Auther) Me(ctx context.Context, p Principal) (*User, Profile, error) {
	user, err := s.creds.FindByID(ctx, p.IdentityID)
	if err != nil {
		if IsKind(err, ErrRecordNotFound) {
			return nil, nil, ErrUnauthenticated
		}
		return nil, nil, err
	}

	if !user.Role.RequiresProfile() {
		return user, nil, nil
	}

	profile, err := s.repo.Profiles().FindByUser(ctx, user.ID, user.Role)
	if err != nil {
		if IsKind(err, ErrRecordNotFound) {
			return user, nil, nil
		}
		return nil, nil, storageFailure(s.logger, "profiles.find_by_user", err)
	}

	return user, profile, nil
}
