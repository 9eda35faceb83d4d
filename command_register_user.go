package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// DefaultOpenRegistrationRoles can self register, other roles need an admin.
var DefaultOpenRegistrationRoles = []Role{RoleStudent, RoleTeacher, RoleParent}

// RegisterUserMessage is the registration request.
type RegisterUserMessage struct {
	NewIdentity
	Profile ProfileFields
	Meta    SessionMeta
	// RequestedBy is the authenticated caller, if any.
	RequestedBy *Principal
}

func (e RegisterUserMessage) Type() string { return "user.register" }

// Registration is the outcome of a successful registration.
type Registration struct {
	User    *User
	Profile Profile
	Tokens  TokenPair
}

// RegisterUserHandler creates identity and profile as one unit of work and
// opens the first session.
type RegisterUserHandler struct {
	repo        RepositoryManager
	creds       *CredentialStore
	provisioner *ProfileProvisioner
	sessions    *SessionRefresher
	openRoles   RoleSet
	activity    ActivitySink
	logger      Logger
	timeout     time.Duration
}

// NewRegisterUserHandler creates a RegisterUserHandler.
func NewRegisterUserHandler(repo RepositoryManager, creds *CredentialStore, provisioner *ProfileProvisioner, sessions *SessionRefresher) *RegisterUserHandler {
	return &RegisterUserHandler{
		repo:        repo,
		creds:       creds,
		provisioner: provisioner,
		sessions:    sessions,
		openRoles:   NewRoleSet(DefaultOpenRegistrationRoles...),
		activity:    noopActivitySink{},
		logger:      defLogger{},
		timeout:     10 * time.Second,
	}
}

// WithOpenRoles sets the roles anyone may register with.
func (h *RegisterUserHandler) WithOpenRoles(roles ...Role) *RegisterUserHandler {
	h.openRoles = NewRoleSet(roles...)
	return h
}

// WithActivitySink sets the activity sink.
func (h *RegisterUserHandler) WithActivitySink(sink ActivitySink) *RegisterUserHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

// WithLogger sets the logger.
func (h *RegisterUserHandler) WithLogger(logger Logger) *RegisterUserHandler {
	h.logger = normalizeLogger(logger)
	return h
}

func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) (*Registration, error) {
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during user registration",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterUserHandler) execute(ctx context.Context, event RegisterUserMessage) (*Registration, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	role, ok := ParseRole(string(event.Role))
	if !ok {
		return nil, validationFailure(ErrValidation, roleFieldError())
	}
	event.Role = role

	if !h.openRoles.Contains(role) && (event.RequestedBy == nil || event.RequestedBy.Role != RoleAdmin) {
		return nil, ErrForbidden
	}

	// reject bad profile shapes before paying for the hash
	if err := h.provisioner.Check(role, event.Profile); err != nil {
		return nil, err
	}

	user, err := h.creds.Prepare(ctx, event.NewIdentity)
	if err != nil {
		return nil, err
	}

	var profile Profile
	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		created, err := h.creds.InsertTx(ctx, tx, user)
		if err != nil {
			return err
		}
		user = created

		profile, err = h.provisioner.Provision(ctx, tx, user, role, event.Profile)
		return err
	})
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, storageFailure(h.logger, "users.register", err)
	}

	tokens, err := h.sessions.Issue(ctx, user, event.Meta)
	if err != nil {
		return nil, err
	}

	entry := ActivityEvent{
		EventType: ActivityEventRegistered,
		UserID:    user.ID.String(),
		SessionID: tokens.SessionID,
		Role:      user.Role,
	}
	if event.RequestedBy != nil {
		entry.ActorID = event.RequestedBy.IdentityID.String()
	}
	recordActivity(ctx, h.activity, h.logger, entry)

	return &Registration{
		User:    user,
		Profile: profile,
		Tokens:  tokens,
	}, nil
}

func roleFieldError() error {
	return validation.Errors{"role": knownRole("?")}
}
