package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	auth "github.com/goliatone/go-campus-auth"
	"github.com/goliatone/go-campus-auth/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthenticator(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewRepositoryManager(db, nil)

	cfg := testConfig()
	cfg.Auth.SigningKey = "too-short"
	_, err := auth.NewAuthenticator(repo, cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Auth.BcryptCost = -1
	_, err = auth.NewAuthenticator(repo, cfg)
	assert.Error(t, err)

	auther, err := auth.NewAuthenticator(repo, testConfig())
	require.NoError(t, err)
	assert.NotNil(t, auther.Gate())
	assert.NotNil(t, auther.Credentials())
	assert.NotNil(t, auther.Sessions())
	assert.NotNil(t, auther.TokenService())
}

func TestRegister_Student(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	reg := register(t, f, studentMessage("a@x.com", "S1"))

	assert.Equal(t, "a@x.com", reg.User.Email)
	assert.Equal(t, auth.RoleStudent, reg.User.Role)

	student, ok := reg.Profile.(*auth.StudentProfile)
	require.True(t, ok)
	assert.Equal(t, reg.User.ID, student.UserID)
	assert.Equal(t, "S1", student.Matricule)
	assert.Equal(t, "5A", student.ClassName)

	assert.NotEmpty(t, reg.Tokens.AccessToken)
	assert.NotEmpty(t, reg.Tokens.RefreshToken)

	assert.Equal(t, 1, f.countUsers(t))
	assert.Equal(t, 1, f.countStudents(t))

	events := f.events.Of(auth.ActivityEventRegistered)
	require.Len(t, events, 1)
	assert.Equal(t, reg.User.ID.String(), events[0].UserID)
}

func TestRegister_EveryProfileRole(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	teacher := register(t, f, teacherMessage("t@x.com", "T1"))
	_, ok := teacher.Profile.(*auth.TeacherProfile)
	assert.True(t, ok)

	parent := register(t, f, parentMessage("p@x.com", "+33 6 12 34 56 78"))
	pp, ok := parent.Profile.(*auth.ParentProfile)
	require.True(t, ok)
	assert.Equal(t, "+33612345678", pp.Phone)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	register(t, f, studentMessage("a@x.com", "S1"))

	_, err := f.auther.Register(ctx, studentMessage("A@X.com", "S2"))
	require.Error(t, err)
	assert.True(t, auth.IsKind(err, auth.ErrDuplicateEmail))

	assert.Equal(t, 1, f.countUsers(t))
	assert.Equal(t, 1, f.countStudents(t))
}

func TestRegister_ProfileFailureLeavesNoIdentity(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	register(t, f, studentMessage("a@x.com", "S1"))

	// the identity insert succeeds, the profile insert hits the taken matricule
	_, err := f.auther.Register(ctx, studentMessage("b@x.com", "S1"))
	require.Error(t, err)
	assert.True(t, auth.IsKind(err, auth.ErrDuplicateProfile))

	_, err = f.auther.Credentials().FindByEmail(ctx, "b@x.com")
	assert.True(t, auth.IsKind(err, auth.ErrRecordNotFound))
	assert.Equal(t, 1, f.countUsers(t))
}

func TestRegister_IncompleteProfile(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	msg := studentMessage("a@x.com", "")
	_, err := f.auther.Register(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, auth.IsKind(err, auth.ErrIncompleteProfileData))
	assert.Contains(t, auth.ValidationFields(err), "matricule")

	assert.Equal(t, 0, f.countUsers(t))
}

func TestRegister_BlankProfileFields(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, err := f.auther.Register(context.Background(), studentMessage("b@x.com", "   "))
	require.Error(t, err)
	assert.True(t, auth.IsKind(err, auth.ErrIncompleteProfileData))
	assert.Contains(t, auth.ValidationFields(err), "matricule")

	assert.Equal(t, 0, f.countUsers(t))
	assert.Equal(t, 0, f.countStudents(t))
}

func TestRegister_RestrictedRoles(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	direction := auth.RegisterUserMessage{
		NewIdentity: auth.NewIdentity{
			Email:    "d@x.com",
			Password: "secret123",
			Role:     auth.RoleDirection,
		},
	}

	_, err := f.auther.Register(ctx, direction)
	assert.True(t, auth.IsKind(err, auth.ErrForbidden))

	student := register(t, f, studentMessage("a@x.com", "S1"))
	direction.RequestedBy = &auth.Principal{IdentityID: student.User.ID, Role: auth.RoleStudent}
	_, err = f.auther.Register(ctx, direction)
	assert.True(t, auth.IsKind(err, auth.ErrForbidden))

	admin := uuid.New()
	direction.RequestedBy = &auth.Principal{IdentityID: admin, Role: auth.RoleAdmin}
	reg, err := f.auther.Register(ctx, direction)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleDirection, reg.User.Role)
	assert.Nil(t, reg.Profile)

	events := f.events.Of(auth.ActivityEventRegistered)
	require.Len(t, events, 2)
	assert.Empty(t, events[0].ActorID)
	assert.Equal(t, admin.String(), events[1].ActorID)

	bad := studentMessage("x@x.com", "S9")
	bad.Role = "janitor"
	_, err = f.auther.Register(ctx, bad)
	assert.True(t, auth.IsKind(err, auth.ErrValidation))
}

func TestRegister_CancelledContext(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.auther.Register(ctx, studentMessage("a@x.com", "S1"))
	assert.Error(t, err)
	assert.Equal(t, 0, f.countUsers(t))
}

func TestLogin(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	reg := register(t, f, studentMessage("a@x.com", "S1"))

	res, err := f.auther.Login(ctx, "A@x.com", "secret123", auth.SessionMeta{UserAgent: "test", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, res.User.ID)
	assert.NotEqual(t, reg.Tokens.SessionID, res.Tokens.SessionID)

	claims, err := f.auther.TokenService().Validate(res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID.String(), claims.UserID())

	success := f.events.Of(auth.ActivityEventLoginSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, "10.0.0.1", success[0].Metadata["ip"])
}

func TestLogin_WrongPassword(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	register(t, f, studentMessage("a@x.com", "S1"))

	res, err := f.auther.Login(context.Background(), "a@x.com", "wrong", auth.SessionMeta{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))

	failures := f.events.Of(auth.ActivityEventLoginFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "a@x.com", failures[0].Metadata["email"])
}

func TestMe(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	reg := register(t, f, studentMessage("a@x.com", "S1"))

	user, profile, err := f.auther.Me(ctx, auth.Principal{IdentityID: reg.User.ID, Role: auth.RoleStudent})
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, user.ID)
	require.NotNil(t, profile)
	assert.Equal(t, reg.User.ID, profile.OwnerID())

	_, _, err = f.auther.Me(ctx, auth.Principal{IdentityID: uuid.New(), Role: auth.RoleStudent})
	assert.True(t, auth.IsKind(err, auth.ErrUnauthenticated))
}

func TestLogout(t *testing.T) {
	for _, mode := range storeModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{redis: mode.redis})
			ctx := context.Background()

			reg := register(t, f, studentMessage("a@x.com", "S1"))
			other, err := f.auther.Login(ctx, "a@x.com", "secret123", auth.SessionMeta{})
			require.NoError(t, err)

			_, p, err := f.auther.Gate().Authorize(ctx, reg.Tokens.AccessToken, auth.AnyRole())
			require.NoError(t, err)

			require.NoError(t, f.auther.Logout(ctx, p))

			_, err = f.auther.Refresh(ctx, reg.Tokens.RefreshToken)
			assert.True(t, auth.IsKind(err, auth.ErrRefreshTokenRevoked))

			// other sessions of the identity survive
			_, err = f.auther.Refresh(ctx, other.Tokens.RefreshToken)
			assert.NoError(t, err)

			// logging out twice is fine
			assert.NoError(t, f.auther.Logout(ctx, p))
			assert.Len(t, f.events.Of(auth.ActivityEventLogout), 2)
		})
	}
}

func TestUpdatePassword_RevokesSessions(t *testing.T) {
	for _, mode := range storeModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{redis: mode.redis})
			ctx := context.Background()

			reg := register(t, f, studentMessage("a@x.com", "S1"))
			other, err := f.auther.Login(ctx, "a@x.com", "secret123", auth.SessionMeta{})
			require.NoError(t, err)

			p := auth.Principal{IdentityID: reg.User.ID, Role: auth.RoleStudent}

			_, err = f.auther.UpdatePassword(ctx, p, "wrong-password", "new-secret-456", auth.SessionMeta{})
			assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))

			fresh, err := f.auther.UpdatePassword(ctx, p, "secret123", "new-secret-456", auth.SessionMeta{})
			require.NoError(t, err)
			assert.NotEmpty(t, fresh.RefreshToken)

			for _, raw := range []string{reg.Tokens.RefreshToken, other.Tokens.RefreshToken} {
				_, err := f.auther.Refresh(ctx, raw)
				assert.True(t, auth.IsKind(err, auth.ErrRefreshTokenRevoked))
			}

			_, err = f.auther.Refresh(ctx, fresh.RefreshToken)
			assert.NoError(t, err)

			_, err = f.auther.Login(ctx, "a@x.com", "new-secret-456", auth.SessionMeta{})
			assert.NoError(t, err)

			changed := f.events.Of(auth.ActivityEventPasswordChanged)
			require.Len(t, changed, 1)
			assert.Equal(t, 2, changed[0].Metadata["revoked_sessions"])
		})
	}
}

type revokeFailingStore struct {
	auth.RefreshTokenStore
	fail bool
}

func (s *revokeFailingStore) RevokeUserSessions(ctx context.Context, userID uuid.UUID, reason string, at time.Time) (int, error) {
	if s.fail {
		return 0, errors.New("connection reset")
	}
	return s.RefreshTokenStore.RevokeUserSessions(ctx, userID, reason, at)
}

func TestUpdatePassword_RevocationFailureKeepsPassword(t *testing.T) {
	db := newTestDB(t)
	store := &revokeFailingStore{RefreshTokenStore: auth.NewRefreshTokensRepository(db)}
	repo := auth.NewRepositoryManager(db, auth.WithRefreshTokenStore(store))

	events := &eventRecorder{}
	auther, err := auth.NewAuthenticator(repo, testConfig(),
		auth.WithAutherLogger(auth.NopLogger{}),
		auth.WithAutherActivitySink(events),
	)
	require.NoError(t, err)

	ctx := context.Background()
	reg, err := auther.Register(ctx, studentMessage("a@x.com", "S1"))
	require.NoError(t, err)
	p := auth.Principal{IdentityID: reg.User.ID, Role: auth.RoleStudent}

	store.fail = true
	_, err = auther.UpdatePassword(ctx, p, "secret123", "new-secret-456", auth.SessionMeta{})
	require.Error(t, err)
	assert.True(t, auth.IsKind(err, auth.ErrStorageFailure))

	// the old password still works and the new one was never stored
	_, err = auther.Credentials().Validate(ctx, "a@x.com", "secret123")
	assert.NoError(t, err)
	_, err = auther.Credentials().Validate(ctx, "a@x.com", "new-secret-456")
	assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))
	assert.Empty(t, events.Of(auth.ActivityEventPasswordChanged))

	store.fail = false
	_, err = auther.UpdatePassword(ctx, p, "secret123", "new-secret-456", auth.SessionMeta{})
	require.NoError(t, err)

	_, err = auther.Refresh(ctx, reg.Tokens.RefreshToken)
	assert.True(t, auth.IsKind(err, auth.ErrRefreshTokenRevoked))
}
