package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	auth "github.com/goliatone/go-campus-auth"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newIdentity(email string) auth.NewIdentity {
	return auth.NewIdentity{
		Email:     email,
		Password:  "secret123",
		Role:      auth.RoleDirection,
		FirstName: "Grace",
		LastName:  "Hopper",
	}
}

func TestCredentialStore_Create(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	creds := f.auther.Credentials()
	ctx := context.Background()

	user, err := creds.Create(ctx, newIdentity("  Grace@Example.COM "))
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.Equal(t, "grace@example.com", user.Email)
	assert.Equal(t, auth.RoleDirection, user.Role)
	assert.True(t, user.Active)
	assert.NotEqual(t, "secret123", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("secret123")))

	found, err := creds.FindByEmail(ctx, "GRACE@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	_, err = creds.FindByID(ctx, uuid.New())
	assert.True(t, auth.IsKind(err, auth.ErrRecordNotFound))
}

func TestCredentialStore_CreateDuplicateEmail(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	creds := f.auther.Credentials()
	ctx := context.Background()

	_, err := creds.Create(ctx, newIdentity("grace@example.com"))
	require.NoError(t, err)

	_, err = creds.Create(ctx, newIdentity("GRACE@example.com"))
	require.Error(t, err)
	assert.True(t, auth.IsKind(err, auth.ErrDuplicateEmail))

	assert.Equal(t, 1, f.countUsers(t))
}

func TestCredentialStore_CreateValidation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*auth.NewIdentity)
		field string
	}{
		{name: "missing email", edit: func(n *auth.NewIdentity) { n.Email = "" }, field: "email"},
		{name: "bad email", edit: func(n *auth.NewIdentity) { n.Email = "not-an-email" }, field: "email"},
		{name: "short password", edit: func(n *auth.NewIdentity) { n.Password = "short" }, field: "password"},
		{name: "password over bcrypt limit", edit: func(n *auth.NewIdentity) { n.Password = strings.Repeat("a", 73) }, field: "password"},
		{name: "unknown role", edit: func(n *auth.NewIdentity) { n.Role = "janitor" }, field: "role"},
		{name: "missing role", edit: func(n *auth.NewIdentity) { n.Role = "" }, field: "role"},
	}

	f := newFixture(t, fixtureOptions{})
	creds := f.auther.Credentials()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newIdentity("grace@example.com")
			tt.edit(&in)

			_, err := creds.Create(context.Background(), in)
			require.Error(t, err)
			assert.True(t, auth.IsKind(err, auth.ErrValidation))
			assert.Contains(t, auth.ValidationFields(err), tt.field)
		})
	}

	assert.Equal(t, 0, f.countUsers(t))
}

func TestCredentialStore_Validate(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	creds := f.auther.Credentials()
	ctx := context.Background()

	created, err := creds.Create(ctx, newIdentity("grace@example.com"))
	require.NoError(t, err)

	user, err := creds.Validate(ctx, "grace@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)
	assert.NotNil(t, user.LoggedInAt)

	_, err = creds.Validate(ctx, "grace@example.com", "wrong-password")
	wrongPassword := err
	assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))

	_, err = creds.Validate(ctx, "nobody@example.com", "secret123")
	assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))

	// unknown email and wrong password are indistinguishable
	assert.Equal(t, wrongPassword.Error(), err.Error())
}

func TestCredentialStore_Lockout(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		opts: []auth.AutherOption{
			auth.WithCredentialOptions(auth.WithLoginLockout(2, time.Minute)),
		},
	})
	creds := f.auther.Credentials()
	ctx := context.Background()

	_, err := creds.Create(ctx, newIdentity("grace@example.com"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = creds.Validate(ctx, "grace@example.com", "wrong-password")
		assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))
	}

	// the right password is refused during the cool down
	_, err = creds.Validate(ctx, "grace@example.com", "secret123")
	require.Error(t, err)
	assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))

	f.clock.Advance(2 * time.Minute)

	_, err = creds.Validate(ctx, "grace@example.com", "secret123")
	assert.NoError(t, err)

	// a successful login resets the counter
	_, err = creds.Validate(ctx, "grace@example.com", "wrong-password")
	assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))
	_, err = creds.Validate(ctx, "grace@example.com", "secret123")
	assert.NoError(t, err)
}

func TestLogin_LockedOutEmailLooksUnknown(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		opts: []auth.AutherOption{
			auth.WithCredentialOptions(auth.WithLoginLockout(3, time.Minute)),
		},
	})
	ctx := context.Background()

	register(t, f, studentMessage("a@x.com", "S1"))

	var known, unknown error
	for i := 0; i < 7; i++ {
		_, known = f.auther.Login(ctx, "a@x.com", "wrong-password", auth.SessionMeta{})
		_, unknown = f.auther.Login(ctx, "nobody@x.com", "wrong-password", auth.SessionMeta{})
		assert.True(t, auth.IsKind(known, auth.ErrInvalidCredentials), "attempt %d: %v", i, known)
		assert.True(t, auth.IsKind(unknown, auth.ErrInvalidCredentials), "attempt %d: %v", i, unknown)
	}
	assert.Equal(t, unknown.Error(), known.Error())

	// the lockout only shows up in the activity trail
	assert.NotEmpty(t, f.events.Of(auth.ActivityEventLoginLocked))
	for _, e := range f.events.Of(auth.ActivityEventLoginLocked) {
		assert.Equal(t, "a@x.com", e.Metadata["email"])
	}
}

func TestCredentialStore_InactiveIdentity(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	creds := f.auther.Credentials()
	ctx := context.Background()

	user, err := creds.Create(ctx, newIdentity("grace@example.com"))
	require.NoError(t, err)

	_, err = f.db.NewUpdate().Model((*auth.User)(nil)).
		Set("is_active = ?", false).
		Where("id = ?", user.ID).
		Exec(ctx)
	require.NoError(t, err)

	_, err = creds.Validate(ctx, "grace@example.com", "secret123")
	assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))
}

func TestCredentialStore_UpdatePassword(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	creds := f.auther.Credentials()
	ctx := context.Background()

	user, err := creds.Create(ctx, newIdentity("grace@example.com"))
	require.NoError(t, err)

	_, err = creds.UpdatePassword(ctx, user.ID, "wrong-password", "new-secret-456")
	assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))

	_, err = creds.UpdatePassword(ctx, user.ID, "secret123", "short")
	require.Error(t, err)
	assert.True(t, auth.IsKind(err, auth.ErrValidation))
	assert.Contains(t, auth.ValidationFields(err), "newPassword")

	_, err = creds.UpdatePassword(ctx, uuid.New(), "secret123", "new-secret-456")
	assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))

	updated, err := creds.UpdatePassword(ctx, user.ID, "secret123", "new-secret-456")
	require.NoError(t, err)
	assert.NotNil(t, updated.PasswordChangedAt)

	_, err = creds.Validate(ctx, "grace@example.com", "secret123")
	assert.True(t, auth.IsKind(err, auth.ErrInvalidCredentials))

	_, err = creds.Validate(ctx, "grace@example.com", "new-secret-456")
	assert.NoError(t, err)
}

func TestCredentialStore_HashidIdentity(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	in := newIdentity("grace@example.com")
	in.UseHashid = true

	first, err := f.auther.Credentials().Prepare(ctx, in)
	require.NoError(t, err)
	second, err := f.auther.Credentials().Prepare(ctx, in)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.Equal(t, first.ID, second.ID)
}
