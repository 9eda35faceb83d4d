package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	auth "github.com/goliatone/go-campus-auth"
	"github.com/goliatone/go-campus-auth/repository"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	db, err := repository.OpenDB(repository.DriverSQLite, "file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, repository.EnsureSchema(context.Background(), db))
	return db
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func createUser(t *testing.T, db *bun.DB, email string) *auth.User {
	t.Helper()

	user, err := auth.NewUsersRepository(db).Create(context.Background(), &auth.User{
		Email:        email,
		PasswordHash: "$2a$10$not-a-real-hash",
		Role:         auth.RoleStudent,
		Active:       true,
	})
	require.NoError(t, err)
	return user
}

type storeCase struct {
	name  string
	store auth.RefreshTokenStore
	user  *auth.User
}

func storeCases(t *testing.T) []storeCase {
	t.Helper()

	db := newTestDB(t)
	user := createUser(t, db, "store@campus.test")
	_, rdb := newTestRedis(t)

	return []storeCase{
		{name: "sql", store: auth.NewRefreshTokensRepository(db), user: user},
		{name: "redis", store: repository.NewRedisRefreshTokens(rdb, repository.WithRedisPrefix("test:")), user: user},
	}
}

func newSession(user *auth.User, now time.Time) (*auth.Session, *auth.RefreshToken) {
	sess := &auth.Session{
		ID:        uuid.New(),
		UserID:    user.ID,
		Status:    auth.SessionStatusActive,
		UserAgent: "go-test",
		IPAddress: "127.0.0.1",
		CreatedAt: now,
	}
	return sess, newToken(sess, nil, now)
}

func newToken(sess *auth.Session, parent *uuid.UUID, now time.Time) *auth.RefreshToken {
	return &auth.RefreshToken{
		ID:        uuid.New(),
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ParentID:  parent,
		TokenHash: uuid.NewString(),
		Status:    auth.RefreshStatusActive,
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}
}

func TestRefreshTokenStore_CreateAndFind(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			sess, first := newSession(tc.user, now)

			require.NoError(t, tc.store.CreateSession(ctx, sess, first))

			foundSession, err := tc.store.FindSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.user.ID, foundSession.UserID)
			assert.Equal(t, auth.SessionStatusActive, foundSession.Status)
			assert.Equal(t, "go-test", foundSession.UserAgent)

			foundToken, err := tc.store.FindToken(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, sess.ID, foundToken.SessionID)
			assert.Equal(t, first.TokenHash, foundToken.TokenHash)
			assert.Equal(t, auth.RefreshStatusActive, foundToken.Status)
			assert.Nil(t, foundToken.ParentID)
			assert.WithinDuration(t, first.ExpiresAt, foundToken.ExpiresAt, time.Second)

			_, err = tc.store.FindToken(ctx, uuid.New())
			assert.True(t, auth.IsKind(err, auth.ErrRecordNotFound))

			_, err = tc.store.FindSession(ctx, uuid.New())
			assert.True(t, auth.IsKind(err, auth.ErrRecordNotFound))
		})
	}
}

func TestRefreshTokenStore_Rotate(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			sess, first := newSession(tc.user, now)
			require.NoError(t, tc.store.CreateSession(ctx, sess, first))

			next := newToken(sess, &first.ID, now)
			require.NoError(t, tc.store.Rotate(ctx, first.ID, next, now))

			consumed, err := tc.store.FindToken(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, auth.RefreshStatusConsumed, consumed.Status)
			require.NotNil(t, consumed.ConsumedAt)

			stored, err := tc.store.FindToken(ctx, next.ID)
			require.NoError(t, err)
			assert.Equal(t, auth.RefreshStatusActive, stored.Status)
			require.NotNil(t, stored.ParentID)
			assert.Equal(t, first.ID, *stored.ParentID)

			// the consumed token cannot be rotated a second time
			again := newToken(sess, &first.ID, now)
			err = tc.store.Rotate(ctx, first.ID, again, now)
			assert.True(t, auth.IsKind(err, auth.ErrRotationConflict))

			_, err = tc.store.FindToken(ctx, again.ID)
			assert.True(t, auth.IsKind(err, auth.ErrRecordNotFound))
		})
	}
}

func TestRefreshTokenStore_RotateRevokedSession(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			sess, first := newSession(tc.user, now)
			require.NoError(t, tc.store.CreateSession(ctx, sess, first))

			require.NoError(t, tc.store.RevokeSession(ctx, sess.ID, auth.RevokeReasonLogout, now))

			revoked, err := tc.store.FindSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, auth.SessionStatusRevoked, revoked.Status)
			assert.Equal(t, auth.RevokeReasonLogout, revoked.RevokeReason)
			assert.NotNil(t, revoked.RevokedAt)

			token, err := tc.store.FindToken(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, auth.RefreshStatusRevoked, token.Status)

			err = tc.store.Rotate(ctx, first.ID, newToken(sess, &first.ID, now), now)
			assert.True(t, auth.IsKind(err, auth.ErrRotationConflict))

			// revoking twice is fine
			assert.NoError(t, tc.store.RevokeSession(ctx, sess.ID, auth.RevokeReasonLogout, now))
		})
	}
}

func TestRefreshTokenStore_RevokeUnknownSession(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.store.RevokeSession(context.Background(), uuid.New(), auth.RevokeReasonLogout, time.Now())
			assert.True(t, auth.IsKind(err, auth.ErrRecordNotFound))
		})
	}
}

func TestRefreshTokenStore_RevokeUserSessions(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			var firsts []*auth.RefreshToken
			for i := 0; i < 3; i++ {
				sess, first := newSession(tc.user, now)
				require.NoError(t, tc.store.CreateSession(ctx, sess, first))
				firsts = append(firsts, first)
			}

			require.NoError(t, tc.store.RevokeSession(ctx, firsts[0].SessionID, auth.RevokeReasonLogout, now))

			n, err := tc.store.RevokeUserSessions(ctx, tc.user.ID, auth.RevokeReasonPasswordChange, now)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			for _, first := range firsts {
				token, err := tc.store.FindToken(ctx, first.ID)
				require.NoError(t, err)
				assert.Equal(t, auth.RefreshStatusRevoked, token.Status)
			}

			n, err = tc.store.RevokeUserSessions(ctx, tc.user.ID, auth.RevokeReasonPasswordChange, now)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestRefreshTokenStore_ExpireToken(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			sess, first := newSession(tc.user, now)
			require.NoError(t, tc.store.CreateSession(ctx, sess, first))

			require.NoError(t, tc.store.ExpireToken(ctx, first.ID, now))

			token, err := tc.store.FindToken(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, auth.RefreshStatusExpired, token.Status)

			err = tc.store.Rotate(ctx, first.ID, newToken(sess, &first.ID, now), now)
			assert.True(t, auth.IsKind(err, auth.ErrRotationConflict))
		})
	}
}

func TestRedisRefreshTokens_KeysExpire(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	store := repository.NewRedisRefreshTokens(rdb, repository.WithRedisRetention(time.Minute))

	now := time.Now()
	user := &auth.User{ID: uuid.New()}
	sess, first := newSession(user, now)
	require.NoError(t, store.CreateSession(ctx, sess, first))

	assert.True(t, mr.Exists("auth:rt:"+first.ID.String()))
	assert.True(t, mr.Exists("auth:rs:"+sess.ID.String()))
	assert.True(t, mr.TTL("auth:rt:"+first.ID.String()) > 0)

	mr.FastForward(2 * time.Hour)

	_, err := store.FindToken(ctx, first.ID)
	assert.True(t, auth.IsKind(err, auth.ErrRecordNotFound))

	// stale session ids are pruned from the user index
	n, err := store.RevokeUserSessions(ctx, user.ID, auth.RevokeReasonPasswordChange, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	members, err := rdb.SMembers(ctx, "auth:ru:"+user.ID.String()).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}
