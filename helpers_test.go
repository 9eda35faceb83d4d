package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	auth "github.com/goliatone/go-campus-auth"
	"github.com/goliatone/go-campus-auth/config"
	"github.com/goliatone/go-campus-auth/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"
)

const testSigningKey = "test-signing-key-0123456789abcdef"

// fakeClock is a settable clock shared by the components under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			SigningKey:       testSigningKey,
			Issuer:           "campus-auth-test",
			AccessTokenTTL:   15 * time.Minute,
			RefreshTokenTTL:  time.Hour,
			ReuseGracePeriod: 30 * time.Second,
			BcryptCost:       bcrypt.MinCost,
			HashWorkers:      2,
			HashTimeout:      5 * time.Second,
			SignTimeout:      time.Second,
			TokenLookup:      "header:Authorization",
			AuthScheme:       "Bearer",
			ContextKey:       "principal",
			OpenRoles:        []string{"student", "teacher", "parent"},
			PhoneRegion:      "FR",
		},
	}
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	db, err := repository.OpenDB(repository.DriverSQLite, "file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.EnsureSchema(context.Background(), db))
	return db
}

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

type fixture struct {
	db     *bun.DB
	repo   auth.RepositoryManager
	auther *auth.Auther
	clock  *fakeClock
	events *eventRecorder
}

type fixtureOptions struct {
	redis bool
	cfg   func(*config.Config)
	opts  []auth.AutherOption
}

// newFixture builds an Auther over an in memory database. All components
// share one fake clock.
func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()

	cfg := testConfig()
	if fo.cfg != nil {
		fo.cfg(cfg)
	}

	db := newTestDB(t)
	clock := newFakeClock()

	var rdb redis.UniversalClient
	if fo.redis {
		rdb = newTestRedis(t)
	}
	repo := repository.NewRepositoryManager(db, rdb, repository.WithRedisPrefix("test:"))

	events := &eventRecorder{}
	opts := append([]auth.AutherOption{
		auth.WithAutherLogger(auth.NopLogger{}),
		auth.WithAutherActivitySink(events),
		auth.WithAutherPhoneRegion(cfg.Auth.PhoneRegion),
		auth.WithTokenOptions(auth.WithTokenClock(clock.Now)),
		auth.WithRefresherOptions(auth.WithRefresherClock(clock.Now)),
		auth.WithCredentialOptions(auth.WithCredentialClock(clock.Now)),
	}, fo.opts...)

	auther, err := auth.NewAuthenticator(repo, cfg, opts...)
	require.NoError(t, err)

	return &fixture{
		db:     db,
		repo:   repo,
		auther: auther,
		clock:  clock,
		events: events,
	}
}

func (f *fixture) countUsers(t *testing.T) int {
	t.Helper()
	n, err := f.db.NewSelect().Model((*auth.User)(nil)).Count(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) countStudents(t *testing.T) int {
	t.Helper()
	n, err := f.db.NewSelect().Model((*auth.StudentProfile)(nil)).Count(context.Background())
	require.NoError(t, err)
	return n
}

// storeModes runs a test against the SQL and the redis refresh token stores.
var storeModes = []struct {
	name  string
	redis bool
}{
	{name: "sql"},
	{name: "redis", redis: true},
}

type eventRecorder struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (r *eventRecorder) Record(_ context.Context, event auth.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) Of(eventType auth.ActivityEventType) []auth.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []auth.ActivityEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func studentMessage(email, matricule string) auth.RegisterUserMessage {
	return auth.RegisterUserMessage{
		NewIdentity: auth.NewIdentity{
			Email:     email,
			Password:  "secret123",
			Role:      auth.RoleStudent,
			FirstName: "Ada",
			LastName:  "Lovelace",
		},
		Profile: auth.ProfileFields{
			Matricule:   matricule,
			DateOfBirth: "2010-01-01",
			Level:       "5",
			ClassName:   "5A",
		},
	}
}

func teacherMessage(email, employeeNumber string) auth.RegisterUserMessage {
	return auth.RegisterUserMessage{
		NewIdentity: auth.NewIdentity{
			Email:    email,
			Password: "secret123",
			Role:     auth.RoleTeacher,
		},
		Profile: auth.ProfileFields{
			EmployeeNumber: employeeNumber,
			Qualification:  "MSc Mathematics",
			Specialty:      "Algebra",
		},
	}
}

func parentMessage(email, phone string) auth.RegisterUserMessage {
	return auth.RegisterUserMessage{
		NewIdentity: auth.NewIdentity{
			Email:    email,
			Password: "secret123",
			Role:     auth.RoleParent,
		},
		Profile: auth.ProfileFields{
			Relationship: "Mother",
			Phone:        phone,
		},
	}
}

func register(t *testing.T, f *fixture, msg auth.RegisterUserMessage) *auth.Registration {
	t.Helper()
	reg, err := f.auther.Register(context.Background(), msg)
	require.NoError(t, err)
	return reg
}
