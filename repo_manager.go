package auth

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Users() Users
	Profiles() Profiles
	RefreshTokens() RefreshTokenStore
}

type mngr struct {
	db            *bun.DB
	users         Users
	profiles      Profiles
	refreshTokens RefreshTokenStore
}

// RepositoryManagerOption customizes the manager.
type RepositoryManagerOption func(*mngr)

// WithRefreshTokenStore swaps the SQL refresh token store, e.g. for redis.
func WithRefreshTokenStore(store RefreshTokenStore) RepositoryManagerOption {
	return func(m *mngr) {
		if store != nil {
			m.refreshTokens = store
		}
	}
}

// WithUsersOptions forwards options to the users repository.
func WithUsersOptions(opts ...UsersOption) RepositoryManagerOption {
	return func(m *mngr) {
		m.users = NewUsersRepository(m.db, opts...)
	}
}

func NewRepositoryManager(db *bun.DB, opts ...RepositoryManagerOption) RepositoryManager {
	m := &mngr{
		db:            db,
		users:         NewUsersRepository(db),
		profiles:      NewProfilesRepository(db),
		refreshTokens: NewRefreshTokensRepository(db),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m mngr) Validate() error {
	if m.db == nil {
		return errors.New("repository db should be initialized")
	}

	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.profiles == nil {
		return errors.New("repository profiles should be initialized")
	}

	if m.refreshTokens == nil {
		return errors.New("repository refreshTokens should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Users() Users {
	return m.users
}

func (m mngr) Profiles() Profiles {
	return m.profiles
}

func (m mngr) RefreshTokens() RefreshTokenStore {
	return m.refreshTokens
}
