package repository

import (
	auth "github.com/goliatone/go-campus-auth"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
)

// NewRepositoryManager returns the SQL backed manager. When rdb is not nil
// sessions and refresh tokens live in redis instead.
func NewRepositoryManager(db *bun.DB, rdb redis.UniversalClient, opts ...RedisOption) auth.RepositoryManager {
	if rdb == nil {
		return auth.NewRepositoryManager(db)
	}

	return auth.NewRepositoryManager(db,
		auth.WithRefreshTokenStore(NewRedisRefreshTokens(rdb, opts...)),
	)
}
