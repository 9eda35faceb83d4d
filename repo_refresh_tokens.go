package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ConsumeRefreshTokenSQL marks an active token as consumed, provided its session
// is still active. Zero affected rows means somebody else won the race.
var ConsumeRefreshTokenSQL = `UPDATE "refresh_tokens"
SET
	"status" = 'consumed',
	"consumed_at" = ?
WHERE
	"id" = ?
	AND "status" = 'active'
	AND "session_id" IN (
		SELECT "id" FROM "sessions" WHERE "status" = 'active'
	);`

type refreshTokens struct {
	db *bun.DB
}

var _ RefreshTokenStore = (*refreshTokens)(nil)

// NewRefreshTokensRepository returns a RefreshTokenStore backed by the SQL database.
func NewRefreshTokensRepository(db *bun.DB) RefreshTokenStore {
	return &refreshTokens{db: db}
}

func (r *refreshTokens) CreateSession(ctx context.Context, sess *Session, first *RefreshToken) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(sess).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewInsert().Model(first).Exec(ctx)
		return err
	})
}

func (r *refreshTokens) FindSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	record := &Session{}
	err := r.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"session_id": id.String()})
	}
	return record, nil
}

func (r *refreshTokens) FindToken(ctx context.Context, id uuid.UUID) (*RefreshToken, error) {
	record := &RefreshToken{}
	err := r.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"token_id": id.String()})
	}
	return record, nil
}

func (r *refreshTokens) Rotate(ctx context.Context, currentID uuid.UUID, next *RefreshToken, at time.Time) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewRaw(ConsumeRefreshTokenSQL, at, currentID).Exec(ctx)
		if err != nil {
			return err
		}

		if !affected(res) {
			return withDetails(ErrRotationConflict, nil, map[string]any{"token_id": currentID.String()})
		}

		_, err = tx.NewInsert().Model(next).Exec(ctx)
		return err
	})
}

func (r *refreshTokens) ExpireToken(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("status = ?", RefreshStatusExpired).
		Set("revoked_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", RefreshStatusActive).
		Exec(ctx)
	return err
}

func (r *refreshTokens) RevokeSession(ctx context.Context, sessionID uuid.UUID, reason string, at time.Time) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*Session)(nil)).
			Set("status = ?", SessionStatusRevoked).
			Set("revoked_at = ?", at).
			Set("revoke_reason = ?", reason).
			Where("id = ?", sessionID).
			Where("status = ?", SessionStatusActive).
			Exec(ctx)
		if err != nil {
			return err
		}

		if !affected(res) {
			exists, err := tx.NewSelect().
				Model((*Session)(nil)).
				Where("id = ?", sessionID).
				Exists(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return withDetails(ErrRecordNotFound, nil, map[string]any{"session_id": sessionID.String()})
			}
		}

		_, err = tx.NewUpdate().
			Model((*RefreshToken)(nil)).
			Set("status = ?", RefreshStatusRevoked).
			Set("revoked_at = ?", at).
			Where("session_id = ?", sessionID).
			Where("status = ?", RefreshStatusActive).
			Exec(ctx)
		return err
	})
}

func (r *refreshTokens) RevokeUserSessions(ctx context.Context, userID uuid.UUID, reason string, at time.Time) (int, error) {
	var revoked int
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*Session)(nil)).
			Set("status = ?", SessionStatusRevoked).
			Set("revoked_at = ?", at).
			Set("revoke_reason = ?", reason).
			Where("user_id = ?", userID).
			Where("status = ?", SessionStatusActive).
			Exec(ctx)
		if err != nil {
			return err
		}

		if n, err := res.RowsAffected(); err == nil {
			revoked = int(n)
		}

		_, err = tx.NewUpdate().
			Model((*RefreshToken)(nil)).
			Set("status = ?", RefreshStatusRevoked).
			Set("revoked_at = ?", at).
			Where("user_id = ?", userID).
			Where("status = ?", RefreshStatusActive).
			Exec(ctx)
		return err
	})
	return revoked, err
}

func affected(res sql.Result) bool {
	if res == nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
