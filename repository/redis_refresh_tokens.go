package repository

import (
	"context"
	"strconv"
	"time"

	auth "github.com/goliatone/go-campus-auth"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisRetention keeps token and session hashes around after expiry so
// reuse of an old token is still detected.
const DefaultRedisRetention = 24 * time.Hour

const (
	rotateStatusNotFound       int64 = 0
	rotateStatusRotated        int64 = 1
	rotateStatusTokenInactive  int64 = 2
	rotateStatusSessionRevoked int64 = 3
)

// KEYS: current token, session, next token, session token set
// ARGV: consumed_at, next token id, next expire at (ms), field/value pairs
const rotateRefreshScript = `
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return 0
end
if status ~= "active" then
  return 2
end
if redis.call("HGET", KEYS[2], "status") ~= "active" then
  return 3
end
redis.call("HSET", KEYS[1], "status", "consumed", "consumed_at", ARGV[1])
local fields = {}
for i = 4, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", KEYS[3], unpack(fields))
redis.call("PEXPIREAT", KEYS[3], ARGV[3])
redis.call("SADD", KEYS[4], ARGV[2])
redis.call("PEXPIREAT", KEYS[2], ARGV[3])
redis.call("PEXPIREAT", KEYS[4], ARGV[3])
return 1
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// KEYS: session, session token set
// ARGV: revoked_at, reason, token key prefix
const revokeSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local changed = 0
if redis.call("HGET", KEYS[1], "status") == "active" then
  redis.call("HSET", KEYS[1], "status", "revoked", "revoked_at", ARGV[1], "revoke_reason", ARGV[2])
  changed = 1
end
local ids = redis.call("SMEMBERS", KEYS[2])
for _, id in ipairs(ids) do
  local key = ARGV[3] .. id
  if redis.call("HGET", key, "status") == "active" then
    redis.call("HSET", key, "status", "revoked", "revoked_at", ARGV[1])
  end
end
return changed
`

var revokeSessionLua = redis.NewScript(revokeSessionScript)

// KEYS: token
// ARGV: at
const expireTokenScript = `
if redis.call("HGET", KEYS[1], "status") == "active" then
  redis.call("HSET", KEYS[1], "status", "expired", "revoked_at", ARGV[1])
  return 1
end
return 0
`

var expireTokenLua = redis.NewScript(expireTokenScript)

// RedisRefreshTokens stores sessions and refresh tokens as redis hashes.
// Rotation and revocation run as Lua scripts so the check and the write
// happen atomically.
type RedisRefreshTokens struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ auth.RefreshTokenStore = (*RedisRefreshTokens)(nil)

// RedisOption customizes RedisRefreshTokens.
type RedisOption func(*RedisRefreshTokens)

// WithRedisPrefix namespaces every key.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisRefreshTokens) {
		r.prefix = prefix
	}
}

// WithRedisRetention sets how long records outlive their expiry.
func WithRedisRetention(d time.Duration) RedisOption {
	return func(r *RedisRefreshTokens) {
		if d >= 0 {
			r.retention = d
		}
	}
}

// NewRedisRefreshTokens returns a redis backed auth.RefreshTokenStore.
func NewRedisRefreshTokens(rdb redis.UniversalClient, opts ...RedisOption) *RedisRefreshTokens {
	r := &RedisRefreshTokens{
		rdb:       rdb,
		prefix:    "auth:",
		retention: DefaultRedisRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *RedisRefreshTokens) tokenPrefix() string { return r.prefix + "rt:" }

func (r *RedisRefreshTokens) tokenKey(id uuid.UUID) string {
	return r.tokenPrefix() + id.String()
}

func (r *RedisRefreshTokens) sessionKey(id uuid.UUID) string {
	return r.prefix + "rs:" + id.String()
}

func (r *RedisRefreshTokens) sessionTokensKey(id uuid.UUID) string {
	return r.sessionKey(id) + ":tokens"
}

func (r *RedisRefreshTokens) userSessionsKey(id uuid.UUID) string {
	return r.prefix + "ru:" + id.String()
}

func (r *RedisRefreshTokens) CreateSession(ctx context.Context, sess *auth.Session, first *auth.RefreshToken) error {
	expireAt := first.ExpiresAt.Add(r.retention)

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.sessionKey(sess.ID), sessionFields(sess)...)
		pipe.ExpireAt(ctx, r.sessionKey(sess.ID), expireAt)

		pipe.HSet(ctx, r.tokenKey(first.ID), tokenFields(first)...)
		pipe.ExpireAt(ctx, r.tokenKey(first.ID), expireAt)

		pipe.SAdd(ctx, r.sessionTokensKey(sess.ID), first.ID.String())
		pipe.ExpireAt(ctx, r.sessionTokensKey(sess.ID), expireAt)

		pipe.SAdd(ctx, r.userSessionsKey(sess.UserID), sess.ID.String())
		return nil
	})
	return err
}

func (r *RedisRefreshTokens) FindSession(ctx context.Context, id uuid.UUID) (*auth.Session, error) {
	values, err := r.rdb.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, auth.ErrRecordNotFound
	}
	return parseSession(id, values)
}

func (r *RedisRefreshTokens) FindToken(ctx context.Context, id uuid.UUID) (*auth.RefreshToken, error) {
	values, err := r.rdb.HGetAll(ctx, r.tokenKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, auth.ErrRecordNotFound
	}
	return parseToken(id, values)
}

func (r *RedisRefreshTokens) Rotate(ctx context.Context, currentID uuid.UUID, next *auth.RefreshToken, at time.Time) error {
	keys := []string{
		r.tokenKey(currentID),
		r.sessionKey(next.SessionID),
		r.tokenKey(next.ID),
		r.sessionTokensKey(next.SessionID),
	}

	args := []any{
		formatTime(at),
		next.ID.String(),
		next.ExpiresAt.Add(r.retention).UnixMilli(),
	}
	args = append(args, tokenFields(next)...)

	status, err := rotateRefreshLua.Run(ctx, r.rdb, keys, args...).Int64()
	if err != nil {
		return err
	}

	if status != rotateStatusRotated {
		// a missing token is reported as a conflict too, the caller re-reads it
		return auth.ErrRotationConflict
	}
	return nil
}

func (r *RedisRefreshTokens) ExpireToken(ctx context.Context, id uuid.UUID, at time.Time) error {
	return expireTokenLua.Run(ctx, r.rdb, []string{r.tokenKey(id)}, formatTime(at)).Err()
}

func (r *RedisRefreshTokens) RevokeSession(ctx context.Context, sessionID uuid.UUID, reason string, at time.Time) error {
	_, err := r.revokeSession(ctx, sessionID, reason, at)
	return err
}

func (r *RedisRefreshTokens) revokeSession(ctx context.Context, sessionID uuid.UUID, reason string, at time.Time) (bool, error) {
	keys := []string{r.sessionKey(sessionID), r.sessionTokensKey(sessionID)}

	changed, err := revokeSessionLua.Run(ctx, r.rdb, keys, formatTime(at), reason, r.tokenPrefix()).Int64()
	if err != nil {
		return false, err
	}
	if changed < 0 {
		return false, auth.ErrRecordNotFound
	}
	return changed == 1, nil
}

func (r *RedisRefreshTokens) RevokeUserSessions(ctx context.Context, userID uuid.UUID, reason string, at time.Time) (int, error) {
	ids, err := r.rdb.SMembers(ctx, r.userSessionsKey(userID)).Result()
	if err != nil {
		return 0, err
	}

	revoked := 0
	var stale []any
	for _, raw := range ids {
		sessionID, err := uuid.Parse(raw)
		if err != nil {
			stale = append(stale, raw)
			continue
		}

		changed, err := r.revokeSession(ctx, sessionID, reason, at)
		if err != nil {
			if auth.IsKind(err, auth.ErrRecordNotFound) {
				// the session hash already aged out
				stale = append(stale, raw)
				continue
			}
			return revoked, err
		}
		if changed {
			revoked++
		}
	}

	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, r.userSessionsKey(userID), stale...).Err(); err != nil {
			return revoked, err
		}
	}

	return revoked, nil
}

func sessionFields(s *auth.Session) []any {
	fields := []any{
		"user_id", s.UserID.String(),
		"status", s.Status,
		"user_agent", s.UserAgent,
		"ip_address", s.IPAddress,
		"revoke_reason", s.RevokeReason,
		"created_at", formatTime(s.CreatedAt),
	}
	if s.RevokedAt != nil {
		fields = append(fields, "revoked_at", formatTime(*s.RevokedAt))
	}
	return fields
}

func tokenFields(t *auth.RefreshToken) []any {
	fields := []any{
		"session_id", t.SessionID.String(),
		"user_id", t.UserID.String(),
		"token_hash", t.TokenHash,
		"status", t.Status,
		"expires_at", formatTime(t.ExpiresAt),
		"created_at", formatTime(t.CreatedAt),
	}
	if t.ParentID != nil {
		fields = append(fields, "parent_id", t.ParentID.String())
	}
	return fields
}

func parseSession(id uuid.UUID, v map[string]string) (*auth.Session, error) {
	userID, err := uuid.Parse(v["user_id"])
	if err != nil {
		return nil, err
	}

	return &auth.Session{
		ID:           id,
		UserID:       userID,
		Status:       v["status"],
		UserAgent:    v["user_agent"],
		IPAddress:    v["ip_address"],
		RevokeReason: v["revoke_reason"],
		CreatedAt:    parseTime(v["created_at"]),
		RevokedAt:    parseOptionalTime(v["revoked_at"]),
	}, nil
}

func parseToken(id uuid.UUID, v map[string]string) (*auth.RefreshToken, error) {
	sessionID, err := uuid.Parse(v["session_id"])
	if err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(v["user_id"])
	if err != nil {
		return nil, err
	}

	token := &auth.RefreshToken{
		ID:         id,
		SessionID:  sessionID,
		UserID:     userID,
		TokenHash:  v["token_hash"],
		Status:     v["status"],
		ExpiresAt:  parseTime(v["expires_at"]),
		ConsumedAt: parseOptionalTime(v["consumed_at"]),
		RevokedAt:  parseOptionalTime(v["revoked_at"]),
		CreatedAt:  parseTime(v["created_at"]),
	}

	if raw := v["parent_id"]; raw != "" {
		parent, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		token.ParentID = &parent
	}

	return token, nil
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(raw string) time.Time {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func parseOptionalTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t := parseTime(raw)
	return &t
}
