package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	// DefaultRefreshTokenTTL is the lifetime of a refresh token.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	// DefaultReuseGracePeriod is how long after its rotation a consumed token
	// may be presented again without revoking the session.
	DefaultReuseGracePeriod = 30 * time.Second

	refreshSecretBytes = 32

	RevokeReasonLogout         = "logout"
	RevokeReasonReuse          = "refresh_token_reuse"
	RevokeReasonPasswordChange = "password_change"
	RevokeReasonIdentity       = "identity_unavailable"
)

// TokenPair is what a successful login, registration or refresh returns.
type TokenPair struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	TokenType             string    `json:"tokenType"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
	SessionID             string    `json:"-"`
}

// AccessTokenSigner mints access tokens bound to a session.
type AccessTokenSigner interface {
	Sign(ctx context.Context, user *User, sessionID string) (string, time.Time, error)
}

// SessionRefresher issues, rotates and revokes refresh token lineages.
type SessionRefresher struct {
	store    RefreshTokenStore
	users    IdentityFinder
	signer   AccessTokenSigner
	ttl      time.Duration
	grace    time.Duration
	now      func() time.Time
	logger   Logger
	activity ActivitySink
}

// RefresherOption customizes a SessionRefresher.
type RefresherOption func(*SessionRefresher)

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) RefresherOption {
	return func(r *SessionRefresher) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithReuseGracePeriod sets the window in which presenting an already
// rotated token is rejected without revoking the lineage. Zero makes every
// reuse revoke the session.
func WithReuseGracePeriod(d time.Duration) RefresherOption {
	return func(r *SessionRefresher) {
		if d >= 0 {
			r.grace = d
		}
	}
}

// WithRefresherClock injects the clock.
func WithRefresherClock(now func() time.Time) RefresherOption {
	return func(r *SessionRefresher) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRefresherLogger sets the logger.
func WithRefresherLogger(logger Logger) RefresherOption {
	return func(r *SessionRefresher) {
		r.logger = normalizeLogger(logger)
	}
}

// WithRefresherActivitySink sets the sink that receives reuse events.
func WithRefresherActivitySink(sink ActivitySink) RefresherOption {
	return func(r *SessionRefresher) {
		r.activity = normalizeActivitySink(sink)
	}
}

// NewSessionRefresher creates a SessionRefresher.
func NewSessionRefresher(store RefreshTokenStore, users IdentityFinder, signer AccessTokenSigner, opts ...RefresherOption) *SessionRefresher {
	r := &SessionRefresher{
		store:    store,
		users:    users,
		signer:   signer,
		ttl:      DefaultRefreshTokenTTL,
		grace:    DefaultReuseGracePeriod,
		now:      time.Now,
		logger:   defLogger{},
		activity: noopActivitySink{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Issue opens a new session lineage for user and returns its first pair.
func (r *SessionRefresher) Issue(ctx context.Context, user *User, meta SessionMeta) (TokenPair, error) {
	now := r.now()
	sess := &Session{
		ID:        uuid.New(),
		UserID:    user.ID,
		Status:    SessionStatusActive,
		UserAgent: truncate(meta.UserAgent, 255),
		IPAddress: truncate(meta.IPAddress, 64),
		CreatedAt: now,
	}

	record, raw, err := r.newRefreshToken(sess.ID, user.ID, nil, now)
	if err != nil {
		return TokenPair{}, err
	}

	if err := r.store.CreateSession(ctx, sess, record); err != nil {
		return TokenPair{}, storageFailure(r.logger, "sessions.create", err)
	}

	return r.pair(ctx, user, sess.ID, raw, record.ExpiresAt)
}

// Refresh validates raw, consumes it and returns a new pair in the same
// lineage. Of two callers presenting the same token only one succeeds, the
// other gets ErrRefreshTokenReused.
func (r *SessionRefresher) Refresh(ctx context.Context, raw string) (TokenPair, error) {
	id, secret, ok := splitRefreshToken(raw)
	if !ok {
		return TokenPair{}, ErrRefreshTokenInvalid
	}

	record, err := r.store.FindToken(ctx, id)
	if err != nil {
		if IsKind(err, ErrRecordNotFound) {
			return TokenPair{}, ErrRefreshTokenInvalid
		}
		return TokenPair{}, storageFailure(r.logger, "refresh_tokens.find", err)
	}

	if subtle.ConstantTimeCompare([]byte(hashRefreshSecret(secret)), []byte(record.TokenHash)) != 1 {
		return TokenPair{}, ErrRefreshTokenInvalid
	}

	now := r.now()
	if err := r.classify(ctx, record, now); err != nil {
		return TokenPair{}, err
	}

	user, err := r.users.FindByID(ctx, record.UserID)
	if err != nil || user == nil || !user.Active {
		if err != nil && !IsKind(err, ErrRecordNotFound) {
			return TokenPair{}, storageFailure(r.logger, "users.find_by_id", err)
		}
		if rerr := r.store.RevokeSession(ctx, record.SessionID, RevokeReasonIdentity, now); rerr != nil && !IsKind(rerr, ErrRecordNotFound) {
			r.logger.Error("failed to revoke session of unavailable identity", "session_id", record.SessionID, "error", rerr)
		}
		return TokenPair{}, ErrRefreshTokenRevoked
	}

	next, nextRaw, err := r.newRefreshToken(record.SessionID, record.UserID, &record.ID, now)
	if err != nil {
		return TokenPair{}, err
	}

	if err := r.store.Rotate(ctx, record.ID, next, now); err != nil {
		if !IsKind(err, ErrRotationConflict) {
			return TokenPair{}, storageFailure(r.logger, "refresh_tokens.rotate", err)
		}
		return TokenPair{}, r.explainConflict(ctx, record.ID, now)
	}

	return r.pair(ctx, user, record.SessionID, nextRaw, next.ExpiresAt)
}

// classify rejects any token that is not active, or whose session is gone.
func (r *SessionRefresher) classify(ctx context.Context, record *RefreshToken, now time.Time) error {
	switch record.Status {
	case RefreshStatusConsumed:
		return r.handleReuse(ctx, record, now)
	case RefreshStatusRevoked:
		return ErrRefreshTokenRevoked
	case RefreshStatusExpired:
		return ErrRefreshTokenExpired
	}

	sess, err := r.store.FindSession(ctx, record.SessionID)
	if err != nil {
		if IsKind(err, ErrRecordNotFound) {
			return ErrRefreshTokenRevoked
		}
		return storageFailure(r.logger, "sessions.find", err)
	}
	if sess.Status != SessionStatusActive {
		return ErrRefreshTokenRevoked
	}

	if record.IsExpired(now) {
		if err := r.store.ExpireToken(ctx, record.ID, now); err != nil {
			r.logger.Warn("failed to mark refresh token expired", "token_id", record.ID, "error", err)
		}
		return ErrRefreshTokenExpired
	}

	return nil
}

// explainConflict re-reads a token that lost the compare and swap so the
// caller gets the precise reason.
func (r *SessionRefresher) explainConflict(ctx context.Context, id uuid.UUID, now time.Time) error {
	record, err := r.store.FindToken(ctx, id)
	if err != nil {
		return storageFailure(r.logger, "refresh_tokens.find", err)
	}

	if record.Status == RefreshStatusActive {
		// the token is fine, its session was revoked under us
		return ErrRefreshTokenRevoked
	}

	return r.classify(ctx, record, now)
}

// handleReuse rejects a consumed token. Past the grace window the whole
// lineage is revoked and a security event is recorded.
func (r *SessionRefresher) handleReuse(ctx context.Context, record *RefreshToken, now time.Time) error {
	inGrace := r.grace > 0 && record.ConsumedAt != nil && !now.After(record.ConsumedAt.Add(r.grace))

	event := ActivityEvent{
		EventType:  ActivityEventRefreshReuse,
		UserID:     record.UserID.String(),
		SessionID:  record.SessionID.String(),
		OccurredAt: now,
		Metadata: map[string]any{
			"token_id":        record.ID.String(),
			"session_revoked": !inGrace,
		},
	}

	if inGrace {
		r.logger.Warn("refresh token presented again within grace window", "session_id", record.SessionID, "token_id", record.ID)
		recordActivity(ctx, r.activity, r.logger, event)
		return ErrRefreshTokenReused
	}

	r.logger.Warn("refresh token reuse detected, revoking session", "session_id", record.SessionID, "user_id", record.UserID)
	if err := r.store.RevokeSession(ctx, record.SessionID, RevokeReasonReuse, now); err != nil && !IsKind(err, ErrRecordNotFound) {
		r.logger.Error("failed to revoke session after reuse", "session_id", record.SessionID, "error", err)
	}
	recordActivity(ctx, r.activity, r.logger, event)

	return ErrRefreshTokenReused
}

// RevokeSession revokes every token of a session lineage.
func (r *SessionRefresher) RevokeSession(ctx context.Context, sessionID uuid.UUID, reason string) error {
	if err := r.store.RevokeSession(ctx, sessionID, reason, r.now()); err != nil {
		if IsKind(err, ErrRecordNotFound) {
			return err
		}
		return storageFailure(r.logger, "sessions.revoke", err)
	}
	return nil
}

// RevokeAllForUser revokes every active session of userID and returns how many.
func (r *SessionRefresher) RevokeAllForUser(ctx context.Context, userID uuid.UUID, reason string) (int, error) {
	n, err := r.store.RevokeUserSessions(ctx, userID, reason, r.now())
	if err != nil {
		return 0, storageFailure(r.logger, "sessions.revoke_user", err)
	}
	return n, nil
}

func (r *SessionRefresher) pair(ctx context.Context, user *User, sessionID uuid.UUID, raw string, refreshExp time.Time) (TokenPair, error) {
	access, accessExp, err := r.signer.Sign(ctx, user, sessionID.String())
	if err != nil {
		r.logger.Error("failed to sign access token", "user_id", user.ID, "error", err)
		return TokenPair{}, withDetails(ErrStorageFailure, err, map[string]any{"op": "token.sign"})
	}

	return TokenPair{
		AccessToken:           access,
		RefreshToken:          raw,
		TokenType:             "Bearer",
		AccessTokenExpiresAt:  accessExp,
		RefreshTokenExpiresAt: refreshExp,
		SessionID:             sessionID.String(),
	}, nil
}

func (r *SessionRefresher) newRefreshToken(sessionID, userID uuid.UUID, parent *uuid.UUID, now time.Time) (*RefreshToken, string, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate refresh token")
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	record := &RefreshToken{
		ID:        uuid.New(),
		SessionID: sessionID,
		UserID:    userID,
		ParentID:  parent,
		TokenHash: hashRefreshSecret(secret),
		Status:    RefreshStatusActive,
		ExpiresAt: now.Add(r.ttl),
		CreatedAt: now,
	}

	return record, record.ID.String() + "." + secret, nil
}

// splitRefreshToken decodes "<token id>.<secret>".
func splitRefreshToken(raw string) (uuid.UUID, string, bool) {
	idPart, secret, found := strings.Cut(strings.TrimSpace(raw), ".")
	if !found || secret == "" {
		return uuid.Nil, "", false
	}

	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, "", false
	}

	if _, err := base64.RawURLEncoding.DecodeString(secret); err != nil {
		return uuid.Nil, "", false
	}

	return id, secret, true
}

func hashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
