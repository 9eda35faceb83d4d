package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	auth "github.com/goliatone/go-campus-auth"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrSessionExpired is returned once the refresh token was rejected. The
	// stored pair is cleared and the user has to log in again.
	ErrSessionExpired = errors.New("session expired, login required")
	// ErrNotAuthenticated is returned by Do when no pair is stored.
	ErrNotAuthenticated = errors.New("no active session")
)

// APIError is a decoded error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// AuthResult is the body of register and login responses.
type AuthResult struct {
	auth.TokenPair
	Identity auth.IdentityView `json:"identity"`
	Profile  json.RawMessage   `json:"profile,omitempty"`
}

// MeResult is the body of the me endpoint.
type MeResult struct {
	auth.IdentityView
	Profile json.RawMessage `json:"profile,omitempty"`
}

// Routes are the auth endpoint paths, relative to the base URL.
type Routes struct {
	Register       string
	Login          string
	Refresh        string
	Me             string
	UpdatePassword string
	Logout         string
}

// Config configures a SessionManager.
type Config struct {
	BaseURL        string
	HTTPClient     *http.Client
	Storage        TokenStorage
	Routes         *Routes
	Logger         auth.Logger
	RefreshTimeout time.Duration
}

// SessionManager attaches the access token to requests and refreshes the
// pair when the server reports it expired. Concurrent callers that see the
// same expired token share one refresh call.
type SessionManager struct {
	baseURL        *url.URL
	hc             *http.Client
	storage        TokenStorage
	routes         Routes
	logger         auth.Logger
	refreshTimeout time.Duration
	group          singleflight.Group
}

func NewSessionManager(cfg Config) (*SessionManager, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}

	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}

	routes := Routes{
		Register:       "/auth/register",
		Login:          "/auth/login",
		Refresh:        "/auth/refresh",
		Me:             "/auth/me",
		UpdatePassword: "/auth/update-password",
		Logout:         "/auth/logout",
	}
	if cfg.Routes != nil {
		routes = *cfg.Routes
	}

	var logger auth.Logger = auth.NopLogger{}
	if cfg.Logger != nil {
		logger = cfg.Logger
	}

	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &SessionManager{
		baseURL:        base,
		hc:             hc,
		storage:        storage,
		routes:         routes,
		logger:         logger,
		refreshTimeout: timeout,
	}, nil
}

// Tokens returns the stored pair.
func (m *SessionManager) Tokens(ctx context.Context) (auth.TokenPair, error) {
	return m.storage.Load(ctx)
}

// SetTokens stores a pair obtained elsewhere.
func (m *SessionManager) SetTokens(ctx context.Context, tokens auth.TokenPair) error {
	return m.storage.Save(ctx, tokens)
}

// Do sends req with the stored access token. When the server answers 401
// with an invalid_token challenge the pair is refreshed once and req is
// retried with the new access token. Requests with a body must be
// replayable (req.GetBody set) to be retried; otherwise the original 401 is
// returned after the refresh.
func (m *SessionManager) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	tokens, err := m.storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return nil, ErrNotAuthenticated
	}

	resp, err := m.send(req, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	if !accessTokenRejected(resp) {
		return resp, nil
	}

	fresh, err := m.refresh(ctx, tokens.RefreshToken)
	if err != nil {
		drain(resp)
		return nil, err
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		m.logger.Warn("request body is not replayable, not retrying", "url", req.URL.String())
		return resp, nil
	}
	drain(resp)

	retry, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}
	return m.send(retry, fresh.AccessToken)
}

// Refresh rotates the stored pair now.
func (m *SessionManager) Refresh(ctx context.Context) (auth.TokenPair, error) {
	tokens, err := m.storage.Load(ctx)
	if err != nil {
		return auth.TokenPair{}, err
	}
	if tokens.RefreshToken == "" {
		return auth.TokenPair{}, ErrNotAuthenticated
	}
	return m.refresh(ctx, tokens.RefreshToken)
}

// refresh exchanges used for a new pair. Calls for the same refresh token
// share one request; a caller arriving after the rotation finished gets the
// already stored pair.
func (m *SessionManager) refresh(ctx context.Context, used string) (auth.TokenPair, error) {
	ch := m.group.DoChan(used, func() (any, error) {
		// detached so one cancelled waiter does not fail the others
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()

		current, err := m.storage.Load(rctx)
		if err != nil {
			return auth.TokenPair{}, err
		}
		if current.RefreshToken != "" && current.RefreshToken != used {
			return current, nil
		}

		var fresh auth.TokenPair
		err = m.postJSON(rctx, m.routes.Refresh, auth.RefreshRequest{RefreshToken: used}, &fresh)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
				m.logger.Info("refresh rejected, clearing session", "code", apiErr.Code)
				if cerr := m.storage.Clear(rctx); cerr != nil {
					m.logger.Error("failed to clear token storage", "error", cerr)
				}
				return auth.TokenPair{}, fmt.Errorf("%w: %s", ErrSessionExpired, apiErr.Code)
			}
			return auth.TokenPair{}, err
		}

		if err := m.storage.Save(rctx, fresh); err != nil {
			return auth.TokenPair{}, err
		}
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return auth.TokenPair{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return auth.TokenPair{}, res.Err
		}
		return res.Val.(auth.TokenPair), nil
	}
}

// Login authenticates and stores the pair.
func (m *SessionManager) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	out := &AuthResult{}
	err := m.postJSON(ctx, m.routes.Login, auth.LoginRequest{Email: email, Password: password}, out)
	if err != nil {
		return nil, err
	}
	if err := m.storage.Save(ctx, out.TokenPair); err != nil {
		return nil, err
	}
	return out, nil
}

// Register creates an identity with its profile and stores the first pair.
func (m *SessionManager) Register(ctx context.Context, payload auth.RegisterRequest) (*AuthResult, error) {
	out := &AuthResult{}
	if err := m.postJSON(ctx, m.routes.Register, payload, out); err != nil {
		return nil, err
	}
	if err := m.storage.Save(ctx, out.TokenPair); err != nil {
		return nil, err
	}
	return out, nil
}

// Me returns the identity behind the stored session.
func (m *SessionManager) Me(ctx context.Context) (*MeResult, error) {
	req, err := m.newRequest(ctx, http.MethodGet, m.routes.Me, nil)
	if err != nil {
		return nil, err
	}

	out := &MeResult{}
	if err := m.doJSON(req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdatePassword changes the password. The server revokes every session so
// the returned pair replaces the stored one.
func (m *SessionManager) UpdatePassword(ctx context.Context, current, next string) error {
	req, err := m.newRequest(ctx, http.MethodPost, m.routes.UpdatePassword, auth.UpdatePasswordRequest{
		CurrentPassword: current,
		NewPassword:     next,
	})
	if err != nil {
		return err
	}

	var fresh auth.TokenPair
	if err := m.doJSON(req, &fresh); err != nil {
		return err
	}
	return m.storage.Save(ctx, fresh)
}

// Logout revokes the session server side and always clears storage.
func (m *SessionManager) Logout(ctx context.Context) error {
	defer func() {
		if err := m.storage.Clear(ctx); err != nil {
			m.logger.Error("failed to clear token storage", "error", err)
		}
	}()

	req, err := m.newRequest(ctx, http.MethodPost, m.routes.Logout, nil)
	if err != nil {
		return err
	}

	err = m.doJSON(req, nil)
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNotAuthenticated) {
		return nil
	}
	return err
}

func (m *SessionManager) send(req *http.Request, accessToken string) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+accessToken)
	return m.hc.Do(out)
}

func (m *SessionManager) doJSON(req *http.Request, out any) error {
	resp, err := m.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (m *SessionManager) postJSON(ctx context.Context, path string, body, out any) error {
	req, err := m.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}

	resp, err := m.hc.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (m *SessionManager) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	target := m.baseURL.JoinPath(path)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	var envelope auth.ErrorEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Fields = envelope.Error.Fields
	}

	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// accessTokenRejected reports a 401 carrying the bearer invalid_token challenge.
func accessTokenRejected(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	return strings.HasPrefix(challenge, "Bearer") && strings.Contains(challenge, "invalid_token")
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return retry, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}
