package jwtware_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-campus-auth/middleware/jwtware"
)

var errDenied = errors.New("denied")

func newApp(t *testing.T, cfg jwtware.Config) *fiber.App {
	t.Helper()

	app := fiber.New()
	app.Get("/protected", jwtware.New(cfg), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("user").(string))
	})
	app.Get("/protected/:token", jwtware.New(cfg), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("user").(string))
	})
	return app
}

func acceptToken(valid string) jwtware.AuthorizeFunc {
	return func(ctx context.Context, token string) (context.Context, any, error) {
		if token != valid {
			return ctx, nil, errDenied
		}
		return ctx, "ok:" + token, nil
	}
}

func body(t *testing.T, res *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func TestJWTWare_BasicHeaderExtraction(t *testing.T) {
	app := newApp(t, jwtware.Config{Authorize: acceptToken("abc")})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer abc")
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok:abc", body(t, res))

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	res, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestJWTWare_SchemeIsCaseInsensitive(t *testing.T) {
	app := newApp(t, jwtware.Config{Authorize: acceptToken("abc")})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "bearer abc")
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestJWTWare_MissingTokenStillCallsAuthorize(t *testing.T) {
	var seen []string
	app := newApp(t, jwtware.Config{
		Authorize: func(ctx context.Context, token string) (context.Context, any, error) {
			seen = append(seen, token)
			return ctx, nil, errDenied
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusTeapot).SendString(err.Error())
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Basic abc")
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, res.StatusCode)
	assert.Equal(t, "denied", body(t, res))
	assert.Equal(t, []string{""}, seen)
}

func TestJWTWare_LookupOrder(t *testing.T) {
	app := newApp(t, jwtware.Config{
		Authorize:   acceptToken("from-cookie"),
		TokenLookup: "header:Authorization,cookie:jwt,query:auth_token",
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: "jwt", Value: "from-cookie"})
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	app = newApp(t, jwtware.Config{
		Authorize:   acceptToken("from-query"),
		TokenLookup: "header:Authorization,cookie:jwt,query:auth_token",
	})
	req = httptest.NewRequest(http.MethodGet, "/protected?auth_token=from-query", nil)
	res, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestJWTWare_ParamLookup(t *testing.T) {
	app := newApp(t, jwtware.Config{
		Authorize:   acceptToken("xyz"),
		TokenLookup: "param:token",
	})

	req := httptest.NewRequest(http.MethodGet, "/protected/xyz", nil)
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestJWTWare_Filter(t *testing.T) {
	app := fiber.New()
	app.Get("/open", jwtware.New(jwtware.Config{
		Authorize: acceptToken("abc"),
		Filter:    func(*fiber.Ctx) bool { return true },
	}), func(c *fiber.Ctx) error {
		return c.SendString("open")
	})

	res, err := app.Test(httptest.NewRequest(http.MethodGet, "/open", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestJWTWare_UserContextIsPropagated(t *testing.T) {
	type key struct{}
	app := fiber.New()
	app.Get("/ctx", jwtware.New(jwtware.Config{
		Authorize: func(ctx context.Context, token string) (context.Context, any, error) {
			return context.WithValue(ctx, key{}, token), token, nil
		},
	}), func(c *fiber.Ctx) error {
		return c.SendString(c.UserContext().Value(key{}).(string))
	})

	req := httptest.NewRequest(http.MethodGet, "/ctx", nil)
	req.Header.Set("Authorization", "Bearer t1")
	res, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "t1", body(t, res))
}

func TestGetExtractorsSkipsInvalidParts(t *testing.T) {
	extractors := jwtware.GetExtractors("header:Authorization, bogus ,cookie:jwt,unknown:x")
	assert.Len(t, extractors, 2)
}

func TestDefaultConfigRequiresAuthorize(t *testing.T) {
	assert.Panics(t, func() {
		jwtware.GetDefaultConfig(jwtware.Config{})
	})
}
