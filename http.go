package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-campus-auth/middleware/jwtware"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ErrorEnvelope wraps ErrorBody as {"error": {...}}.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// RouteAuthenticator builds fiber middleware around the RoleGate.
type RouteAuthenticator struct {
	gate         *RoleGate
	cfg          Config
	Logger       Logger
	ErrorHandler func(c *fiber.Ctx, err error) error
}

func NewHTTPAuthenticator(gate *RoleGate, cfg Config) *RouteAuthenticator {
	a := &RouteAuthenticator{
		gate:   gate,
		cfg:    cfg,
		Logger: defLogger{},
	}
	a.ErrorHandler = a.defaultErrHandler
	return a
}

// WithLogger sets the logger.
func (a *RouteAuthenticator) WithLogger(logger Logger) *RouteAuthenticator {
	a.Logger = normalizeLogger(logger)
	return a
}

// Protect only lets through requests whose access token verifies and whose
// role is one of roles. No roles means any authenticated caller.
func (a *RouteAuthenticator) Protect(roles ...Role) fiber.Handler {
	allowed := NewRoleSet(roles...)
	if len(roles) == 0 {
		allowed = AnyRole()
	}
	return a.ProtectSet(allowed)
}

// ProtectSet is Protect with a prebuilt RoleSet.
func (a *RouteAuthenticator) ProtectSet(allowed RoleSet) fiber.Handler {
	return jwtware.New(jwtware.Config{
		ErrorHandler: a.ErrorHandler,
		Authorize: func(ctx context.Context, token string) (context.Context, any, error) {
			return a.gate.Authorize(ctx, token, allowed)
		},
		AuthScheme:  a.cfg.GetAuthScheme(),
		ContextKey:  a.contextKey(),
		TokenLookup: a.cfg.GetTokenLookup(),
	})
}

// Principal returns the principal attached by Protect.
func (a *RouteAuthenticator) Principal(c *fiber.Ctx) (Principal, bool) {
	return PrincipalFromFiber(c, a.contextKey())
}

func (a *RouteAuthenticator) contextKey() string {
	if key := a.cfg.GetContextKey(); key != "" {
		return key
	}
	return DefaultContextKey
}

func (a *RouteAuthenticator) defaultErrHandler(c *fiber.Ctx, err error) error {
	return WriteError(c, a.Logger, err)
}

// ErrorHandler returns a fiber.ErrorHandler that writes the error envelope,
// meant for fiber.Config.ErrorHandler.
func ErrorHandler(logger Logger) fiber.ErrorHandler {
	logger = normalizeLogger(logger)
	return func(c *fiber.Ctx, err error) error {
		return WriteError(c, logger, err)
	}
}

// WriteError maps err to a status code and writes the error envelope. Only
// the text code and a safe message leave the process.
func WriteError(c *fiber.Ctx, logger Logger, err error) error {
	logger = normalizeLogger(logger)

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorEnvelope{Error: ErrorBody{
			Code:    fiberTextCode(fiberErr.Code),
			Message: fiberErr.Message,
		}})
	}

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		richErr = withDetails(ErrStorageFailure, err, nil)
	}

	status := statusFor(richErr)
	body := ErrorBody{
		Code:    richErr.TextCode,
		Message: richErr.Message,
	}

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed",
			"path", c.Path(),
			"text_code", richErr.TextCode,
			"error", err,
			"details", print.MaybePrettyJSON(richErr.Metadata),
		)
		if body.Code == "" {
			body.Code = TextCodeStorageFailure
		}
		if status == http.StatusInternalServerError {
			body.Message = ErrStorageFailure.Message
		}
	case status == http.StatusUnauthorized:
		c.Set(fiber.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
		logger.Debug("request unauthenticated", "path", c.Path(), "text_code", richErr.TextCode)
	default:
		body.Fields = ValidationFields(richErr)
		logger.Debug("request rejected", "path", c.Path(), "text_code", richErr.TextCode, "status", status)
	}

	if body.Code == "" {
		body.Code = http.StatusText(status)
	}

	return c.Status(status).JSON(ErrorEnvelope{Error: body})
}

func statusFor(err *goerrors.Error) int {
	if err.Code >= 400 && err.Code < 600 {
		return err.Code
	}

	switch err.Category {
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return http.StatusBadRequest
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func fiberTextCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return TextCodeValidation
	case http.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	default:
		if status >= http.StatusInternalServerError {
			return TextCodeStorageFailure
		}
		return http.StatusText(status)
	}
}
