package auth

import (
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-campus-auth/middleware/jwtware"
	"github.com/goliatone/go-print"
)

type AuthControllerRoutes struct {
	Register       string
	Login          string
	Refresh        string
	Me             string
	UpdatePassword string
	Logout         string
}

type AuthController struct {
	Debug  bool
	Logger Logger
	Auther *Auther
	HTTP   *RouteAuthenticator
	Routes *AuthControllerRoutes
}

type AuthControllerOption func(*AuthController) *AuthController

// WithControllerDebug dumps request payloads at debug level.
func WithControllerDebug(debug bool) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Debug = debug
		return c
	}
}

// WithControllerLogger sets the logger.
func WithControllerLogger(logger Logger) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Logger = normalizeLogger(logger)
		return c
	}
}

func NewAuthController(auther *Auther, httpAuth *RouteAuthenticator, opts ...AuthControllerOption) *AuthController {
	if auther == nil {
		panic("Missing Auther in auth controller...")
	}

	if httpAuth == nil {
		panic("Missing RouteAuthenticator in auth controller...")
	}

	c := &AuthController{
		Logger: defLogger{},
		Auther: auther,
		HTTP:   httpAuth,
		Routes: &AuthControllerRoutes{
			Register:       "/register",
			Login:          "/login",
			Refresh:        "/refresh",
			Me:             "/me",
			UpdatePassword: "/update-password",
			Logout:         "/logout",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	return c
}

// RegisterAuthRoutes mounts the auth endpoints on router, usually app.Group("/auth").
func RegisterAuthRoutes(router fiber.Router, controller *AuthController) {
	protected := controller.HTTP.Protect()

	router.Post(controller.Routes.Register, controller.Register).Name("auth.register")
	router.Post(controller.Routes.Login, controller.Login).Name("auth.login")
	router.Post(controller.Routes.Refresh, controller.Refresh).Name("auth.refresh")
	router.Get(controller.Routes.Me, protected, controller.Me).Name("auth.me")
	router.Post(controller.Routes.UpdatePassword, protected, controller.UpdatePassword).Name("auth.update-password")
	router.Post(controller.Routes.Logout, protected, controller.Logout).Name("auth.logout")
}

// RegisterRequest is the registration payload, role specific fields are flat.
type RegisterRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	ProfileFields
}

// LoginRequest payload
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

// RefreshRequest payload
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// UpdatePasswordRequest payload
type UpdatePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// Validate will run validation rules
func (r UpdatePasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required),
		validation.Field(&r.NewPassword, validation.Required, validation.Length(MinPasswordLength, MaxPasswordLength)),
	)
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	TokenPair
	Identity IdentityView `json:"identity"`
	Profile  Profile      `json:"profile,omitempty"`
}

// MeResponse is the identity of the caller with its profile.
type MeResponse struct {
	IdentityView
	Profile Profile `json:"profile,omitempty"`
}

func (a *AuthController) Register(c *fiber.Ctx) error {
	payload := new(RegisterRequest)
	if err := c.BodyParser(payload); err != nil {
		return a.fail(c, withDetails(ErrValidation, err, map[string]any{"body": "unparsable"}))
	}
	a.dump("register", payload)

	msg := RegisterUserMessage{
		NewIdentity: NewIdentity{
			Email:     payload.Email,
			Password:  payload.Password,
			Role:      Role(payload.Role),
			FirstName: payload.FirstName,
			LastName:  payload.LastName,
		},
		Profile: payload.ProfileFields,
		Meta:    sessionMeta(c),
	}

	if p, ok := a.optionalPrincipal(c); ok {
		msg.RequestedBy = &p
	}

	reg, err := a.Auther.Register(c.UserContext(), msg)
	if err != nil {
		return a.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(AuthResponse{
		TokenPair: reg.Tokens,
		Identity:  reg.User.View(),
		Profile:   reg.Profile,
	})
}

func (a *AuthController) Login(c *fiber.Ctx) error {
	payload := new(LoginRequest)
	if err := c.BodyParser(payload); err != nil {
		return a.fail(c, withDetails(ErrValidation, err, map[string]any{"body": "unparsable"}))
	}

	if err := payload.Validate(); err != nil {
		return a.fail(c, validationFailure(ErrValidation, err))
	}

	res, err := a.Auther.Login(c.UserContext(), payload.Email, payload.Password, sessionMeta(c))
	if err != nil {
		return a.fail(c, err)
	}

	return c.JSON(AuthResponse{
		TokenPair: res.Tokens,
		Identity:  res.User.View(),
	})
}

func (a *AuthController) Refresh(c *fiber.Ctx) error {
	payload := new(RefreshRequest)
	if err := c.BodyParser(payload); err != nil || payload.RefreshToken == "" {
		return a.fail(c, ErrRefreshTokenInvalid)
	}

	tokens, err := a.Auther.Refresh(c.UserContext(), payload.RefreshToken)
	if err != nil {
		return a.fail(c, err)
	}

	return c.JSON(tokens)
}

func (a *AuthController) Me(c *fiber.Ctx) error {
	p, ok := a.HTTP.Principal(c)
	if !ok {
		return a.fail(c, ErrUnauthenticated)
	}

	user, profile, err := a.Auther.Me(c.UserContext(), p)
	if err != nil {
		return a.fail(c, err)
	}

	return c.JSON(MeResponse{
		IdentityView: user.View(),
		Profile:      profile,
	})
}

func (a *AuthController) UpdatePassword(c *fiber.Ctx) error {
	p, ok := a.HTTP.Principal(c)
	if !ok {
		return a.fail(c, ErrUnauthenticated)
	}

	payload := new(UpdatePasswordRequest)
	if err := c.BodyParser(payload); err != nil {
		return a.fail(c, withDetails(ErrValidation, err, map[string]any{"body": "unparsable"}))
	}

	if err := payload.Validate(); err != nil {
		return a.fail(c, validationFailure(ErrValidation, err))
	}

	tokens, err := a.Auther.UpdatePassword(c.UserContext(), p, payload.CurrentPassword, payload.NewPassword, sessionMeta(c))
	if err != nil {
		if IsKind(err, ErrInvalidCredentials) {
			// 400, a 401 here would send clients into the refresh path
			recoded := ErrInvalidCredentials.Clone()
			recoded.Code = fiber.StatusBadRequest
			return a.fail(c, recoded)
		}
		return a.fail(c, err)
	}

	return c.JSON(tokens)
}

func (a *AuthController) Logout(c *fiber.Ctx) error {
	p, ok := a.HTTP.Principal(c)
	if !ok {
		return a.fail(c, ErrUnauthenticated)
	}

	if err := a.Auther.Logout(c.UserContext(), p); err != nil {
		return a.fail(c, err)
	}

	return c.JSON(fiber.Map{"success": true})
}

// optionalPrincipal verifies a bearer token if one was sent.
func (a *AuthController) optionalPrincipal(c *fiber.Ctx) (Principal, bool) {
	token, _ := jwtware.ExtractRawTokenFromContext(c, jwtware.GetExtractors(
		a.HTTP.cfg.GetTokenLookup(),
		a.HTTP.cfg.GetAuthScheme(),
	))
	if token == "" {
		return Principal{}, false
	}

	_, p, err := a.Auther.Gate().Authorize(c.UserContext(), token, AnyRole())
	if err != nil {
		return Principal{}, false
	}
	return p, true
}

func (a *AuthController) fail(c *fiber.Ctx, err error) error {
	return WriteError(c, a.Logger, err)
}

func (a *AuthController) dump(label string, payload *RegisterRequest) {
	if !a.Debug {
		return
	}
	redacted := *payload
	redacted.Password = "<redacted>"
	a.Logger.Debug("payload "+label, "body", print.MaybePrettyJSON(redacted))
}

func sessionMeta(c *fiber.Ctx) SessionMeta {
	return SessionMeta{
		UserAgent: c.Get(fiber.HeaderUserAgent),
		IPAddress: c.IP(),
	}
}
