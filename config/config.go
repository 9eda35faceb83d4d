package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	auth "github.com/goliatone/go-campus-auth"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

const (
	SessionStoreSQL   = "sql"
	SessionStoreRedis = "redis"
)

// AuthConfig holds the token, hashing and lookup options. It is loaded with
// the AUTH_ prefix.
type AuthConfig struct {
	SigningKey       string        `env:"SIGNING_KEY"`
	PreviousKeys     []string      `env:"PREVIOUS_SIGNING_KEYS" envSeparator:","`
	Issuer           string        `env:"ISSUER"          envDefault:"campus-auth"`
	Audience         []string      `env:"AUDIENCE"        envSeparator:","`
	AccessTokenTTL   time.Duration `env:"ACCESS_TTL"      envDefault:"15m"`
	RefreshTokenTTL  time.Duration `env:"REFRESH_TTL"     envDefault:"168h"`
	ReuseGracePeriod time.Duration `env:"REUSE_GRACE"     envDefault:"30s"`
	BcryptCost       int           `env:"BCRYPT_COST"     envDefault:"12"`
	HashWorkers      int           `env:"HASH_WORKERS"    envDefault:"0"`
	HashTimeout      time.Duration `env:"HASH_TIMEOUT"    envDefault:"5s"`
	SignTimeout      time.Duration `env:"SIGN_TIMEOUT"    envDefault:"2s"`
	TokenLookup      string        `env:"TOKEN_LOOKUP"    envDefault:"header:Authorization"`
	AuthScheme       string        `env:"AUTH_SCHEME"     envDefault:"Bearer"`
	ContextKey       string        `env:"CONTEXT_KEY"     envDefault:"principal"`
	OpenRoles        []string      `env:"OPEN_ROLES"      envSeparator:"," envDefault:"student,teacher,parent"`
	PhoneRegion      string        `env:"PHONE_REGION"    envDefault:"FR"`
	MaxLoginAttempts int           `env:"MAX_LOGIN_ATTEMPTS" envDefault:"5"`
	LoginCooldown    time.Duration `env:"LOGIN_COOLDOWN"  envDefault:"15m"`
}

// DBConfig selects the SQL backend.
type DBConfig struct {
	Driver string `env:"DRIVER" envDefault:"sqlite"`
	DSN    string `env:"DSN"    envDefault:"file:campus-auth.db?cache=shared"`
}

// RedisConfig is only used when SESSION_STORE=redis.
type RedisConfig struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
	Prefix   string `env:"PREFIX"   envDefault:"auth:"`
}

// HTTPConfig configures the fiber server.
type HTTPConfig struct {
	Addr            string        `env:"ADDR"             envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT"     envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"    envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Config is the application configuration. It implements auth.Config.
type Config struct {
	Debug        bool        `env:"DEBUG"         envDefault:"false"`
	SessionStore string      `env:"SESSION_STORE" envDefault:"sql"`
	Auth         AuthConfig  `envPrefix:"AUTH_"`
	DB           DBConfig    `envPrefix:"DB_"`
	Redis        RedisConfig `envPrefix:"REDIS_"`
	HTTP         HTTPConfig  `envPrefix:"HTTP_"`
}

var _ auth.Config = (*Config)(nil)

// Load reads an optional .env file and parses the environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Sanitize normalizes values loaded from the environment.
func (c *Config) Sanitize() {
	c.SessionStore = strings.ToLower(strings.TrimSpace(c.SessionStore))
	if c.SessionStore == "" {
		c.SessionStore = SessionStoreSQL
	}

	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.Auth.Audience = compact(c.Auth.Audience)
	c.Auth.PreviousKeys = compact(c.Auth.PreviousKeys)
	c.Auth.OpenRoles = compact(c.Auth.OpenRoles)

	if c.Auth.HashWorkers < 0 {
		c.Auth.HashWorkers = 0
	}
}

// Validate rejects configurations the service can not start with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Auth.SigningKey) < auth.MinSigningKeyLength {
		errs = append(errs, fmt.Errorf("AUTH_SIGNING_KEY must be at least %d bytes", auth.MinSigningKeyLength))
	}

	for _, key := range c.Auth.PreviousKeys {
		if len(key) < auth.MinSigningKeyLength {
			errs = append(errs, fmt.Errorf("AUTH_PREVIOUS_SIGNING_KEYS entries must be at least %d bytes", auth.MinSigningKeyLength))
			break
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("AUTH_ACCESS_TTL must be positive"))
	}

	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("AUTH_REFRESH_TTL must be longer than AUTH_ACCESS_TTL"))
	}

	if c.Auth.ReuseGracePeriod < 0 {
		errs = append(errs, errors.New("AUTH_REUSE_GRACE can not be negative"))
	}

	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("AUTH_BCRYPT_COST must be within [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost))
	}

	for _, role := range c.Auth.OpenRoles {
		if _, ok := auth.ParseRole(role); !ok {
			errs = append(errs, fmt.Errorf("AUTH_OPEN_ROLES has unknown role %q", role))
		}
	}

	switch c.SessionStore {
	case SessionStoreSQL, SessionStoreRedis:
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be %q or %q", SessionStoreSQL, SessionStoreRedis))
	}

	if c.DB.DSN == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}

	return errors.Join(errs...)
}

// UseRedis reports whether sessions live in redis.
func (c *Config) UseRedis() bool {
	return c.SessionStore == SessionStoreRedis
}

func (c *Config) GetSigningKey() string { return c.Auth.SigningKey }
func (c *Config) GetPreviousSigningKeys() []string { return c.Auth.PreviousKeys }
func (c *Config) GetContextKey() string { return c.Auth.ContextKey }
func (c *Config) GetAccessTokenTTL() time.Duration { return c.Auth.AccessTokenTTL }
func (c *Config) GetRefreshTokenTTL() time.Duration { return c.Auth.RefreshTokenTTL }
func (c *Config) GetReuseGracePeriod() time.Duration { return c.Auth.ReuseGracePeriod }
func (c *Config) GetBcryptCost() int { return c.Auth.BcryptCost }
func (c *Config) GetHashWorkers() int { return c.Auth.HashWorkers }
func (c *Config) GetHashTimeout() time.Duration { return c.Auth.HashTimeout }
func (c *Config) GetSignTimeout() time.Duration { return c.Auth.SignTimeout }
func (c *Config) GetTokenLookup() string { return c.Auth.TokenLookup }
func (c *Config) GetAuthScheme() string { return c.Auth.AuthScheme }
func (c *Config) GetIssuer() string { return c.Auth.Issuer }
func (c *Config) GetAudience() []string { return c.Auth.Audience }
func (c *Config) GetOpenRegistrationRoles() []string { return c.Auth.OpenRoles }

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
