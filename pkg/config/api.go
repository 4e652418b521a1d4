package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DevelopmentSecret signs tokens when SECRET_KEY is unset outside production.
const DevelopmentSecret = "dev_secret_key"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string        `env:"APP_ENV" envDefault:"development"`
	Addr               string        `env:"API_ADDR" envDefault:":5000"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseDriver     string        `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL        string        `env:"DATABASE_URL" envDefault:"accounts.db"`
	JWTSecret          string        `env:"SECRET_KEY"`
	TokenTTL           time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	GitHub             GitHubConfig
	OAuthState         OAuthStateConfig
}

// GitHubConfig configures the GitHub authorization-code flow.
type GitHubConfig struct {
	ClientID     string   `env:"GITHUB_CLIENT_ID"`
	ClientSecret string   `env:"GITHUB_CLIENT_SECRET"`
	RedirectURL  string   `env:"GITHUB_REDIRECT_URL"`
	Scopes       []string `env:"GITHUB_SCOPES" envDefault:"read:user,user:email" envSeparator:","`
}

// Enabled reports whether client credentials are present.
func (g GitHubConfig) Enabled() bool {
	return strings.TrimSpace(g.ClientID) != "" && strings.TrimSpace(g.ClientSecret) != ""
}

// OAuthStateConfig selects where OAuth state values live.
type OAuthStateConfig struct {
	TTL           time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`
	RedisAddr     string        `env:"OAUTH_STATE_REDIS_ADDR"`
	RedisPassword string        `env:"OAUTH_STATE_REDIS_PASSWORD"`
	RedisDB       int           `env:"OAUTH_STATE_REDIS_DB" envDefault:"0"`
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() (APIConfig, error) {
	var cfg APIConfig
	if err := Parse(&cfg); err != nil {
		return APIConfig{}, err
	}
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	return cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c APIConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// UsesDevelopmentSecret reports whether tokens fall back to DevelopmentSecret.
func (c APIConfig) UsesDevelopmentSecret() bool {
	return strings.TrimSpace(c.JWTSecret) == ""
}

// SigningSecret returns the configured secret or the development fallback.
func (c APIConfig) SigningSecret() string {
	if c.UsesDevelopmentSecret() {
		return DevelopmentSecret
	}
	return c.JWTSecret
}

// Validate rejects configurations the service cannot run with.
func (c APIConfig) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.IsProduction() && c.UsesDevelopmentSecret() {
		errs = append(errs, errors.New("SECRET_KEY is required in production"))
	}
	if c.GitHub.Enabled() && strings.TrimSpace(c.GitHub.RedirectURL) == "" {
		errs = append(errs, errors.New("GITHUB_REDIRECT_URL is required when GitHub login is enabled"))
	}
	if c.OAuthState.TTL <= 0 {
		errs = append(errs, errors.New("OAUTH_STATE_TTL must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LOG_LEVEL onto a slog.Level, defaulting to info.
func (c APIConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}
