package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/accounts/internal/domain"
	"github.com/splax/accounts/internal/repository"
	"github.com/splax/accounts/internal/service/oauth"
	"github.com/splax/accounts/pkg/config"
	"github.com/splax/accounts/pkg/crypto"
	jwtpkg "github.com/splax/accounts/pkg/jwt"
)

var (
	ErrMissingCredentials = errors.New("auth: missing email or password")
	ErrMissingOAuthCode   = errors.New("auth: missing oauth code or state")
	ErrPasswordTooLong    = errors.New("auth: password too long")
	ErrUserExists         = errors.New("auth: user already exists")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrOAuthUnavailable   = errors.New("auth: oauth login not configured")
	ErrOAuthFailed        = errors.New("auth: oauth login failed")
)

// dummyHash keeps login timing similar for unknown emails.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z1jT9ZQwYVu5zC0U0T8NN7kW")

// IdentityProvider completes an external login and returns the verified profile.
type IdentityProvider interface {
	AuthorizeURL(ctx context.Context) (string, error)
	Authenticate(ctx context.Context, code, state string) (oauth.Profile, error)
}

// Service handles authentication workflows.
type Service struct {
	users    repository.UserRepository
	github   IdentityProvider
	logger   *slog.Logger
	secret   string
	tokenTTL time.Duration
	now      func() time.Time
}

// New constructs a Service. github may be nil when GitHub login is disabled.
func New(users repository.UserRepository, github IdentityProvider, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{
		users:    users,
		github:   github,
		logger:   logger,
		secret:   cfg.SigningSecret(),
		tokenTTL: cfg.TokenTTL,
		now:      time.Now,
	}
}

// WithClock returns a copy of s reading time from now.
func (s Service) WithClock(now func() time.Time) Service {
	s.now = now
	return s
}

// SignupInput carries the sign-up form.
type SignupInput struct {
	Name     string
	Email    string
	Password string
}

// Session is the outcome of a successful login of any kind.
type Session struct {
	User  domain.User
	Token string
}

// Signup registers a new user and returns a token for it.
func (s Service) Signup(ctx context.Context, in SignupInput) (Session, error) {
	email := domain.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return Session{}, ErrMissingCredentials
	}
	_, found, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return Session{}, fmt.Errorf("lookup user: %w", err)
	}
	if found {
		return Session{}, ErrUserExists
	}
	hash, err := crypto.HashPassword(in.Password)
	if err != nil {
		if errors.Is(err, crypto.ErrPasswordTooLong) {
			return Session{}, ErrPasswordTooLong
		}
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = domain.DefaultName(email)
	}
	user := &domain.User{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return Session{}, ErrUserExists
		}
		return Session{}, fmt.Errorf("create user: %w", err)
	}
	session, err := s.issue(*user)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return session, nil
}

// Login authenticates a user by email and password.
func (s Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, ErrMissingCredentials
	}
	user, found, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return Session{}, fmt.Errorf("lookup user: %w", err)
	}
	if !found {
		crypto.VerifyPassword(dummyHash, password)
		return Session{}, ErrInvalidCredentials
	}
	if !crypto.VerifyPassword(user.PasswordHash, password) {
		s.logger.Warn("login rejected", "user_id", user.ID)
		return Session{}, ErrInvalidCredentials
	}
	session, err := s.issue(user)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return session, nil
}

// VerifyToken validates a bearer token and returns the user it names.
// Every token problem collapses into ErrInvalidToken.
func (s Service) VerifyToken(ctx context.Context, token string) (domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return domain.User{}, ErrInvalidToken
	}
	userID, ok := jwtpkg.Verify(trimmed, s.secret, s.now())
	if !ok {
		return domain.User{}, ErrInvalidToken
	}
	user, found, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !found {
		return domain.User{}, ErrInvalidToken
	}
	return user, nil
}

// GitHubEnabled reports whether GitHub login is configured.
func (s Service) GitHubEnabled() bool {
	return s.github != nil
}

// GitHubAuthorizeURL starts a GitHub login.
func (s Service) GitHubAuthorizeURL(ctx context.Context) (string, error) {
	if s.github == nil {
		return "", ErrOAuthUnavailable
	}
	return s.github.AuthorizeURL(ctx)
}

// GitHubLogin completes a GitHub login, creating the account on first use.
func (s Service) GitHubLogin(ctx context.Context, code, state string) (Session, error) {
	if s.github == nil {
		return Session{}, ErrOAuthUnavailable
	}
	code, state = strings.TrimSpace(code), strings.TrimSpace(state)
	if code == "" || state == "" {
		return Session{}, ErrMissingOAuthCode
	}
	profile, err := s.github.Authenticate(ctx, code, state)
	if err != nil {
		if !isOAuthRejection(err) {
			return Session{}, fmt.Errorf("github login: %w", err)
		}
		s.logger.Warn("github login rejected", "error", err)
		return Session{}, fmt.Errorf("%w: %v", ErrOAuthFailed, err)
	}
	email := domain.NormalizeEmail(profile.Email)
	if email == "" {
		return Session{}, fmt.Errorf("%w: profile has no email", ErrOAuthFailed)
	}
	user, err := s.findOrCreateExternal(ctx, email, profile.Name)
	if err != nil {
		return Session{}, err
	}
	session, err := s.issue(user)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("github login", "user_id", user.ID, "github_id", profile.ProviderUserID)
	return session, nil
}

func (s Service) findOrCreateExternal(ctx context.Context, email, name string) (domain.User, error) {
	user, found, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if found {
		return user, nil
	}
	secret, err := crypto.RandomPassword(24)
	if err != nil {
		return domain.User{}, fmt.Errorf("generate password: %w", err)
	}
	hash, err := crypto.HashPassword(secret)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = domain.DefaultName(email)
	}
	created := &domain.User{Email: email, PasswordHash: hash, Name: name, CreatedAt: s.now().UTC()}
	if err := s.users.CreateUser(ctx, created); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return domain.User{}, fmt.Errorf("create user: %w", err)
		}
		// lost a race with a concurrent first login
		user, found, err = s.users.FindUserByEmail(ctx, email)
		if err != nil {
			return domain.User{}, fmt.Errorf("lookup user: %w", err)
		}
		if !found {
			return domain.User{}, fmt.Errorf("create user: %w", repository.ErrConflict)
		}
		return user, nil
	}
	s.logger.Info("user registered", "user_id", created.ID, "via", "github")
	return *created, nil
}

// isOAuthRejection separates provider refusals from infrastructure failures
// such as an unreachable state store.
func isOAuthRejection(err error) bool {
	return errors.Is(err, oauth.ErrInvalidState) ||
		errors.Is(err, oauth.ErrExchangeFailed) ||
		errors.Is(err, oauth.ErrProfileFailed) ||
		errors.Is(err, oauth.ErrNoVerifiedEmail)
}

func (s Service) issue(user domain.User) (Session, error) {
	token, err := jwtpkg.GenerateToken(user.ID, s.secret, s.tokenTTL, s.now())
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return Session{User: user, Token: token}, nil
}
