package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const defaultGitHubAPI = "https://api.github.com"

var (
	ErrInvalidState    = errors.New("oauth: invalid or expired state")
	ErrExchangeFailed  = errors.New("oauth: code exchange failed")
	ErrProfileFailed   = errors.New("oauth: profile lookup failed")
	ErrNoVerifiedEmail = errors.New("oauth: no verified email on account")
)

// Profile is the identity an OAuth provider vouches for.
type Profile struct {
	Provider       string
	ProviderUserID string
	Login          string
	Name           string
	Email          string
}

// GitHubConfig configures the GitHub provider. Endpoint and APIBaseURL
// default to github.com.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	StateTTL     time.Duration
	Endpoint     oauth2.Endpoint
	APIBaseURL   string
	HTTPClient   *http.Client
}

// GitHub runs the authorization-code flow against GitHub.
type GitHub struct {
	oauth      *oauth2.Config
	apiBase    string
	states     StateStore
	stateTTL   time.Duration
	httpClient *http.Client
}

// NewGitHub constructs a GitHub provider.
func NewGitHub(cfg GitHubConfig, states StateStore) (*GitHub, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("github client credentials are required")
	}
	if states == nil {
		return nil, errors.New("state store is required")
	}
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = github.Endpoint
	}
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if apiBase == "" {
		apiBase = defaultGitHubAPI
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}
	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &GitHub{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		apiBase:    apiBase,
		states:     states,
		stateTTL:   ttl,
		httpClient: cfg.HTTPClient,
	}, nil
}

// AuthorizeURL issues a fresh state and returns the GitHub consent URL.
func (g *GitHub) AuthorizeURL(ctx context.Context) (string, error) {
	state, err := NewState()
	if err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	if err := g.states.Save(ctx, state, g.stateTTL); err != nil {
		return "", err
	}
	return g.oauth.AuthCodeURL(state), nil
}

// Authenticate consumes state, exchanges code for an access token and
// resolves the GitHub profile.
func (g *GitHub) Authenticate(ctx context.Context, code, state string) (Profile, error) {
	ok, err := g.states.Consume(ctx, state)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		return Profile{}, ErrInvalidState
	}
	if g.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	}
	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	client := g.oauth.Client(ctx, token)

	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := g.getJSON(ctx, client, "/user", &user); err != nil {
		return Profile{}, err
	}
	if user.ID == 0 {
		return Profile{}, fmt.Errorf("%w: missing user id", ErrProfileFailed)
	}
	email := strings.TrimSpace(user.Email)
	if email == "" {
		email, err = g.primaryEmail(ctx, client)
		if err != nil {
			return Profile{}, err
		}
	}
	name := strings.TrimSpace(user.Name)
	if name == "" {
		name = user.Login
	}
	return Profile{
		Provider:       "github",
		ProviderUserID: strconv.FormatInt(user.ID, 10),
		Login:          user.Login,
		Name:           name,
		Email:          email,
	}, nil
}

func (g *GitHub) primaryEmail(ctx context.Context, client *http.Client) (string, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := g.getJSON(ctx, client, "/user/emails", &emails); err != nil {
		return "", err
	}
	fallback := ""
	for _, e := range emails {
		if !e.Verified {
			continue
		}
		if e.Primary {
			return e.Email, nil
		}
		if fallback == "" {
			fallback = e.Email
		}
	}
	if fallback == "" {
		return "", ErrNoVerifiedEmail
	}
	return fallback, nil
}

func (g *GitHub) getJSON(ctx context.Context, client *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProfileFailed, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProfileFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %s", ErrProfileFailed, path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProfileFailed, path, err)
	}
	return nil
}
