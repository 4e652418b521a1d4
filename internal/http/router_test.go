package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/splax/accounts/internal/app/migrate"
	"github.com/splax/accounts/internal/repository/sqlite"
	"github.com/splax/accounts/internal/service/auth"
	"github.com/splax/accounts/internal/service/oauth"
	"github.com/splax/accounts/pkg/config"
)

func newTestRouter(t *testing.T, github auth.IdentityProvider) *Router {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner, err := migrate.New(store.DB(), config.DriverSQLite, logger)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := runner.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	cfg := config.APIConfig{JWTSecret: "router-test-secret", TokenTTL: 24 * time.Hour}
	authSvc := auth.New(store, github, logger, cfg)
	return NewRouter(logger, authSvc, store.Ping, nil)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestSignupLoginVerifyScenario(t *testing.T) {
	router := newTestRouter(t, nil)
	creds := map[string]string{"email": "a@b.com", "password": "secret123"}

	rec, body := doJSON(t, router, http.MethodPost, "/api/signup", creds, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d (%v)", rec.Code, body)
	}
	if body["message"] != "User registered successfully" {
		t.Fatalf("unexpected signup message %v", body["message"])
	}
	if tok, _ := body["token"].(string); tok == "" {
		t.Fatalf("signup response missing token")
	}
	user, _ := body["user"].(map[string]any)
	if user["email"] != "a@b.com" || user["name"] != "a" || user["id"] == nil {
		t.Fatalf("unexpected user payload %v", user)
	}

	rec, body = doJSON(t, router, http.MethodPost, "/signup", creds, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signup: expected 409, got %d", rec.Code)
	}
	if body["message"] != "User already exists" {
		t.Fatalf("unexpected conflict message %v", body["message"])
	}

	rec, body = doJSON(t, router, http.MethodPost, "/api/login", creds, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d (%v)", rec.Code, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("login response missing token")
	}

	rec, body = doJSON(t, router, http.MethodPost, "/login", map[string]string{"email": "a@b.com", "password": "nope"}, nil)
	if rec.Code != http.StatusUnauthorized || body["message"] != "Invalid email or password" {
		t.Fatalf("wrong password: got %d %v", rec.Code, body)
	}
	if _, ok := body["token"]; ok {
		t.Fatalf("failed login must not carry a token")
	}

	rec, body = doJSON(t, router, http.MethodPost, "/api/verify-token", map[string]string{"token": token}, nil)
	if rec.Code != http.StatusOK || body["valid"] != true {
		t.Fatalf("verify: got %d %v", rec.Code, body)
	}
	verified, _ := body["user"].(map[string]any)
	if verified["email"] != "a@b.com" {
		t.Fatalf("verify returned wrong user %v", verified)
	}

	rec, body = doJSON(t, router, http.MethodPost, "/api/verify-token", nil, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK || body["valid"] != true {
		t.Fatalf("verify via header: got %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, router, http.MethodPost, "/api/verify-token", map[string]string{"token": "garbage"}, nil)
	if rec.Code != http.StatusUnauthorized || body["valid"] != false {
		t.Fatalf("garbage token: got %d %v", rec.Code, body)
	}
	if _, ok := body["user"]; ok {
		t.Fatalf("invalid token response must not include a user")
	}

	rec, body = doJSON(t, router, http.MethodGet, "/api/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rec.Code)
	}
	me, _ := body["user"].(map[string]any)
	if me["email"] != "a@b.com" {
		t.Fatalf("me returned %v", me)
	}
}

func TestSignupValidationErrors(t *testing.T) {
	router := newTestRouter(t, nil)
	cases := []struct {
		name   string
		body   any
		status int
	}{
		{"missing password", map[string]string{"email": "a@b.com"}, http.StatusBadRequest},
		{"missing email", map[string]string{"password": "pw"}, http.StatusBadRequest},
		{"invalid json", "{not json", http.StatusBadRequest},
		{"empty body", nil, http.StatusBadRequest},
		{"password too long", map[string]string{"email": "a@b.com", "password": strings.Repeat("p", 100)}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := doJSON(t, router, http.MethodPost, "/api/signup", tc.body, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%v)", tc.status, rec.Code, body)
			}
			if msg, _ := body["message"].(string); msg == "" {
				t.Fatalf("expected a message, got %v", body)
			}
		})
	}
}

func TestSignupAcceptsFullNameAlias(t *testing.T) {
	router := newTestRouter(t, nil)
	rec, body := doJSON(t, router, http.MethodPost, "/signup", map[string]string{
		"full_name": "Ada Lovelace",
		"email":     "ada@b.com",
		"password":  "secret123",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", rec.Code, body)
	}
	user, _ := body["user"].(map[string]any)
	if user["name"] != "Ada Lovelace" {
		t.Fatalf("expected full_name to become the display name, got %v", user["name"])
	}

	rec, body = doJSON(t, router, http.MethodPost, "/api/signup", map[string]string{
		"name":      "Grace",
		"full_name": "Grace Hopper",
		"email":     "grace@b.com",
		"password":  "secret123",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", rec.Code, body)
	}
	user, _ = body["user"].(map[string]any)
	if user["name"] != "Grace" {
		t.Fatalf("expected name to win over full_name, got %v", user["name"])
	}
}

func TestLoginMissingFields(t *testing.T) {
	router := newTestRouter(t, nil)
	rec, body := doJSON(t, router, http.MethodPost, "/api/login", map[string]string{"email": "a@b.com"}, nil)
	if rec.Code != http.StatusBadRequest || body["message"] != "Missing email or password" {
		t.Fatalf("got %d %v", rec.Code, body)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	router := newTestRouter(t, nil)
	huge := `{"email":"a@b.com","password":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	rec, _ := doJSON(t, router, http.MethodPost, "/api/signup", huge, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router := newTestRouter(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/signup"},
		{http.MethodGet, "/login"},
		{http.MethodGet, "/api/verify-token"},
		{http.MethodDelete, "/api/github-login"},
		{http.MethodPost, "/api/me"},
		{http.MethodPost, "/healthz"},
	} {
		rec, body := doJSON(t, router, tc.method, tc.path, nil, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
		if body["message"] != "method not allowed" {
			t.Fatalf("%s %s: unexpected body %v", tc.method, tc.path, body)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	router := newTestRouter(t, nil)
	rec, body := doJSON(t, router, http.MethodGet, "/nope", nil, nil)
	if rec.Code != http.StatusNotFound || body["message"] != "not found" {
		t.Fatalf("got %d %v", rec.Code, body)
	}
}

func TestMeRequiresBearer(t *testing.T) {
	router := newTestRouter(t, nil)
	for _, header := range []string{"", "Token abc", "Bearer garbage"} {
		headers := map[string]string{}
		if header != "" {
			headers["Authorization"] = header
		}
		rec, body := doJSON(t, router, http.MethodGet, "/api/me", nil, headers)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
		if _, ok := body["message"]; !ok {
			t.Fatalf("header %q: expected message, got %v", header, body)
		}
	}
}

func TestRequestIDEchoedOrGenerated(t *testing.T) {
	router := newTestRouter(t, nil)
	rec, _ := doJSON(t, router, http.MethodGet, "/healthz", nil, map[string]string{requestIDHeader: "req-123"})
	if got := rec.Header().Get(requestIDHeader); got != "req-123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
	rec, _ = doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	if got := rec.Header().Get(requestIDHeader); len(got) != 36 {
		t.Fatalf("expected generated uuid request id, got %q", got)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, nil)
	rec, body := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("got %d %v", rec.Code, body)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	down := NewRouter(logger, auth.Service{}, func(context.Context) error { return errors.New("db down") }, nil)
	rec, body = doJSON(t, down, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("degraded: got %d %v", rec.Code, body)
	}
	components, _ := body["components"].(map[string]any)
	database, _ := components["database"].(map[string]any)
	if database["status"] != "down" {
		t.Fatalf("expected database down, got %v", components)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)
	doJSON(t, router, http.MethodPost, "/api/login", map[string]string{"email": "x@y.com", "password": "pw"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		`accounts_api_http_requests_total{method="POST",route="/api/login",status="401"} 1`,
		`accounts_auth_attempts_total{flow="login",outcome="rejected"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard CORS origin, got %q", got)
	}
}

func TestGitHubLoginUnconfigured(t *testing.T) {
	router := newTestRouter(t, nil)
	rec, body := doJSON(t, router, http.MethodGet, "/api/github-login", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET: expected 503, got %d %v", rec.Code, body)
	}
	rec, body = doJSON(t, router, http.MethodPost, "/api/github-login", map[string]string{"code": "c", "state": "s"}, nil)
	if rec.Code != http.StatusServiceUnavailable || body["message"] != "GitHub login is not configured" {
		t.Fatalf("POST: got %d %v", rec.Code, body)
	}
}

func TestGitHubLoginFlow(t *testing.T) {
	provider := &fakeProvider{
		url: "https://github.com/login/oauth/authorize?state=abc",
		profiles: map[string]oauth.Profile{
			"good-code": {Provider: "github", ProviderUserID: "1", Name: "Octo Cat", Email: "octo@example.com"},
		},
	}
	router := newTestRouter(t, provider)

	rec, body := doJSON(t, router, http.MethodGet, "/api/github-login", nil, nil)
	if rec.Code != http.StatusOK || body["url"] != provider.url {
		t.Fatalf("authorize url: got %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, router, http.MethodPost, "/api/github-login", map[string]string{"code": "good-code", "state": "abc"}, nil)
	if rec.Code != http.StatusOK || body["message"] != "GitHub login successful" {
		t.Fatalf("login: got %d %v", rec.Code, body)
	}
	user, _ := body["user"].(map[string]any)
	if user["email"] != "octo@example.com" || user["name"] != "Octo Cat" {
		t.Fatalf("unexpected user %v", user)
	}
	token, _ := body["token"].(string)
	rec, body = doJSON(t, router, http.MethodPost, "/api/verify-token", map[string]string{"token": token}, nil)
	if rec.Code != http.StatusOK || body["valid"] != true {
		t.Fatalf("github token should verify, got %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, router, http.MethodPost, "/api/github-login", map[string]string{"code": "bad-code", "state": "abc"}, nil)
	if rec.Code != http.StatusUnauthorized || body["message"] != "GitHub login failed" {
		t.Fatalf("bad code: got %d %v", rec.Code, body)
	}

	for _, payload := range []map[string]string{
		{"code": "good-code"},
		{"state": "abc"},
		{"code": " ", "state": "abc"},
	} {
		rec, body = doJSON(t, router, http.MethodPost, "/api/github-login", payload, nil)
		if rec.Code != http.StatusBadRequest || body["message"] != "Missing code or state" {
			t.Fatalf("payload %v: got %d %v", payload, rec.Code, body)
		}
	}
}

type fakeProvider struct {
	url      string
	profiles map[string]oauth.Profile
}

func (f *fakeProvider) AuthorizeURL(context.Context) (string, error) {
	return f.url, nil
}

func (f *fakeProvider) Authenticate(_ context.Context, code, _ string) (oauth.Profile, error) {
	profile, ok := f.profiles[code]
	if !ok {
		return oauth.Profile{}, oauth.ErrExchangeFailed
	}
	return profile, nil
}
