package httpx

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/accounts/internal/domain"
	"github.com/splax/accounts/internal/service/auth"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	handler  http.Handler
	logger   *slog.Logger
	auth     auth.Service
	dbHealth func(context.Context) error

	registry       *prometheus.Registry
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	authOutcomes   *prometheus.CounterVec
}

const (
	healthCheckTimeout = 2 * time.Second
	requestIDHeader    = "X-Request-ID"
)

// NewRouter assembles routes with dependencies. allowedOrigins feeds the CORS
// policy; an empty list allows every origin.
func NewRouter(logger *slog.Logger, authSvc auth.Service, dbHealth func(context.Context) error, allowedOrigins []string) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		dbHealth: dbHealth,
	}
	r.initMetrics()
	r.register()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.handler = cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	})(r.mux)
	return r
}

// ServeHTTP delegates to the CORS-wrapped mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", r.metricsHandler())
	r.mux.HandleFunc("/api/signup", r.audit("/api/signup", r.handleSignup))
	r.mux.HandleFunc("/signup", r.audit("/signup", r.handleSignup))
	r.mux.HandleFunc("/api/login", r.audit("/api/login", r.handleLogin))
	r.mux.HandleFunc("/login", r.audit("/login", r.handleLogin))
	r.mux.HandleFunc("/api/github-login", r.audit("/api/github-login", r.handleGitHubLogin))
	r.mux.HandleFunc("/api/verify-token", r.audit("/api/verify-token", r.handleVerifyToken))
	r.mux.HandleFunc("/api/me", r.audit("/api/me", r.requireAuthMethod(http.MethodGet, r.handleMe)))
	r.mux.HandleFunc("/", r.audit("unmatched", r.handleNotFound))
}

type credentialsPayload struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// displayName prefers name and falls back to the full_name alias.
func (p credentialsPayload) displayName() string {
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return p.FullName
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentialsPayload
	if err := decodeJSON(w, req, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	session, err := r.auth.Signup(req.Context(), auth.SignupInput{
		Name:     payload.displayName(),
		Email:    payload.Email,
		Password: payload.Password,
	})
	if err != nil {
		r.recordAuthOutcome("signup", "rejected")
		r.writeAuthError(w, req, err)
		return
	}
	r.recordAuthOutcome("signup", "success")
	writeSession(w, http.StatusCreated, "User registered successfully", session)
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentialsPayload
	if err := decodeJSON(w, req, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	session, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		r.recordAuthOutcome("login", "rejected")
		r.writeAuthError(w, req, err)
		return
	}
	r.recordAuthOutcome("login", "success")
	writeSession(w, http.StatusOK, "Login successful", session)
}

func (r *Router) handleGitHubLogin(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		url, err := r.auth.GitHubAuthorizeURL(req.Context())
		if err != nil {
			r.writeAuthError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	case http.MethodPost:
		if !r.auth.GitHubEnabled() {
			r.writeAuthError(w, req, auth.ErrOAuthUnavailable)
			return
		}
		var payload struct {
			Code  string `json:"code"`
			State string `json:"state"`
		}
		if err := decodeJSON(w, req, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		session, err := r.auth.GitHubLogin(req.Context(), payload.Code, payload.State)
		if err != nil {
			r.recordAuthOutcome("github", "rejected")
			r.writeAuthError(w, req, err)
			return
		}
		r.recordAuthOutcome("github", "success")
		writeSession(w, http.StatusOK, "GitHub login successful", session)
	default:
		r.methodNotAllowed(w)
	}
}

// handleVerifyToken accepts the token in a JSON body or as a bearer header.
// Every rejection answers {"valid": false} so callers never learn why.
func (r *Router) handleVerifyToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, req, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusUnauthorized, map[string]bool{"valid": false})
		return
	}
	token := strings.TrimSpace(payload.Token)
	if token == "" {
		if bearer, err := bearerToken(req.Header.Get("Authorization")); err == nil {
			token = bearer
		}
	}
	user, err := r.auth.VerifyToken(req.Context(), token)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			r.logger.Error("token verification failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		r.recordAuthOutcome("verify", "rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]bool{"valid": false})
		return
	}
	r.recordAuthOutcome("verify", "success")
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"user":  userPayload(user),
	})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for profile route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": userPayload(info.User)})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			r.logger.Error("database health check failed", "error", err)
			components["database"] = map[string]any{"status": "down"}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	r.notFound(w)
}

// requireAuthMethod gates a bearer-protected route to a single method.
func (r *Router) requireAuthMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	protected := r.requireAuth(next)
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			r.methodNotAllowed(w)
			return
		}
		protected(w, req)
	}
}

// writeAuthError maps service errors onto status codes. Unknown errors are
// logged and hidden behind a generic message.
func (r *Router) writeAuthError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		writeError(w, http.StatusBadRequest, "Missing email or password")
	case errors.Is(err, auth.ErrMissingOAuthCode):
		writeError(w, http.StatusBadRequest, "Missing code or state")
	case errors.Is(err, auth.ErrPasswordTooLong):
		writeError(w, http.StatusBadRequest, "Password too long")
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "User already exists")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, auth.ErrOAuthUnavailable):
		writeError(w, http.StatusServiceUnavailable, "GitHub login is not configured")
	case errors.Is(err, auth.ErrOAuthFailed):
		writeError(w, http.StatusUnauthorized, "GitHub login failed")
	default:
		r.logger.Error("request failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeSession(w http.ResponseWriter, status int, message string, session auth.Session) {
	writeJSON(w, status, map[string]any{
		"message": message,
		"token":   session.Token,
		"user":    userPayload(session.User),
	})
}

func userPayload(user domain.User) map[string]any {
	return map[string]any{
		"id":    user.ID,
		"email": user.Email,
		"name":  user.Name,
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
