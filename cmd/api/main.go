package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/splax/accounts/internal/app/database"
	"github.com/splax/accounts/internal/app/migrate"
	httpx "github.com/splax/accounts/internal/http"
	"github.com/splax/accounts/internal/service/auth"
	"github.com/splax/accounts/internal/service/oauth"
	"github.com/splax/accounts/pkg/config"
	"github.com/splax/accounts/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile, envErr := config.LoadDotenv()
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		logger.New("api", slog.LevelInfo).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("api", cfg.SlogLevel())
	if envErr != nil {
		log.Warn("failed to read .env file", "error", envErr)
	} else if envFile != "" {
		log.Info("loaded environment file", "path", envFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api server failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// run owns every resource it opens, so its deferred closes always execute
// before main decides the exit code.
func run(ctx context.Context, cfg config.APIConfig, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.UsesDevelopmentSecret() {
		log.Warn("SECRET_KEY not set, signing tokens with the insecure development secret")
	}

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	runner, err := migrate.New(db.SQL, db.Driver, log)
	if err != nil {
		return fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ping(ctx); err != nil {
		return err
	}
	if err := runner.Ensure(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	var github auth.IdentityProvider
	if cfg.GitHub.Enabled() {
		states := newStateStore(cfg.OAuthState, log)
		defer states.Close()
		provider, err := oauth.NewGitHub(oauth.GitHubConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURL:  cfg.GitHub.RedirectURL,
			Scopes:       cfg.GitHub.Scopes,
			StateTTL:     cfg.OAuthState.TTL,
		}, states)
		if err != nil {
			return fmt.Errorf("configure github login: %w", err)
		}
		github = provider
		log.Info("github login enabled", "redirect_url", cfg.GitHub.RedirectURL)
	} else {
		log.Info("github login disabled")
	}

	authSvc := auth.New(db.Users, github, log, cfg)
	router := httpx.NewRouter(log, authSvc, db.Ping, cfg.CORSAllowedOrigins)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "driver", db.Driver, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// newStateStore prefers Redis so several replicas share OAuth state, and
// falls back to process memory when Redis is unset or unreachable.
func newStateStore(cfg config.OAuthStateConfig, log *slog.Logger) oauth.StateStore {
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		store, err := oauth.NewRedisStateStore(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err == nil {
			log.Info("oauth state stored in redis", "addr", addr)
			return store
		}
		log.Warn("redis state store unavailable, using memory", "error", err)
	}
	return oauth.NewMemoryStateStore()
}
