// Package database opens the configured user store together with the
// database/sql handle the migration runner needs.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/splax/accounts/internal/repository"
	"github.com/splax/accounts/internal/repository/postgres"
	"github.com/splax/accounts/internal/repository/sqlite"
	"github.com/splax/accounts/pkg/config"
)

const connectTimeout = 10 * time.Second

// Handle bundles the store with its lifecycle hooks.
type Handle struct {
	Driver string
	Users  repository.UserRepository
	// SQL is the handle goose migrates through.
	SQL *sql.DB

	ping  func(context.Context) error
	close func() error
}

// Open connects to driver at url. The caller owns the returned Handle.
func Open(ctx context.Context, driver, url string, log *slog.Logger) (*Handle, error) {
	switch driver {
	case config.DriverSQLite:
		store, err := sqlite.Open(url)
		if err != nil {
			return nil, err
		}
		log.Info("database opened", "driver", driver, "path", url)
		return &Handle{
			Driver: driver,
			Users:  store,
			SQL:    store.DB(),
			ping:   store.Ping,
			close:  store.Close,
		}, nil
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		pool, err := pgxpool.New(connectCtx, url)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(connectCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		db := stdlib.OpenDBFromPool(pool)
		log.Info("database opened", "driver", driver)
		return &Handle{
			Driver: driver,
			Users:  postgres.New(pool),
			SQL:    db,
			ping:   pool.Ping,
			close: func() error {
				err := db.Close()
				pool.Close()
				return err
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Ping checks connectivity; it backs the health endpoint.
func (h *Handle) Ping(ctx context.Context) error {
	if h == nil || h.ping == nil {
		return errors.New("database not open")
	}
	return h.ping(ctx)
}

// Close releases the underlying connections.
func (h *Handle) Close() error {
	if h == nil || h.close == nil {
		return nil
	}
	return h.close()
}
