// Package sqlite implements the user store on SQLite through the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/splax/accounts/internal/domain"
	"github.com/splax/accounts/internal/repository"
)

const (
	userColumns   = `id, email, password, name, created_at`
	insertUser    = `INSERT INTO users (email, password, name, created_at) VALUES (?, ?, ?, ?) RETURNING id`
	selectByEmail = `SELECT ` + userColumns + ` FROM users WHERE email = ?`
	selectByID    = `SELECT ` + userColumns + ` FROM users WHERE id = ?`
)

// Store implements repository.UserRepository over SQLite.
type Store struct {
	db *sql.DB
}

var _ repository.UserRepository = (*Store)(nil)

// Open opens the SQLite database at path. Schema is managed by the migrate
// package, not here.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	memory := path == ":memory:"
	if !memory {
		path = filepath.Clean(path)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{db: db}, nil
}

// DB returns the raw handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateUser inserts a user and assigns its ID and CreatedAt.
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	if err := repository.ValidateNewUser(user); err != nil {
		return err
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert user: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, insertUser, user.Email, string(user.PasswordHash), user.Name, toMillis(createdAt)).Scan(&id)
	if err != nil {
		if isConstraintError(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("commit insert user: %w", err)
	}
	user.ID = id
	user.CreatedAt = fromMillis(toMillis(createdAt))
	return nil
}

// FindUserByEmail fetches a user by email.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.findOne(ctx, selectByEmail, email)
}

// FindUserByID fetches a user by identifier.
func (s *Store) FindUserByID(ctx context.Context, id int64) (domain.User, bool, error) {
	return s.findOne(ctx, selectByID, id)
}

func (s *Store) findOne(ctx context.Context, query string, arg any) (domain.User, bool, error) {
	var (
		u         domain.User
		hash      string
		name      sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &hash, &name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, fmt.Errorf("select user: %w", err)
	}
	u.PasswordHash = []byte(hash)
	u.Name = name.String
	u.CreatedAt = fromMillis(createdAt)
	return u, true, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlitedrv.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
