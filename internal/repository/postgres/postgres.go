package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/accounts/internal/domain"
	"github.com/splax/accounts/internal/repository"
)

const uniqueViolation = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.UserRepository = (*Repository)(nil)

// CreateUser inserts a user and assigns its ID and CreatedAt.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	if err := repository.ValidateNewUser(user); err != nil {
		return err
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin insert user: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO users (email, password, name, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	var (
		id      int64
		created time.Time
	)
	if err := tx.QueryRow(ctx, query, user.Email, string(user.PasswordHash), user.Name, createdAt.UTC()).Scan(&id, &created); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("commit insert user: %w", err)
	}
	user.ID = id
	user.CreatedAt = created.UTC()
	return nil
}

// FindUserByEmail fetches a user by email.
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	const query = `SELECT id, email, password, name, created_at FROM users WHERE email = $1`
	return r.findOne(ctx, query, email)
}

// FindUserByID retrieves a user by identifier.
func (r *Repository) FindUserByID(ctx context.Context, id int64) (domain.User, bool, error) {
	const query = `SELECT id, email, password, name, created_at FROM users WHERE id = $1`
	return r.findOne(ctx, query, id)
}

func (r *Repository) findOne(ctx context.Context, query string, arg any) (domain.User, bool, error) {
	var (
		u    domain.User
		hash string
		name *string
	)
	if err := r.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &hash, &name, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, fmt.Errorf("select user: %w", err)
	}
	u.PasswordHash = []byte(hash)
	if name != nil {
		u.Name = *name
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
