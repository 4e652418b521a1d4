package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/accounts/internal/app/migrate"
	"github.com/splax/accounts/internal/domain"
	"github.com/splax/accounts/internal/repository"
	"github.com/splax/accounts/pkg/logger"
)

func setupRepository(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("ACCOUNTS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ACCOUNTS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	db := stdlib.OpenDBFromPool(pool)
	t.Cleanup(func() { _ = db.Close() })
	runner, err := migrate.New(db, "postgres", logger.Discard())
	require.NoError(t, err)
	require.NoError(t, runner.Ensure(ctx))
	return New(pool), pool
}

func uniqueEmail() string {
	return "pg-" + uuid.NewString() + "@example.com"
}

func cleanupEmail(t *testing.T, pool *pgxpool.Pool, email string) {
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM users WHERE email = $1`, email)
	})
}

func TestRepository_CreateAndFind(t *testing.T) {
	repo, pool := setupRepository(t)
	ctx := context.Background()
	email := uniqueEmail()
	cleanupEmail(t, pool, email)

	user := &domain.User{Email: email, PasswordHash: []byte("hash"), Name: "pg", CreatedAt: time.Now()}
	require.NoError(t, repo.CreateUser(ctx, user))
	assert.NotZero(t, user.ID)

	byEmail, found, err := repo.FindUserByEmail(ctx, email)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, user.ID, byEmail.ID)
	assert.Equal(t, "pg", byEmail.Name)
	assert.Equal(t, []byte("hash"), byEmail.PasswordHash)

	byID, found, err := repo.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, email, byID.Email)
}

func TestRepository_DuplicateEmailConflicts(t *testing.T) {
	repo, pool := setupRepository(t)
	ctx := context.Background()
	email := uniqueEmail()
	cleanupEmail(t, pool, email)

	require.NoError(t, repo.CreateUser(ctx, &domain.User{Email: email, PasswordHash: []byte("one")}))
	err := repo.CreateUser(ctx, &domain.User{Email: email, PasswordHash: []byte("two")})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestRepository_FindMissing(t *testing.T) {
	repo, _ := setupRepository(t)
	_, found, err := repo.FindUserByEmail(context.Background(), uniqueEmail())
	require.NoError(t, err)
	assert.False(t, found)
}
