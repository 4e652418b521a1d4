package repository

import (
	"context"

	"github.com/splax/accounts/internal/domain"
)

// UserRepository persists users. Lookups report absence through the boolean
// result, never through an error.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	FindUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	FindUserByID(ctx context.Context, id int64) (domain.User, bool, error)
}

// ValidateNewUser checks the fields every store requires before insert.
func ValidateNewUser(user *domain.User) error {
	if user == nil || user.Email == "" || len(user.PasswordHash) == 0 {
		return ErrInvalidArgument
	}
	return nil
}
