package domain

import (
	"strings"
	"time"
)

// User represents an account.
type User struct {
	ID           int64
	Email        string
	PasswordHash []byte
	Name         string
	CreatedAt    time.Time
}

// NormalizeEmail trims and lower-cases an email so lookups and the
// uniqueness constraint agree on one spelling.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DefaultName derives a display name from the email local part.
func DefaultName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
