package repository

import "errors"

var (
	// ErrConflict indicates a uniqueness constraint rejected the write.
	ErrConflict = errors.New("repository: conflict")
	// ErrInvalidArgument indicates a record failed basic checks before reaching storage.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)
