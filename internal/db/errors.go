package db

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a unique constraint would be violated.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a record or state transition is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrLimitExceeded is returned when a plan limit blocks the operation.
	ErrLimitExceeded = errors.New("plan limit exceeded")
)
