package store

import "errors"

// StoreError represents a domain error from store operations.
//
// These are business logic errors (user not found, duplicate username, etc.)
// as opposed to infrastructure errors (disk failure, corrupt database).
// The server translates StoreError codes to wire-level error strings.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Key is the record key related to the error (username, owner/path, ...)
	Key string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return e.Message + ": " + e.Key
	}
	return e.Message
}

// ErrorCode represents the category of a store error.
type ErrorCode int

const (
	// ErrNotFound indicates the requested record doesn't exist
	ErrNotFound ErrorCode = iota

	// ErrAlreadyExists indicates a record with the same key already exists
	ErrAlreadyExists

	// ErrInvalidArgument indicates invalid parameters were provided
	// Examples: empty username, empty path
	ErrInvalidArgument

	// ErrIOError indicates the backing database failed
	ErrIOError
)

// IsNotFound reports whether err is a StoreError with code ErrNotFound.
func IsNotFound(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == ErrNotFound
}

// IsAlreadyExists reports whether err is a StoreError with code ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == ErrAlreadyExists
}
