package storage

import (
	"errors"
	"fmt"
)

// UserError is an operation failure whose message is safe to send to the
// client verbatim. Everything else is an internal error and gets replaced
// with a generic message at the protocol boundary.
type UserError interface {
	error
	userVisible()
}

type userError struct {
	msg string
}

func (e *userError) Error() string { return e.msg }
func (e *userError) userVisible()  {}

// newUserError wraps msg as a client-visible failure.
func newUserError(msg string) error {
	return &userError{msg: msg}
}

var (
	// ErrTraversal is returned when a path escapes the user's storage root.
	ErrTraversal = newUserError("Invalid path traversal")

	// ErrNotFound is returned when the target of DELETE or READ_TEXT does
	// not exist.
	ErrNotFound = newUserError("Not found")

	// ErrFileNotFound is returned when the target of DOWNLOAD does not
	// exist or is not a regular file.
	ErrFileNotFound = newUserError("File not found")

	// ErrSourceNotFound is returned when the source of RENAME does not
	// exist.
	ErrSourceNotFound = newUserError("Source not found")

	// ErrNotUTF8 is returned when READ_TEXT hits a file that is not valid
	// UTF-8.
	ErrNotUTF8 = newUserError("File not utf-8 text")

	// ErrInvalidParams is returned for a malformed request, such as an
	// UPLOAD without a payload.
	ErrInvalidParams = newUserError("Invalid parameters")
)

// QuotaError is returned when a write would push the user over quota.
type QuotaError struct {
	UsedBytes  int64
	QuotaBytes int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("Quota exceeded: used %s / %s", humanSize(e.UsedBytes), humanSize(e.QuotaBytes))
}

func (e *QuotaError) userVisible() {}

// IsUserError reports whether err carries a client-safe message.
func IsUserError(err error) bool {
	var ue UserError
	return errors.As(err, &ue)
}

// humanSize renders a byte count with one decimal and a binary-stepped
// unit, e.g. "512.0 B", "1.5 MB".
func humanSize(n int64) string {
	v := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB", "TB"} {
		if v < 1024 {
			return fmt.Sprintf("%.1f %s", v, unit)
		}
		v /= 1024
	}
	return fmt.Sprintf("%.1f PB", v)
}
