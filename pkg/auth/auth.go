// Package auth handles account registration and credential verification.
//
// Passwords are stored as bcrypt hashes. Verification fails closed: any
// error from the store or the hash comparison yields a generic credential
// failure so callers cannot distinguish "no such user" from "wrong
// password".
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/davrd/stashfs/pkg/store"
)

// ErrInvalidCredentials is returned for every failed verification,
// regardless of cause.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrUserExists is returned when registering a taken username.
var ErrUserExists = errors.New("user already exists")

const (
	maxUsernameLen = 64
	maxPasswordLen = 128
)

// Authenticator registers users and verifies credentials against the record
// store.
type Authenticator struct {
	store      store.Store
	bcryptCost int
}

// NewAuthenticator creates an authenticator. cost is the bcrypt work factor;
// values outside bcrypt's supported range fall back to the library default.
func NewAuthenticator(s store.Store, cost int) *Authenticator {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Authenticator{store: s, bcryptCost: cost}
}

// Register creates a new account with the default quota (0 in the record
// means "use the configured default").
func (a *Authenticator) Register(ctx context.Context, username, password string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}
	if len(password) > maxPasswordLen {
		return fmt.Errorf("password exceeds %d characters", maxPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	err = a.store.CreateUser(ctx, &store.User{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	})
	if store.IsAlreadyExists(err) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// Verify checks username/password and returns the user record on success.
// Every failure path returns ErrInvalidCredentials.
func (a *Authenticator) Verify(ctx context.Context, username, password string) (*store.User, error) {
	user, err := a.store.GetUser(ctx, username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// ValidateUsername enforces the account naming rules. Usernames become
// filesystem directory names and store key components, so the character set
// is restricted to ASCII letters, digits, dot, dash and underscore.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	if len(username) > maxUsernameLen {
		return fmt.Errorf("username exceeds %d characters", maxUsernameLen)
	}
	if username == "." || username == ".." {
		return fmt.Errorf("username %q is reserved", username)
	}
	if strings.HasPrefix(username, ".") {
		return fmt.Errorf("username must not start with a dot")
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return fmt.Errorf("username contains invalid character %q", r)
		}
	}
	return nil
}
