// Package authpw verifies reviewer credentials against bcrypt password
// hashes stored in Postgres.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"atrium/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type userStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
}

type Service struct {
	users userStore
}

func NewService(users userStore) *Service {
	return &Service{users: users}
}

// VerifyPassword returns the user when the email and password match.
// Lookup misses and hash mismatches both map to ErrInvalidCredentials so
// callers cannot distinguish unknown accounts from wrong passwords.
func (s *Service) VerifyPassword(ctx context.Context, email, password string) (store.User, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// HashPassword produces a bcrypt hash for seeding and account tooling.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
