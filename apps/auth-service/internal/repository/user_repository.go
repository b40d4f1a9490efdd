package repository

import (
	"context"
	"errors"

	"github.com/prohmpiriya/books-store/apps/auth-service/internal/domain"
)

var (
	// ErrUserAlreadyExists is returned when a unique column collides
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrUserNotFound is returned by writes addressed to a missing user
	ErrUserNotFound = errors.New("user not found")
)

// UserRepository defines the interface for user data access.
// Lookups return nil, nil when nothing matches.
type UserRepository interface {
	// Create creates a new user
	Create(ctx context.Context, user *domain.User) error
	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByIdentifier retrieves a user by email or phone
	GetByIdentifier(ctx context.Context, identifier string) (*domain.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	ExistsByPhone(ctx context.Context, phone string) (bool, error)
	ExistsByUserName(ctx context.Context, userName string) (bool, error)
	// SetActive updates is_active inside a transaction and runs beforeCommit
	// after the update. An error from beforeCommit rolls the change back.
	SetActive(ctx context.Context, id string, active bool, beforeCommit func(ctx context.Context) error) error
}
