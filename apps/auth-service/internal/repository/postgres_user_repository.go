package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/books-store/apps/auth-service/internal/domain"
	"github.com/prohmpiriya/books-store/pkg/database"
)

const userColumns = `id, user_name, email, phone, hashed_password, first_name, last_name, middle_name,
	role, is_active, is_seller, created_at, updated_at`

// PostgresUserRepository implements UserRepository using PostgreSQL
type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresUserRepository creates a new PostgresUserRepository
func NewPostgresUserRepository(pool *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

// Create creates a new user
func (r *PostgresUserRepository) Create(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.pool.Exec(ctx, query,
		user.ID,
		user.UserName,
		nullIfEmpty(user.Email),
		user.Phone,
		user.PasswordHash,
		user.FirstName,
		user.LastName,
		user.MiddleName,
		user.Role,
		user.IsActive,
		user.IsSeller,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return ErrUserAlreadyExists
	}
	return err
}

// GetByID retrieves a user by ID
func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetByIdentifier retrieves a user by email or phone
func (r *PostgresUserRepository) GetByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1 OR phone = $1 LIMIT 1`
	return scanUser(r.pool.QueryRow(ctx, query, identifier))
}

func (r *PostgresUserRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email)
}

func (r *PostgresUserRepository) ExistsByPhone(ctx context.Context, phone string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE phone = $1)`, phone)
}

func (r *PostgresUserRepository) ExistsByUserName(ctx context.Context, userName string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE user_name = $1)`, userName)
}

func (r *PostgresUserRepository) exists(ctx context.Context, query string, arg string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, query, arg).Scan(&exists)
	return exists, err
}

// SetActive updates the active flag; beforeCommit runs inside the transaction
func (r *PostgresUserRepository) SetActive(ctx context.Context, id string, active bool, beforeCommit func(ctx context.Context) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET is_active = $2, updated_at = $3 WHERE id = $1`,
			id, active, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("update is_active: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		if beforeCommit != nil {
			return beforeCommit(ctx)
		}
		return nil
	})
}

func scanUser(row pgx.Row) (*domain.User, error) {
	user := &domain.User{}
	var email *string
	err := row.Scan(
		&user.ID,
		&user.UserName,
		&email,
		&user.Phone,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&user.MiddleName,
		&user.Role,
		&user.IsActive,
		&user.IsSeller,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if email != nil {
		user.Email = *email
	}
	return user, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
