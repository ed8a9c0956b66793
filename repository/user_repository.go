package repository

import (
	"context"
	"errors"
	"fmt"

	"audioingest/apperr"
	"audioingest/model"

	"gorm.io/gorm"
)

// UserRepository defines the user lookups the ingestion service needs.
// Registration lives outside this service; Create exists for seeding and tests.
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
}

type gormUserRepository struct {
	db *gorm.DB
}

// NewGormUserRepository creates the GORM-backed UserRepository.
func NewGormUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

func (r *gormUserRepository) Create(ctx context.Context, user *model.User) error {
	if user.Role == "" {
		user.Role = model.RoleUser
	}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.Username, err)
	}
	return nil
}

// GetByID retrieves a user by id.
func (r *gormUserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return r.first(ctx, "id = ?", id)
}

// GetByUsername retrieves a user by username.
func (r *gormUserRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.first(ctx, "username = ?", username)
}

func (r *gormUserRepository) first(ctx context.Context, query string, arg interface{}) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %v: %w", arg, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load user %v: %w", arg, err)
	}
	return &user, nil
}
