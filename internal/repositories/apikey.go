package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/overseer-dev/overseer/internal/db"
	"gorm.io/gorm"
)

type gormAPIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository returns an APIKeyRepository backed by the provided *gorm.DB.
func NewAPIKeyRepository(db *gorm.DB) APIKeyRepository {
	return &gormAPIKeyRepository{db: db}
}

func (r *gormAPIKeyRepository) Create(ctx context.Context, key *db.APIKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("api keys: create: %w", err)
	}
	return nil
}

// GetByHash resolves a SHA-256 hex digest to its key record. This is the
// hot path of agent registration.
func (r *gormAPIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*db.APIKey, error) {
	var key db.APIKey
	err := r.db.WithContext(ctx).First(&key, "key_hash = ?", keyHash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get by hash: %w", err)
	}
	return &key, nil
}

func (r *gormAPIKeyRepository) List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.APIKey, int64, error) {
	var keys []db.APIKey
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.APIKey{}).
		Where("org_id = ?", orgID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("api keys: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("api keys: list: %w", err)
	}

	return keys, total, nil
}

func (r *gormAPIKeyRepository) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.APIKey{}, "id = ? AND org_id = ?", id, orgID)
	if result.Error != nil {
		return fmt.Errorf("api keys: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation detects unique-constraint errors from either driver.
// gorm.ErrDuplicatedKey only fires with the translated-error option, so the
// message check covers sqlite and postgres directly.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
