package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/overseer-dev/overseer/internal/db"
	"gorm.io/gorm"
)

type gormRepoRepository struct {
	db *gorm.DB
}

// NewRepoRepository returns a RepoRepository backed by the provided *gorm.DB.
func NewRepoRepository(db *gorm.DB) RepoRepository {
	return &gormRepoRepository{db: db}
}

func (r *gormRepoRepository) Create(ctx context.Context, repo *db.Repo) error {
	if err := r.db.WithContext(ctx).Create(repo).Error; err != nil {
		return fmt.Errorf("repos: create: %w", err)
	}
	return nil
}

func (r *gormRepoRepository) GetByID(ctx context.Context, orgID, id uuid.UUID) (*db.Repo, error) {
	var repo db.Repo
	err := r.db.WithContext(ctx).First(&repo, "id = ? AND org_id = ?", id, orgID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repos: get by id: %w", err)
	}
	return &repo, nil
}

func (r *gormRepoRepository) Update(ctx context.Context, repo *db.Repo) error {
	result := r.db.WithContext(ctx).Save(repo)
	if result.Error != nil {
		return fmt.Errorf("repos: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRepoRepository) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Repo{}, "id = ? AND org_id = ?", id, orgID)
	if result.Error != nil {
		return fmt.Errorf("repos: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRepoRepository) List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.Repo, int64, error) {
	var repos []db.Repo
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Repo{}).
		Where("org_id = ?", orgID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repos: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&repos).Error; err != nil {
		return nil, 0, fmt.Errorf("repos: list: %w", err)
	}

	return repos, total, nil
}
