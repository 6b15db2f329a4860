package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/overseer-dev/overseer/internal/db"
	"gorm.io/gorm"
)

type gormOrgRepository struct {
	db *gorm.DB
}

// NewOrgRepository returns an OrgRepository backed by the provided *gorm.DB.
func NewOrgRepository(db *gorm.DB) OrgRepository {
	return &gormOrgRepository{db: db}
}

func (r *gormOrgRepository) Create(ctx context.Context, org *db.Org) error {
	if err := r.db.WithContext(ctx).Create(org).Error; err != nil {
		return fmt.Errorf("orgs: create: %w", err)
	}
	return nil
}

func (r *gormOrgRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Org, error) {
	var org db.Org
	err := r.db.WithContext(ctx).First(&org, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("orgs: get by id: %w", err)
	}
	return &org, nil
}

func (r *gormOrgRepository) List(ctx context.Context, opts ListOptions) ([]db.Org, int64, error) {
	var orgs []db.Org
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Org{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("orgs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&orgs).Error; err != nil {
		return nil, 0, fmt.Errorf("orgs: list: %w", err)
	}

	return orgs, total, nil
}
