package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/overseer-dev/overseer/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormActivityRepository struct {
	db *gorm.DB
}

// NewActivityRepository returns an ActivityRepository backed by the provided
// *gorm.DB.
func NewActivityRepository(db *gorm.DB) ActivityRepository {
	return &gormActivityRepository{db: db}
}

func (r *gormActivityRepository) Create(ctx context.Context, activity *db.Activity) error {
	if err := r.db.WithContext(ctx).Create(activity).Error; err != nil {
		return fmt.Errorf("activities: create: %w", err)
	}
	return nil
}

func (r *gormActivityRepository) GetByID(ctx context.Context, orgID, id uuid.UUID) (*db.Activity, error) {
	var activity db.Activity
	err := r.db.WithContext(ctx).First(&activity, "id = ? AND org_id = ?", id, orgID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("activities: get by id: %w", err)
	}
	return &activity, nil
}

// List returns the org's activities, newest first.
func (r *gormActivityRepository) List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.Activity, int64, error) {
	var activities []db.Activity
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Activity{}).
		Where("org_id = ?", orgID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("activities: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&activities).Error; err != nil {
		return nil, 0, fmt.Errorf("activities: list: %w", err)
	}

	return activities, total, nil
}

func (r *gormActivityRepository) ListByJob(ctx context.Context, orgID, jobID uuid.UUID) ([]db.Activity, error) {
	var activities []db.Activity
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND job_id = ?", orgID, jobID).
		Order("created_at ASC").
		Find(&activities).Error
	if err != nil {
		return nil, fmt.Errorf("activities: list by job: %w", err)
	}
	return activities, nil
}

// MarkRead upserts the per-user read status of an activity.
func (r *gormActivityRepository) MarkRead(ctx context.Context, activityID uuid.UUID, userID string) error {
	status := db.ActivityReadStatus{
		ActivityID: activityID,
		UserID:     userID,
		Status:     db.ReadStatusRead,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "activity_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
		}).
		Create(&status).Error
	if err != nil {
		return fmt.Errorf("activities: mark read: %w", err)
	}
	return nil
}

// PurgeReadBefore deletes read statuses last updated before the cutoff.
// Called by the sweeper on its 30-day retention pass.
func (r *gormActivityRepository) PurgeReadBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", db.ReadStatusRead, cutoff).
		Delete(&db.ActivityReadStatus{})
	if result.Error != nil {
		return 0, fmt.Errorf("activities: purge read before: %w", result.Error)
	}
	return result.RowsAffected, nil
}
