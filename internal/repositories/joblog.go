package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/overseer-dev/overseer/internal/db"
	"gorm.io/gorm"
)

type gormJobLogRepository struct {
	db *gorm.DB
}

// NewJobLogRepository returns a JobLogRepository backed by the provided *gorm.DB.
func NewJobLogRepository(db *gorm.DB) JobLogRepository {
	return &gormJobLogRepository{db: db}
}

// Append inserts one log line. Lines are written as they arrive from the
// stream, so insertion order is the authoritative per-version ordering.
func (r *gormJobLogRepository) Append(ctx context.Context, log *db.JobLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("job logs: append: %w", err)
	}
	return nil
}

// ListByJobVersion returns the full log series of one job version in
// insertion order. UUID v7 IDs sort chronologically, which keeps lines with
// equal timestamps stable.
func (r *gormJobLogRepository) ListByJobVersion(ctx context.Context, jobID uuid.UUID, version int) ([]db.JobLog, error) {
	var logs []db.JobLog
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND job_version = ?", jobID, version).
		Order("id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("job logs: list by job version: %w", err)
	}
	return logs, nil
}
