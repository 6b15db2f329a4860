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

type gormQueuePauseRepository struct {
	db *gorm.DB
}

// NewQueuePauseRepository returns a QueuePauseRepository backed by the
// provided *gorm.DB.
func NewQueuePauseRepository(db *gorm.DB) QueuePauseRepository {
	return &gormQueuePauseRepository{db: db}
}

// IsPaused reports the pause flag for (org, queue). A missing row is the
// default state: not paused.
func (r *gormQueuePauseRepository) IsPaused(ctx context.Context, orgID uuid.UUID, queue string) (bool, error) {
	var pause db.QueuePause
	err := r.db.WithContext(ctx).
		First(&pause, "org_id = ? AND queue_type = ?", orgID, queue).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("queue pauses: is paused: %w", err)
	}
	return pause.IsPaused, nil
}

// SetPaused upserts the pause flag.
func (r *gormQueuePauseRepository) SetPaused(ctx context.Context, orgID uuid.UUID, queue string, paused bool) error {
	pause := db.QueuePause{
		OrgID:     orgID,
		QueueType: queue,
		IsPaused:  paused,
		UpdatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "queue_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_paused", "updated_at"}),
		}).
		Create(&pause).Error
	if err != nil {
		return fmt.Errorf("queue pauses: set paused: %w", err)
	}
	return nil
}
