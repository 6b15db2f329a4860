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

type gormScheduleBindingRepository struct {
	db *gorm.DB
}

// NewScheduleBindingRepository returns a ScheduleBindingRepository backed by
// the provided *gorm.DB.
func NewScheduleBindingRepository(db *gorm.DB) ScheduleBindingRepository {
	return &gormScheduleBindingRepository{db: db}
}

// Upsert writes the agent's schedule binding, replacing any prior one.
func (r *gormScheduleBindingRepository) Upsert(ctx context.Context, binding *db.ScheduleBinding) error {
	now := time.Now().UTC()
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = now
	}
	binding.UpdatedAt = now
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"queue_schedule_id", "health_check_schedule_id", "updated_at"}),
		}).
		Create(binding).Error
	if err != nil {
		return fmt.Errorf("schedule bindings: upsert: %w", err)
	}
	return nil
}

func (r *gormScheduleBindingRepository) Get(ctx context.Context, agentID uuid.UUID) (*db.ScheduleBinding, error) {
	var binding db.ScheduleBinding
	err := r.db.WithContext(ctx).First(&binding, "agent_id = ?", agentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedule bindings: get: %w", err)
	}
	return &binding, nil
}

func (r *gormScheduleBindingRepository) Delete(ctx context.Context, agentID uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.ScheduleBinding{}, "agent_id = ?", agentID)
	if result.Error != nil {
		return fmt.Errorf("schedule bindings: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
