package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/overseer-dev/overseer/internal/db"
	"gorm.io/gorm"
)

// latestVersion restricts a jobs query or update to the highest-version row
// of each job ID. Used as a raw condition so it works identically in SELECT
// and UPDATE statements on both drivers.
const latestVersion = "version = (SELECT MAX(version) FROM jobs j2 WHERE j2.id = jobs.id)"

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) InsertVersion(ctx context.Context, job *db.Job) error {
	if job.Version < 2 {
		return fmt.Errorf("jobs: insert version: version must be >= 2, got %d", job.Version)
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: insert version: %w", err)
	}
	return nil
}

// Latest returns the highest-version row for the ID. The MAX(version)
// projection lives here so no caller ever reads a stale version by accident.
func (r *gormJobRepository) Latest(ctx context.Context, orgID, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		Order("version DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: latest: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) GetVersion(ctx context.Context, orgID, id uuid.UUID, version int) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).
		Where("id = ? AND org_id = ? AND version = ?", id, orgID, version).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get version: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	job.UpdatedAt = time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		Select("*").
		Omit("id", "version", "created_at").
		Updates(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns latest-version rows of the org, newest first.
func (r *gormJobRepository) List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("org_id = ?", orgID).
		Where(latestVersion).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Where(latestVersion).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

func (r *gormJobRepository) NextPosition(ctx context.Context, orgID uuid.UUID, queue string) (int, error) {
	n, err := nextPosition(r.db.WithContext(ctx), orgID, queue)
	if err != nil {
		return 0, fmt.Errorf("jobs: next position: %w", err)
	}
	return n, nil
}

func nextPosition(tx *gorm.DB, orgID uuid.UUID, queue string) (int, error) {
	var count int64
	err := tx.Model(&db.Job{}).
		Where("org_id = ? AND status = ? AND queue_type = ?", orgID, db.JobStatusQueued, queue).
		Where(latestVersion).
		Count(&count).Error
	return int(count), err
}

// ClaimNext claims the queue head inside one transaction: the minimum
// position row goes in-progress with agent_id set and keeps its queue
// fields, then everything behind it shifts down one so the queue stays
// contiguous. The preserved queue fields are what orphan recovery later
// uses to put the job back where it came from.
func (r *gormJobRepository) ClaimNext(ctx context.Context, orgID uuid.UUID, queue string, agentID uuid.UUID) (*db.Job, error) {
	var claimed db.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("org_id = ? AND status = ? AND queue_type = ?", orgID, db.JobStatusQueued, queue).
			Where(latestVersion).
			Order("order_in_queue ASC").
			First(&claimed).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		now := time.Now().UTC()
		if err := tx.Model(&db.Job{}).
			Where("id = ? AND version = ?", claimed.ID, claimed.Version).
			Updates(map[string]any{
				"status":     db.JobStatusInProgress,
				"agent_id":   agentID,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		if err := tx.Model(&db.Job{}).
			Where("org_id = ? AND status = ? AND queue_type = ? AND order_in_queue > ?",
				orgID, db.JobStatusQueued, queue, claimed.OrderInQueue).
			Where(latestVersion).
			UpdateColumn("order_in_queue", gorm.Expr("order_in_queue - 1")).Error; err != nil {
			return err
		}

		claimed.Status = db.JobStatusInProgress
		claimed.AgentID = &agentID
		claimed.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: claim next: %w", err)
	}
	return &claimed, nil
}

func (r *gormJobRepository) RemoveFromQueue(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		Updates(map[string]any{
			"queue_type":     db.QueueNone,
			"order_in_queue": db.PositionNone,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: remove from queue: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	job.QueueType = db.QueueNone
	job.OrderInQueue = db.PositionNone
	return nil
}

func (r *gormJobRepository) ReprioritizeAfterRemoval(ctx context.Context, orgID uuid.UUID, queue string, removedPosition int) error {
	err := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("org_id = ? AND status = ? AND queue_type = ? AND order_in_queue > ?",
			orgID, db.JobStatusQueued, queue, removedPosition).
		Where(latestVersion).
		UpdateColumn("order_in_queue", gorm.Expr("order_in_queue - 1")).Error
	if err != nil {
		return fmt.Errorf("jobs: reprioritize after removal: %w", err)
	}
	return nil
}

func (r *gormJobRepository) InsertAtTail(ctx context.Context, job *db.Job, queue string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pos, err := nextPosition(tx, job.OrgID, queue)
		if err != nil {
			return err
		}
		if err := tx.Model(&db.Job{}).
			Where("id = ? AND version = ?", job.ID, job.Version).
			Updates(map[string]any{
				"queue_type":     queue,
				"order_in_queue": pos,
				"updated_at":     time.Now().UTC(),
			}).Error; err != nil {
			return err
		}
		job.QueueType = queue
		job.OrderInQueue = pos
		return nil
	})
	if err != nil {
		return fmt.Errorf("jobs: insert at tail: %w", err)
	}
	return nil
}

// MoveToPosition rewrites the whole (org, queue) ordering in one
// transaction: remove the job from the ordered list, reinsert at the
// clamped target, write back positions [0, n-1].
func (r *gormJobRepository) MoveToPosition(ctx context.Context, job *db.Job, newPosition int) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var queued []db.Job
		if err := tx.
			Where("org_id = ? AND status = ? AND queue_type = ?", job.OrgID, db.JobStatusQueued, job.QueueType).
			Where(latestVersion).
			Order("order_in_queue ASC").
			Find(&queued).Error; err != nil {
			return err
		}

		idx := -1
		for i := range queued {
			if queued[i].ID == job.ID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return ErrNotFound
		}

		if newPosition < 0 {
			newPosition = 0
		}
		if last := len(queued) - 1; newPosition > last {
			newPosition = last
		}
		if newPosition == idx {
			return nil
		}

		moved := queued[idx]
		queued = append(queued[:idx], queued[idx+1:]...)
		queued = append(queued[:newPosition], append([]db.Job{moved}, queued[newPosition:]...)...)

		now := time.Now().UTC()
		for i := range queued {
			if queued[i].OrderInQueue == i {
				continue
			}
			if err := tx.Model(&db.Job{}).
				Where("id = ? AND version = ?", queued[i].ID, queued[i].Version).
				Updates(map[string]any{"order_in_queue": i, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		job.OrderInQueue = newPosition
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("jobs: move to position: %w", err)
	}
	return nil
}

func (r *gormJobRepository) ListQueued(ctx context.Context, orgID uuid.UUID, queue string) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND status = ? AND queue_type = ?", orgID, db.JobStatusQueued, queue).
		Where(latestVersion).
		Order("order_in_queue ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list queued: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) InProgressByAgent(ctx context.Context, orgID, agentID uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND status = ? AND agent_id = ?", orgID, db.JobStatusInProgress, agentID).
		Where(latestVersion).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: in progress by agent: %w", err)
	}
	return &job, nil
}

// RecoverOrphans re-queues abandoned in-progress jobs: jobs claimed by this
// agent, plus any in-progress job of the org whose updated_at is older than
// the cutoff. Each orphan goes to the tail of the queue preserved at claim
// time; a job whose queue was cleared (manual execute path) falls back to
// the backlog.
func (r *gormJobRepository) RecoverOrphans(ctx context.Context, orgID, agentID uuid.UUID, cutoff time.Time) ([]db.Job, error) {
	var recovered []db.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orphans []db.Job
		if err := tx.
			Where("org_id = ? AND status = ?", orgID, db.JobStatusInProgress).
			Where("agent_id = ? OR updated_at < ?", agentID, cutoff).
			Where(latestVersion).
			Order("updated_at ASC").
			Find(&orphans).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range orphans {
			queue := orphans[i].QueueType
			if queue == db.QueueNone {
				queue = db.QueueBacklog
			}
			pos, err := nextPosition(tx, orgID, queue)
			if err != nil {
				return err
			}
			if err := tx.Model(&db.Job{}).
				Where("id = ? AND version = ?", orphans[i].ID, orphans[i].Version).
				Updates(map[string]any{
					"status":         db.JobStatusQueued,
					"agent_id":       nil,
					"queue_type":     queue,
					"order_in_queue": pos,
					"updated_at":     now,
				}).Error; err != nil {
				return err
			}
			orphans[i].Status = db.JobStatusQueued
			orphans[i].AgentID = nil
			orphans[i].QueueType = queue
			orphans[i].OrderInQueue = pos
			orphans[i].UpdatedAt = now
		}
		recovered = orphans
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: recover orphans: %w", err)
	}
	return recovered, nil
}

// InTx binds a repository view to one transaction and passes it to fn.
func (r *gormJobRepository) InTx(ctx context.Context, fn func(JobRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormJobRepository{db: tx})
	})
}

func (r *gormJobRepository) ListInProgressOlderThan(ctx context.Context, cutoff time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", db.JobStatusInProgress, cutoff).
		Where(latestVersion).
		Order("updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list in progress older than: %w", err)
	}
	return jobs, nil
}
