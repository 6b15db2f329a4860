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

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Create inserts a new agent record into the database.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its UUID. Returns ErrNotFound if no record
// exists. Not org-scoped: internal callers (stream handler, workflows) hold
// the agent ID as the trust anchor; REST handlers check org on the result.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByHost retrieves the org's agent registered for a host.
func (r *gormAgentRepository) GetByHost(ctx context.Context, orgID uuid.UUID, host string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "org_id = ? AND host = ?", orgID, host).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by host: %w", err)
	}
	return &agent, nil
}

// Update persists all fields of an existing agent record.
func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an agent row.
func (r *gormAgentRepository) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ? AND org_id = ?", id, orgID)
	if result.Error != nil {
		return fmt.Errorf("agents: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of the org's agents and the total count.
func (r *gormAgentRepository) List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("org_id = ?", orgID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

// Register upserts on (org_id, host) inside one transaction. The row comes
// out active with ip, port, a zeroed failure counter and fresh liveness
// timestamps; the returned priorStatus tells the caller whether schedules
// need to be created or unpaused.
func (r *gormAgentRepository) Register(ctx context.Context, agent *db.Agent) (string, error) {
	priorStatus := db.AgentStatusOffline
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var existing db.Agent
		err := tx.First(&existing, "org_id = ? AND host = ?", agent.OrgID, agent.Host).Error
		switch {
		case err == nil:
			priorStatus = existing.Status
			if err := tx.Model(&db.Agent{}).
				Where("id = ?", existing.ID).
				Updates(map[string]any{
					"ip":                       agent.IP,
					"port":                     agent.Port,
					"status":                   db.AgentStatusActive,
					"consecutive_failures":     0,
					"last_active":              now,
					"last_stream_connected_at": now,
					"updated_at":               now,
				}).Error; err != nil {
				return err
			}
			existing.IP = agent.IP
			existing.Port = agent.Port
			existing.Status = db.AgentStatusActive
			existing.ConsecutiveFailures = 0
			existing.LastActive = &now
			existing.LastStreamConnectedAt = &now
			*agent = existing
			return nil

		case errors.Is(err, gorm.ErrRecordNotFound):
			agent.Status = db.AgentStatusActive
			agent.ConsecutiveFailures = 0
			agent.LastActive = &now
			agent.LastStreamConnectedAt = &now
			if agent.Name == "" {
				agent.Name = agent.Host
			}
			return tx.Create(agent).Error

		default:
			return err
		}
	})
	if err != nil {
		return "", fmt.Errorf("agents: register: %w", err)
	}
	return priorStatus, nil
}

// Touch records liveness from a heartbeat or successful ping.
func (r *gormAgentRepository) Touch(ctx context.Context, id uuid.UUID, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_active":          now,
			"consecutive_failures": 0,
			"updated_at":           now,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: touch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchStreamConnect records liveness and the stream connect time.
func (r *gormAgentRepository) TouchStreamConnect(ctx context.Context, id uuid.UUID, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_active":              now,
			"last_stream_connected_at": now,
			"consecutive_failures":     0,
			"updated_at":               now,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: touch stream connect: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPingFailure increments the failure counter and returns the new count
// so the health-check workflow can apply the offline threshold.
func (r *gormAgentRepository) RecordPingFailure(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.Agent{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
				"updated_at":           time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		var agent db.Agent
		if err := tx.Select("consecutive_failures").First(&agent, "id = ?", id).Error; err != nil {
			return err
		}
		count = agent.ConsecutiveFailures
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("agents: record ping failure: %w", err)
	}
	return count, nil
}

// SetStatus transitions the agent status. Setting active also resets the
// failure counter so the counter invariant holds.
func (r *gormAgentRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status == db.AgentStatusActive {
		updates["consecutive_failures"] = 0
	}
	result := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("agents: set status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
