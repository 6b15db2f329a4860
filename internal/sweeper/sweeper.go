// Package sweeper runs the background maintenance loops of the server. It
// wraps gocron and covers the cases the per-agent schedules cannot: jobs
// stuck in-progress on an agent that is offline or deleted (and therefore
// never fires a dispatch preprocess again), and the retention purge of
// read activity statuses.
//
// Each loop runs in singleton mode: if a previous run is still going when
// the next tick fires, the new execution is skipped.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/dispatch"
	"github.com/overseer-dev/overseer/internal/metrics"
	"github.com/overseer-dev/overseer/internal/repositories"
)

const (
	// stuckSweepInterval is how often the stuck-job sweep runs.
	stuckSweepInterval = time.Minute

	// activityRetention is how long read activity statuses are kept.
	activityRetention = 30 * 24 * time.Hour

	// purgeInterval is how often the retention purge runs.
	purgeInterval = time.Hour
)

// Sweeper owns the background maintenance jobs.
// The zero value is not usable — create instances with New.
type Sweeper struct {
	cron       gocron.Scheduler
	jobs       repositories.JobRepository
	agents     repositories.AgentRepository
	activities repositories.ActivityRepository
	logger     *zap.Logger
}

// New creates and configures a new Sweeper. Call Start to begin processing.
func New(
	jobs repositories.JobRepository,
	agents repositories.AgentRepository,
	activities repositories.ActivityRepository,
	logger *zap.Logger,
) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Sweeper{
		cron:       s,
		jobs:       jobs,
		agents:     agents,
		activities: activities,
		logger:     logger.Named("sweeper"),
	}, nil
}

// Start registers both loops and starts the underlying gocron scheduler.
// Called once at server startup, after the database connection is
// established.
func (s *Sweeper) Start() error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(stuckSweepInterval),
		gocron.NewTask(s.sweepStuckJobs),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule stuck-job sweep: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(purgeInterval),
		gocron.NewTask(s.purgeReadActivities),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule activity purge: %w", err)
	}

	s.cron.Start()
	s.logger.Info("sweeper started")
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running task to complete before returning.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweeper shutdown error: %w", err)
	}
	s.logger.Info("sweeper stopped")
	return nil
}

// sweepStuckJobs re-queues in-progress jobs whose agent can no longer
// finish them: the agent record is gone, or the agent is not active and the
// job has not been updated since the orphan cutoff. Jobs on a live active
// agent are left alone; their own dispatch schedule reconciles them.
func (s *Sweeper) sweepStuckJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-dispatch.OrphanCutoff)
	stuck, err := s.jobs.ListInProgressOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("stuck-job listing failed", zap.Error(err))
		return
	}

	for i := range stuck {
		job := &stuck[i]
		if job.AgentID != nil {
			agent, err := s.agents.GetByID(ctx, *job.AgentID)
			if err == nil && agent.Status == db.AgentStatusActive {
				continue
			}
			if err != nil && !errors.Is(err, repositories.ErrNotFound) {
				s.logger.Error("agent lookup failed during sweep",
					zap.String("agent_id", job.AgentID.String()),
					zap.Error(err),
				)
				continue
			}
		}

		if err := s.requeue(ctx, job); err != nil {
			s.logger.Error("stuck-job requeue failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.OrphansRecovered.Inc()
		s.logger.Info("stuck job re-queued",
			zap.String("job_id", job.ID.String()),
			zap.String("queue", job.QueueType),
		)
	}
}

// requeue puts a stuck job back at the tail of the queue it was claimed
// from, falling back to the backlog when the claim path cleared its queue.
func (s *Sweeper) requeue(ctx context.Context, job *db.Job) error {
	return s.jobs.InTx(ctx, func(jobs repositories.JobRepository) error {
		queue := job.QueueType
		if queue == db.QueueNone {
			queue = db.QueueBacklog
		}
		if err := jobs.RemoveFromQueue(ctx, job); err != nil {
			return err
		}
		job.Status = db.JobStatusQueued
		job.AgentID = nil
		if err := jobs.Update(ctx, job); err != nil {
			return err
		}
		return jobs.InsertAtTail(ctx, job, queue)
	})
}

// purgeReadActivities drops read statuses past the retention window.
func (s *Sweeper) purgeReadActivities() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-activityRetention)
	purged, err := s.activities.PurgeReadBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("activity purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Info("read activity statuses purged", zap.Int64("count", purged))
	}
}
