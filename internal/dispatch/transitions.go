package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/metrics"
	"github.com/overseer-dev/overseer/internal/repositories"
	"github.com/overseer-dev/overseer/internal/websocket"
)

// ErrInvalidTransition is returned when an update asks for a state change
// the engine forbids, such as queued to in-progress through the REST
// surface or archiving an already archived job.
var ErrInvalidTransition = errors.New("dispatch: invalid state transition")

// UpdateRequest carries the mutable fields of a PUT /jobs/{id}. Nil
// pointers mean "unchanged"; UserComments replaces the stored array when
// non-nil.
type UpdateRequest struct {
	Status               *string
	QueueType            *string
	UserAcceptanceStatus *string
	UserComments         []string
	Prompt               *string
	RepoID               *uuid.UUID
	Priority             *string
	Name                 *string
	Description          *string
	ConfidenceScore      *float64
	UpdatedBy            string
}

// Transitions orchestrates the user-driven job state changes: review moves,
// rework queue hops, retries, manual dispatch, archive and reprioritize.
// Every mutation runs in one transaction on the latest version of the job.
type Transitions struct {
	jobs       repositories.JobRepository
	activities repositories.ActivityRepository
	hub        *websocket.Hub
	logger     *zap.Logger
}

// NewTransitions creates a Transitions. hub may be nil in tests.
func NewTransitions(
	jobs repositories.JobRepository,
	activities repositories.ActivityRepository,
	hub *websocket.Hub,
	logger *zap.Logger,
) *Transitions {
	return &Transitions{
		jobs:       jobs,
		activities: activities,
		hub:        hub,
		logger:     logger.Named("transitions"),
	}
}

// ApplyUpdate executes the orchestrated state change behind PUT /jobs/{id}.
//
// Decision rules, applied in order inside one transaction on the latest
// version:
//
//  1. queued -> in-progress is forbidden here; only the engine claims jobs.
//  2. A prompt change, repo change, rework request, or commented retry
//     writes a new version row; other changes update in place. Retries
//     additionally clear both log fields and append a retry line to the
//     audit trail quoting the newest comment.
//  3. Any transition out of queued (in-review, completed, failed) dequeues
//     the job and closes the position gap.
//  4. Acceptance turning reviewed_and_asked_rework pulls the job out of the
//     backlog if it sits there and appends it to the rework tail, queued.
//  5. Acceptance returning to not_reviewed moves a queued rework job to the
//     backlog tail.
//  6. Any other transition into queued places the job at the tail of the
//     explicit queue when the request names one, otherwise rework when
//     acceptance asks for rework, otherwise backlog.
func (t *Transitions) ApplyUpdate(ctx context.Context, orgID, jobID uuid.UUID, req UpdateRequest) (*db.Job, error) {
	var result *db.Job
	err := t.jobs.InTx(ctx, func(jobs repositories.JobRepository) error {
		job, err := jobs.Latest(ctx, orgID, jobID)
		if err != nil {
			return err
		}

		if req.Status != nil && *req.Status == db.JobStatusInProgress && job.Status == db.JobStatusQueued {
			return fmt.Errorf("%w: queued job cannot be forced in-progress", ErrInvalidTransition)
		}

		finalStatus := job.Status
		if req.Status != nil {
			finalStatus = *req.Status
		}
		finalAcceptance := job.UserAcceptanceStatus
		if req.UserAcceptanceStatus != nil {
			finalAcceptance = *req.UserAcceptanceStatus
		}

		oldComments := decodeComments(job.UserComments)
		newComments := oldComments
		if req.UserComments != nil {
			newComments = req.UserComments
		}

		promptChanged := req.Prompt != nil && *req.Prompt != job.Prompt
		repoChanged := req.RepoID != nil && (job.RepoID == nil || *job.RepoID != *req.RepoID)
		askedRework := finalAcceptance == db.AcceptanceAskedRework &&
			job.UserAcceptanceStatus != db.AcceptanceAskedRework
		reworkCleared := job.UserAcceptanceStatus == db.AcceptanceAskedRework &&
			finalAcceptance == db.AcceptanceNotReviewed
		becomesQueued := finalStatus == db.JobStatusQueued && job.Status != db.JobStatusQueued

		enqueueTarget := db.QueueBacklog
		if finalAcceptance == db.AcceptanceAskedRework {
			enqueueTarget = db.QueueRework
		}
		if req.QueueType != nil && *req.QueueType != db.QueueNone {
			enqueueTarget = *req.QueueType
		}

		retry := finalStatus == db.JobStatusQueued &&
			enqueueTarget == db.QueueRework &&
			len(newComments) > len(oldComments)

		now := time.Now().UTC()
		work := *job
		applyScalars(&work, req, newComments)

		// Version bump: the rules that change what the agent will execute,
		// plus commented retries, must keep the old row intact for audit
		// and log separation.
		if promptChanged || repoChanged || askedRework || retry {
			work.Version = job.Version + 1
			work.CreatedAt = now
			work.UpdatedAt = now
			if retry {
				work.CodeGenerationLogs = ""
				work.CodeVerificationLogs = ""
				latest := newComments[len(newComments)-1]
				appendUpdate(&work, now, fmt.Sprintf("retry requested with new feedback: %q", latest))
			}
			if askedRework && !retry {
				appendUpdate(&work, now, "rework requested by reviewer")
			}
			if err := jobs.InsertVersion(ctx, &work); err != nil {
				return err
			}
		}

		enqueued := false
		queued := work.Status == db.JobStatusQueued && work.QueueType != db.QueueNone

		// Every exit from queued gives the position up, whatever the target
		// status; a row left behind would collide with the next tail insert.
		if finalStatus != db.JobStatusQueued && queued {
			if err := dequeue(ctx, jobs, &work); err != nil {
				return err
			}
			queued = false
		}

		if askedRework {
			if queued && work.QueueType == db.QueueBacklog {
				if err := dequeue(ctx, jobs, &work); err != nil {
					return err
				}
				queued = false
			}
			if !(queued && work.QueueType == db.QueueRework) {
				work.Status = db.JobStatusQueued
				work.AgentID = nil
				if err := jobs.InsertAtTail(ctx, &work, db.QueueRework); err != nil {
					return err
				}
				finalStatus = db.JobStatusQueued
				queued = true
				enqueued = true
			}
		}

		if reworkCleared && queued && work.QueueType == db.QueueRework {
			if err := dequeue(ctx, jobs, &work); err != nil {
				return err
			}
			if err := jobs.InsertAtTail(ctx, &work, db.QueueBacklog); err != nil {
				return err
			}
		}

		if becomesQueued && !enqueued && !queued {
			work.AgentID = nil
			if err := jobs.InsertAtTail(ctx, &work, enqueueTarget); err != nil {
				return err
			}
		}

		work.Status = finalStatus
		if work.Status != db.JobStatusInProgress {
			work.AgentID = nil
		}
		if err := jobs.Update(ctx, &work); err != nil {
			return err
		}
		result = &work
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.audit(ctx, result, req.UpdatedBy, "job.updated",
		fmt.Sprintf("job %q updated to status %s", result.Name, result.Status))
	t.publishStatus(result)
	return result, nil
}

// Reprioritize moves a queued job to the clamped target position. Only
// queued jobs can move.
func (t *Transitions) Reprioritize(ctx context.Context, orgID, jobID uuid.UUID, position int, updatedBy string) (*db.Job, error) {
	var result *db.Job
	err := t.jobs.InTx(ctx, func(jobs repositories.JobRepository) error {
		job, err := jobs.Latest(ctx, orgID, jobID)
		if err != nil {
			return err
		}
		if job.Status != db.JobStatusQueued || job.QueueType == db.QueueNone {
			return fmt.Errorf("%w: only queued jobs can be reprioritized", ErrInvalidTransition)
		}
		if err := jobs.MoveToPosition(ctx, job, position); err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.audit(ctx, result, updatedBy, "job.reprioritized",
		fmt.Sprintf("job %q moved to position %d in %s", result.Name, result.OrderInQueue, result.QueueType))
	return result, nil
}

// Archive implements DELETE /jobs/{id}: the job leaves its queue first so
// positions stay contiguous, then becomes archived. Archiving twice is an
// error.
func (t *Transitions) Archive(ctx context.Context, orgID, jobID uuid.UUID, updatedBy string) (*db.Job, error) {
	var result *db.Job
	err := t.jobs.InTx(ctx, func(jobs repositories.JobRepository) error {
		job, err := jobs.Latest(ctx, orgID, jobID)
		if err != nil {
			return err
		}
		if job.Status == db.JobStatusArchived {
			return fmt.Errorf("%w: job already archived", ErrInvalidTransition)
		}
		if job.Status == db.JobStatusQueued && job.QueueType != db.QueueNone {
			if err := dequeue(ctx, jobs, job); err != nil {
				return err
			}
		}
		job.Status = db.JobStatusArchived
		job.AgentID = nil
		job.UpdatedBy = updatedBy
		appendUpdate(job, time.Now().UTC(), "job archived")
		if err := jobs.Update(ctx, job); err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.audit(ctx, result, updatedBy, "job.archived",
		fmt.Sprintf("job %q archived", result.Name))
	t.publishStatus(result)
	return result, nil
}

// ManualDispatch implements POST /jobs/{id}/execute: the queued job leaves
// its queue and goes in-progress on the chosen agent; the caller starts the
// execution workflow afterwards. This path clears the queue fields, so an
// orphaned manual dispatch recovers to the backlog tail.
func (t *Transitions) ManualDispatch(ctx context.Context, orgID, jobID, agentID uuid.UUID, updatedBy string) (*db.Job, error) {
	var result *db.Job
	err := t.jobs.InTx(ctx, func(jobs repositories.JobRepository) error {
		job, err := jobs.Latest(ctx, orgID, jobID)
		if err != nil {
			return err
		}
		if job.Status != db.JobStatusQueued || job.QueueType == db.QueueNone {
			return fmt.Errorf("%w: only queued jobs can be executed", ErrInvalidTransition)
		}
		if err := dequeue(ctx, jobs, job); err != nil {
			return err
		}
		job.Status = db.JobStatusInProgress
		job.AgentID = &agentID
		job.UpdatedBy = updatedBy
		appendUpdate(job, time.Now().UTC(), "manual dispatch requested")
		if err := jobs.Update(ctx, job); err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.audit(ctx, result, updatedBy, "job.executed",
		fmt.Sprintf("job %q dispatched manually", result.Name))
	t.publishStatus(result)
	return result, nil
}

// Finish drives a job version to its terminal status on behalf of the
// execution workflow, appending the outcome to the audit trail.
func (t *Transitions) Finish(ctx context.Context, orgID, jobID uuid.UUID, version int, status, note string) error {
	job, err := t.jobs.GetVersion(ctx, orgID, jobID, version)
	if err != nil {
		return err
	}
	job.Status = status
	job.AgentID = nil
	// The queue fields kept through the in-progress window (orphan recovery
	// reads them) have no meaning on a terminal job.
	job.QueueType = db.QueueNone
	job.OrderInQueue = db.PositionNone
	appendUpdate(job, time.Now().UTC(), note)
	if err := t.jobs.Update(ctx, job); err != nil {
		return err
	}

	metrics.JobsCompleted.WithLabelValues(status).Inc()
	t.audit(ctx, job, "engine", "job.finished",
		fmt.Sprintf("job %q finished with status %s: %s", job.Name, status, note))
	t.publishStatus(job)
	return nil
}

// SetPRLink persists the pull-request link on a job version.
func (t *Transitions) SetPRLink(ctx context.Context, orgID, jobID uuid.UUID, version int, prLink string) error {
	job, err := t.jobs.GetVersion(ctx, orgID, jobID, version)
	if err != nil {
		return err
	}
	job.PRLink = prLink
	appendUpdate(job, time.Now().UTC(), "pull request opened: "+prLink)
	return t.jobs.Update(ctx, job)
}

// dequeue removes the job from its queue and closes the position gap.
func dequeue(ctx context.Context, jobs repositories.JobRepository, job *db.Job) error {
	queue, pos := job.QueueType, job.OrderInQueue
	if err := jobs.RemoveFromQueue(ctx, job); err != nil {
		return err
	}
	return jobs.ReprioritizeAfterRemoval(ctx, job.OrgID, queue, pos)
}

// appendUpdate adds one timestamped line to the job's human-readable audit
// trail.
func appendUpdate(job *db.Job, at time.Time, line string) {
	entry := fmt.Sprintf("%s %s", at.Format(time.RFC3339), line)
	if job.Updates == "" {
		job.Updates = entry
		return
	}
	job.Updates += "\n" + entry
}

func applyScalars(job *db.Job, req UpdateRequest, comments []string) {
	if req.Prompt != nil {
		job.Prompt = *req.Prompt
	}
	if req.RepoID != nil {
		id := *req.RepoID
		job.RepoID = &id
	}
	if req.UserAcceptanceStatus != nil {
		job.UserAcceptanceStatus = *req.UserAcceptanceStatus
	}
	if req.UserComments != nil {
		job.UserComments = encodeComments(comments)
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.Description != nil {
		job.Description = *req.Description
	}
	if req.ConfidenceScore != nil {
		score := *req.ConfidenceScore
		job.ConfidenceScore = &score
	}
	if req.UpdatedBy != "" {
		job.UpdatedBy = req.UpdatedBy
	}
}

func decodeComments(raw string) []string {
	if raw == "" {
		return nil
	}
	var comments []string
	if err := json.Unmarshal([]byte(raw), &comments); err != nil {
		return nil
	}
	return comments
}

func encodeComments(comments []string) string {
	if comments == nil {
		comments = []string{}
	}
	data, err := json.Marshal(comments)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// audit writes the machine-readable Activity row mirroring an updates line.
func (t *Transitions) audit(ctx context.Context, job *db.Job, user, name, summary string) {
	if t.activities == nil {
		return
	}
	activity := &db.Activity{
		JobID:     job.ID,
		OrgID:     job.OrgID,
		Name:      name,
		Summary:   summary,
		CreatedBy: user,
		UpdatedBy: user,
	}
	if err := t.activities.Create(ctx, activity); err != nil {
		t.logger.Warn("activity write failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

func (t *Transitions) publishStatus(job *db.Job) {
	if t.hub == nil {
		return
	}
	topic := "job:" + job.ID.String()
	t.hub.Publish(topic, websocket.Message{
		Type:  websocket.MsgJobStatus,
		Topic: topic,
		Payload: map[string]any{
			"status":  job.Status,
			"version": job.Version,
		},
	})
}
