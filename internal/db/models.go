package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Agent status values.
const (
	AgentStatusActive  = "active"
	AgentStatusIdle    = "idle"
	AgentStatusOffline = "offline"
)

// Job status values.
const (
	JobStatusQueued     = "queued"
	JobStatusInProgress = "in-progress"
	JobStatusInReview   = "in-review"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusArchived   = "archived"
)

// Job priority values.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Queue types. QueueNone marks a job that is not enqueued; its
// order_in_queue is PositionNone.
const (
	QueueBacklog = "backlog"
	QueueRework  = "rework"
	QueueNone    = "none"

	PositionNone = -1
)

// User acceptance statuses.
const (
	AcceptanceNotReviewed = "not_reviewed"
	AcceptanceAccepted    = "reviewed_and_accepted"
	AcceptanceAskedRework = "reviewed_and_asked_rework"
	AcceptanceRejected    = "rejected"
)

// Activity read statuses.
const (
	ReadStatusRead   = "read"
	ReadStatusUnread = "unread"
)

// -----------------------------------------------------------------------------
// Tenancy & auth
// -----------------------------------------------------------------------------

// Org is a tenant boundary. Every other entity is scoped by OrgID.
type Org struct {
	Base
	Name string `gorm:"not null"`
}

// APIKey authenticates agents of an org. The raw key is never stored; only
// its SHA-256 hex, which registration resolves to an org in one indexed
// lookup.
type APIKey struct {
	Base
	OrgID     uuid.UUID `gorm:"type:text;not null;index"`
	Name      string    `gorm:"not null"`
	KeyHash   string    `gorm:"not null;uniqueIndex"`
	CreatedBy string    `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent represents a remote execution process registered with the server.
// Registration upserts on (org_id, host); an agent is never duplicated for
// the same machine. ConsecutiveFailures is 0 whenever Status is active.
type Agent struct {
	Base
	OrgID                 uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_agents_org_host"`
	Name                  string    `gorm:"not null"`
	Status                string    `gorm:"not null;default:'offline'"` // "active", "idle", "offline"
	Host                  string    `gorm:"not null;uniqueIndex:idx_agents_org_host"`
	Port                  int       `gorm:"not null;default:0"`
	IP                    string    `gorm:"default:''"`
	ConsecutiveFailures   int       `gorm:"not null;default:0"`
	LastActive            *time.Time
	LastStreamConnectedAt *time.Time
}

// -----------------------------------------------------------------------------
// Repos
// -----------------------------------------------------------------------------

// Repo is an SCM repository a job may target. The server never talks to the
// SCM itself; agents receive the repo ID and resolve it through their own
// credentials.
type Repo struct {
	Base
	OrgID         uuid.UUID `gorm:"type:text;not null;index"`
	Name          string    `gorm:"not null"`
	CloneURL      string    `gorm:"not null"`
	DefaultBranch string    `gorm:"not null;default:'main'"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is a versioned record keyed by (ID, Version). Mutations update the
// latest version in place; prompt or repo changes, rework requests, and
// commented retries insert a new version row instead. Queries against "the
// job" always mean the row with MAX(version) for the ID.
//
// Queue fields: a queued job carries QueueType backlog or rework and a
// contiguous OrderInQueue within its (org, queue); any other status carries
// QueueNone/PositionNone, except in-progress rows, which keep their queue
// fields so orphan recovery can re-enqueue them where they came from.
type Job struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	Version   int       `gorm:"primaryKey;default:1"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	OrgID        uuid.UUID  `gorm:"type:text;not null;index:idx_jobs_org_status"`
	Status       string     `gorm:"not null;default:'queued';index:idx_jobs_org_status"`
	Priority     string     `gorm:"not null;default:'medium'"`
	QueueType    string     `gorm:"not null;default:'none';index:idx_jobs_queue"`
	OrderInQueue int        `gorm:"not null;default:-1;index:idx_jobs_queue"`
	AgentID      *uuid.UUID `gorm:"type:text;index"`

	Source         string `gorm:"not null;default:''"` // where the prompt came from: "api", "chat", ...
	Prompt         string `gorm:"type:text;not null"`
	SourceMetadata string `gorm:"type:text;default:'{}'"` // JSON, opaque to the server

	RepoID               *uuid.UUID `gorm:"type:text"`
	UserAcceptanceStatus string     `gorm:"not null;default:'not_reviewed'"`
	UserComments         string     `gorm:"type:text;default:'[]'"` // JSON array of comment strings

	CodeGenerationLogs   string `gorm:"type:text;default:''"`
	CodeVerificationLogs string `gorm:"type:text;default:''"`
	PRLink               string `gorm:"default:''"`
	ConfidenceScore      *float64

	// Updates is the free-form audit trail: newline-separated, timestamped,
	// append-only. Machine-readable audit lives in Activity rows.
	Updates string `gorm:"type:text;default:''"`

	Name        string `gorm:"not null;default:''"`
	Description string `gorm:"type:text;default:''"`
	CreatedBy   string `gorm:"default:''"`
	UpdatedBy   string `gorm:"default:''"`
}

// BeforeCreate assigns a UUID v7 and version 1 to fresh jobs. Retry paths
// that insert a later version set both fields explicitly.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		j.ID = id
	}
	if j.Version == 0 {
		j.Version = 1
	}
	return nil
}

// QueuePause is the per-(org, queue) pause flag. Absence of a row means the
// queue is not paused.
type QueuePause struct {
	OrgID     uuid.UUID `gorm:"type:text;primaryKey"`
	QueueType string    `gorm:"primaryKey"`
	IsPaused  bool      `gorm:"not null;default:false"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// JobLog stores one structured log line received from an agent while it
// executes a job. Lines are keyed by (JobID, JobVersion, OrgID) so a retry
// under a new version starts a fresh series.
type JobLog struct {
	Base
	JobID      uuid.UUID `gorm:"type:text;not null;index:idx_job_logs_job"`
	JobVersion int       `gorm:"not null;index:idx_job_logs_job"`
	OrgID      uuid.UUID `gorm:"type:text;not null"`
	Level      string    `gorm:"not null"` // "info", "warn", "error"
	Stage      string    `gorm:"default:''"`
	Message    string    `gorm:"type:text;not null"`
	Timestamp  time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Activities
// -----------------------------------------------------------------------------

// Activity is an append-only audit record tied to a job. One row is written
// for every create, update, archive, execute and reprioritize event, and
// for every terminal workflow outcome.
type Activity struct {
	Base
	JobID              uuid.UUID `gorm:"type:text;not null;index"`
	OrgID              uuid.UUID `gorm:"type:text;not null;index"`
	Name               string    `gorm:"not null"`
	Summary            string    `gorm:"type:text;not null"`
	CodeGenerationLogs string    `gorm:"type:text;default:''"`
	VerificationLogs   string    `gorm:"type:text;default:''"`
	CreatedBy          string    `gorm:"default:''"`
	UpdatedBy          string    `gorm:"default:''"`
}

// ActivityReadStatus tracks per-user read state of an activity. Read rows
// older than 30 days are purged by the sweeper.
type ActivityReadStatus struct {
	Base
	ActivityID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_activity_read_user"`
	UserID     string    `gorm:"not null;uniqueIndex:idx_activity_read_user"`
	Status     string    `gorm:"not null;default:'unread'"` // "read" or "unread"
}

// -----------------------------------------------------------------------------
// Schedule bindings
// -----------------------------------------------------------------------------

// ScheduleBinding maps an agent to its two workflow-engine schedules. A row
// exists iff the agent has ever been active.
type ScheduleBinding struct {
	AgentID               uuid.UUID `gorm:"type:text;primaryKey"`
	QueueScheduleID       string    `gorm:"not null"`
	HealthCheckScheduleID string    `gorm:"not null"`
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}
