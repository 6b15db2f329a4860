package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/overseer-dev/overseer/internal/db"
)

// newTestDB opens a fresh in-memory SQLite database with all migrations
// applied. Each test gets its own database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

// newQueuedJob creates a job and appends it to the tail of the given queue.
func newQueuedJob(t *testing.T, jobs JobRepository, orgID uuid.UUID, queue, prompt string) *db.Job {
	t.Helper()
	ctx := context.Background()
	job := &db.Job{
		OrgID:                orgID,
		Status:               db.JobStatusQueued,
		Priority:             db.PriorityMedium,
		QueueType:            db.QueueNone,
		OrderInQueue:         db.PositionNone,
		Prompt:               prompt,
		UserAcceptanceStatus: db.AcceptanceNotReviewed,
		UserComments:         "[]",
		Name:                 prompt,
	}
	require.NoError(t, jobs.Create(ctx, job))
	require.NoError(t, jobs.InsertAtTail(ctx, job, queue))
	return job
}

// backdate rewrites a job version's updated_at without touching anything
// else, for tests that exercise cutoff-based queries.
func backdate(t *testing.T, database *gorm.DB, job *db.Job, to time.Time) {
	t.Helper()
	err := database.Model(&db.Job{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		UpdateColumn("updated_at", to).Error
	require.NoError(t, err)
}

// queuePositions returns the ordered positions of a queue for contiguity
// assertions.
func queuePositions(t *testing.T, jobs JobRepository, orgID uuid.UUID, queue string) []int {
	t.Helper()
	queued, err := jobs.ListQueued(context.Background(), orgID, queue)
	require.NoError(t, err)
	positions := make([]int, len(queued))
	for i := range queued {
		positions[i] = queued[i].OrderInQueue
	}
	return positions
}

func requireContiguous(t *testing.T, positions []int) {
	t.Helper()
	for i, p := range positions {
		require.Equal(t, i, p, "queue positions must be contiguous from 0, got %v", positions)
	}
}
