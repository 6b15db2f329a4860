package logsink

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
)

func newSink(t *testing.T) (*Sink, repositories.JobLogRepository) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	logs := repositories.NewJobLogRepository(database)
	return New(logs, nil, zap.NewNop()), logs
}

func TestAppendPersistsInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	sink, logs := newSink(t)
	orgID, jobID := uuid.New(), uuid.New()

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, sink.Append(ctx, orgID, jobID, 1, Entry{
		Level: "info", Stage: "generation", Message: "cloning repo", Timestamp: at,
	}))
	require.NoError(t, sink.Append(ctx, orgID, jobID, 1, Entry{
		Level: "error", Stage: "verification", Message: "2 tests failed", Timestamp: at,
	}))

	series, err := logs.ListByJobVersion(ctx, jobID, 1)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "cloning repo", series[0].Message)
	assert.Equal(t, "2 tests failed", series[1].Message)
	assert.Equal(t, orgID, series[0].OrgID)
	assert.Equal(t, "verification", series[1].Stage)
}

func TestAppendFillsZeroTimestamp(t *testing.T) {
	ctx := context.Background()
	sink, logs := newSink(t)
	jobID := uuid.New()

	require.NoError(t, sink.Append(ctx, uuid.New(), jobID, 1, Entry{
		Level: "info", Message: "no timestamp on the wire",
	}))

	series, err := logs.ListByJobVersion(ctx, jobID, 1)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.WithinDuration(t, time.Now().UTC(), series[0].Timestamp, time.Minute)
}

func TestVersionsKeepSeparateSeries(t *testing.T) {
	ctx := context.Background()
	sink, logs := newSink(t)
	jobID := uuid.New()

	require.NoError(t, sink.Append(ctx, uuid.New(), jobID, 1, Entry{Message: "first attempt"}))
	require.NoError(t, sink.Append(ctx, uuid.New(), jobID, 2, Entry{Message: "retry attempt"}))

	v1, err := logs.ListByJobVersion(ctx, jobID, 1)
	require.NoError(t, err)
	v2, err := logs.ListByJobVersion(ctx, jobID, 2)
	require.NoError(t, err)
	require.Len(t, v1, 1)
	require.Len(t, v2, 1)
	assert.Equal(t, "first attempt", v1[0].Message)
	assert.Equal(t, "retry attempt", v2[0].Message)
}

func TestHasSubscribersWithoutHub(t *testing.T) {
	sink, _ := newSink(t)
	assert.False(t, sink.HasSubscribers(uuid.New()))
}
