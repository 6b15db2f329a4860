// Package logsink persists job log lines and fans them out to UI
// subscribers. The store write is authoritative; the websocket broadcast is
// best-effort and at-most-once.
package logsink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
	"github.com/overseer-dev/overseer/internal/websocket"
)

// Entry is one structured log line received from an agent, either over the
// AgentStream or from the ExecuteJob response stream. Both paths converge
// here so a job has a single log series per version.
type Entry struct {
	Level     string
	Stage     string
	Message   string
	Timestamp time.Time
}

// Sink appends log entries to the job log store and broadcasts them on the
// job's topic.
type Sink struct {
	logs   repositories.JobLogRepository
	hub    *websocket.Hub
	logger *zap.Logger
}

// New creates a Sink. hub may be nil in tests; broadcasting is skipped then.
func New(logs repositories.JobLogRepository, hub *websocket.Hub, logger *zap.Logger) *Sink {
	return &Sink{
		logs:   logs,
		hub:    hub,
		logger: logger.Named("logsink"),
	}
}

// Append persists one entry under (jobID, jobVersion, orgID) and publishes
// it to job:<id> subscribers. Entries are stored in arrival order; a new
// job version starts a fresh series.
func (s *Sink) Append(ctx context.Context, orgID, jobID uuid.UUID, jobVersion int, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	row := &db.JobLog{
		JobID:      jobID,
		JobVersion: jobVersion,
		OrgID:      orgID,
		Level:      entry.Level,
		Stage:      entry.Stage,
		Message:    entry.Message,
		Timestamp:  entry.Timestamp,
	}
	if err := s.logs.Append(ctx, row); err != nil {
		return fmt.Errorf("logsink: append: %w", err)
	}

	s.broadcast(jobID, entry)
	return nil
}

// HasSubscribers reports whether anyone is watching the job's topic.
func (s *Sink) HasSubscribers(jobID uuid.UUID) bool {
	if s.hub == nil {
		return false
	}
	return s.hub.HasSubscribers(jobTopic(jobID))
}

func (s *Sink) broadcast(jobID uuid.UUID, entry Entry) {
	if s.hub == nil {
		return
	}
	topic := jobTopic(jobID)
	if !s.hub.HasSubscribers(topic) {
		return
	}
	s.hub.Publish(topic, websocket.Message{
		Type:  websocket.MsgJobLog,
		Topic: topic,
		Payload: map[string]any{
			"level":     entry.Level,
			"stage":     entry.Stage,
			"message":   entry.Message,
			"timestamp": entry.Timestamp,
		},
	})
}

func jobTopic(jobID uuid.UUID) string {
	return "job:" + jobID.String()
}
