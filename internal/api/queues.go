package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/repositories"
)

// QueueHandler exposes the per-org queue controls: pause, resume and a
// status view of each queue. Pausing stops new claims only; in-progress
// jobs run to completion.
type QueueHandler struct {
	jobs   repositories.JobRepository
	pauses repositories.QueuePauseRepository
	logger *zap.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(
	jobs repositories.JobRepository,
	pauses repositories.QueuePauseRepository,
	logger *zap.Logger,
) *QueueHandler {
	return &QueueHandler{
		jobs:   jobs,
		pauses: pauses,
		logger: logger.Named("queue_handler"),
	}
}

// queueStatusResponse reports one queue's pause flag and contents.
type queueStatusResponse struct {
	QueueType string        `json:"queue_type"`
	Paused    bool          `json:"paused"`
	Length    int           `json:"length"`
	Jobs      []jobResponse `json:"jobs"`
}

// parseQueueType validates the {queue_type} path parameter.
func parseQueueType(w http.ResponseWriter, r *http.Request) (string, bool) {
	queue := chi.URLParam(r, "queue_type")
	if queue != db.QueueBacklog && queue != db.QueueRework {
		ErrBadRequest(w, "queue_type must be backlog or rework")
		return "", false
	}
	return queue, true
}

// Pause handles POST /api/v1/queues/{queue_type}/pause.
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// Resume handles POST /api/v1/queues/{queue_type}/resume.
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *QueueHandler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	queue, ok := parseQueueType(w, r)
	if !ok {
		return
	}

	if err := h.pauses.SetPaused(r.Context(), orgID, queue, paused); err != nil {
		h.logger.Error("failed to set queue pause",
			zap.String("queue", queue), zap.Bool("paused", paused), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("queue pause changed",
		zap.String("org_id", orgID.String()),
		zap.String("queue", queue),
		zap.Bool("paused", paused),
	)
	Ok(w, map[string]any{"queue_type": queue, "paused": paused})
}

// Status handles GET /api/v1/queues/{queue_type}/status. Returns the pause
// flag and the queued jobs in order.
func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromCtx(w, r)
	if !ok {
		return
	}
	queue, ok := parseQueueType(w, r)
	if !ok {
		return
	}

	paused, err := h.pauses.IsPaused(r.Context(), orgID, queue)
	if err != nil {
		h.logger.Error("failed to read queue pause", zap.String("queue", queue), zap.Error(err))
		ErrInternal(w)
		return
	}
	jobs, err := h.jobs.ListQueued(r.Context(), orgID, queue)
	if err != nil {
		h.logger.Error("failed to list queued jobs", zap.String("queue", queue), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i], false)
	}
	Ok(w, queueStatusResponse{
		QueueType: queue,
		Paused:    paused,
		Length:    len(items),
		Jobs:      items,
	})
}
