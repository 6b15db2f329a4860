package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/agentstream"
	"github.com/overseer-dev/overseer/internal/auth"
	"github.com/overseer-dev/overseer/internal/dispatch"
	"github.com/overseer-dev/overseer/internal/repositories"
	"github.com/overseer-dev/overseer/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	JWTManager  *auth.JWTManager
	Transitions *dispatch.Transitions
	Starter     WorkflowStarter
	Schedules   ScheduleController
	Streams     *agentstream.Manager
	Hub         *websocket.Hub
	Logger      *zap.Logger

	// Repositories — handlers use them directly; orchestration lives in the
	// dispatch layer.
	Jobs       repositories.JobRepository
	JobLogs    repositories.JobLogRepository
	QueuePause repositories.QueuePauseRepository
	Agents     repositories.AgentRepository
	Repos      repositories.RepoRepository
	APIKeys    repositories.APIKeyRepository
	Activities repositories.ActivityRepository
}

// NewRouter builds and returns the fully configured Chi router.
// All resources live under /api/v1; /metrics and /healthz are unauthenticated
// operational endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Operational endpoints ---
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})

	// --- Initialize handlers ---
	jobHandler := NewJobHandler(cfg.Jobs, cfg.JobLogs, cfg.Transitions, cfg.Starter, cfg.Logger)
	queueHandler := NewQueueHandler(cfg.Jobs, cfg.QueuePause, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Streams, cfg.Schedules, cfg.Logger)
	repoHandler := NewRepoHandler(cfg.Repos, cfg.Logger)
	apiKeyHandler := NewAPIKeyHandler(cfg.APIKeys, cfg.Logger)
	activityHandler := NewActivityHandler(cfg.Activities, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.JWTManager, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {

		// WebSocket authenticates via query parameter inside the handler.
		r.Get("/ws", wsHandler.ServeWS)

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTManager))

			// Jobs
			r.Post("/jobs", jobHandler.Create)
			r.Get("/jobs", jobHandler.List)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Put("/jobs/{id}", jobHandler.Update)
			r.Delete("/jobs/{id}", jobHandler.Archive)
			r.Get("/jobs/{id}/logs", jobHandler.GetLogs)
			r.Post("/jobs/{id}/execute", jobHandler.Execute)
			r.Post("/jobs/{id}/reprioritize", jobHandler.Reprioritize)

			// Queues
			r.Post("/queues/{queue_type}/pause", queueHandler.Pause)
			r.Post("/queues/{queue_type}/resume", queueHandler.Resume)
			r.Get("/queues/{queue_type}/status", queueHandler.Status)

			// Agents
			r.Get("/agents", agentHandler.List)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Patch("/agents/{id}", agentHandler.Update)
			r.Delete("/agents/{id}", agentHandler.Delete)
			r.Post("/agents/{id}/reconnect", agentHandler.Reconnect)

			// Repos
			r.Get("/repos", repoHandler.List)
			r.Post("/repos", repoHandler.Create)
			r.Get("/repos/{id}", repoHandler.GetByID)
			r.Patch("/repos/{id}", repoHandler.Update)
			r.Delete("/repos/{id}", repoHandler.Delete)

			// Activities
			r.Get("/activities", activityHandler.List)
			r.Patch("/activities/{id}/read", activityHandler.MarkRead)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				// API key management
				r.Get("/api-keys", apiKeyHandler.List)
				r.Post("/api-keys", apiKeyHandler.Create)
				r.Delete("/api-keys/{id}", apiKeyHandler.Delete)
			})
		})
	})

	return r
}
