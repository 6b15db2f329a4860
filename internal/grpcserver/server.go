// Package grpcserver implements the gRPC surface agents connect to.
//
// The server listens on a dedicated port (default: 9090) separate from the
// REST API port (8080). It implements the overseer.AgentGateway service
// defined in pkg/wire and acts as the bridge between connected agents and
// the rest of the server: it delegates session lifecycle to agentstream,
// persistence to the repositories, and log ingestion to the log sink.
//
// Security note: in production, the gRPC listener should be wrapped with
// TLS. Agents authenticate with their org's API key in RegisterAgent; the
// stream is bound to an agent identity by its INIT frame.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/uuid"
	"github.com/overseer-dev/overseer/internal/agentstream"
	"github.com/overseer-dev/overseer/internal/auth"
	"github.com/overseer-dev/overseer/internal/db"
	"github.com/overseer-dev/overseer/internal/logsink"
	"github.com/overseer-dev/overseer/internal/metrics"
	"github.com/overseer-dev/overseer/internal/repositories"
	"github.com/overseer-dev/overseer/pkg/wire"
)

// ScheduleActivator is the post-registration hook into the workflow engine:
// it creates or unpauses the agent's dispatch and health-check schedules.
// Implemented by the workflows schedule manager.
type ScheduleActivator interface {
	EnsureSchedules(ctx context.Context, agentID uuid.UUID) error
}

// Server is the gRPC server that handles agent connections.
type Server struct {
	streams   *agentstream.Manager
	agents    repositories.AgentRepository
	apiKeys   repositories.APIKeyRepository
	jobs      repositories.JobRepository
	sink      *logsink.Sink
	schedules ScheduleActivator
	logger    *zap.Logger
	version   string
}

// New creates a new Server instance with the given dependencies. schedules
// may be nil in tests; the registration hook is skipped then.
func New(
	streams *agentstream.Manager,
	agents repositories.AgentRepository,
	apiKeys repositories.APIKeyRepository,
	jobs repositories.JobRepository,
	sink *logsink.Sink,
	schedules ScheduleActivator,
	logger *zap.Logger,
	version string,
) *Server {
	return &Server{
		streams:   streams,
		agents:    agents,
		apiKeys:   apiKeys,
		jobs:      jobs,
		sink:      sink,
		schedules: schedules,
		logger:    logger.Named("grpcserver"),
		version:   version,
	}
}

// ListenAndServe starts the gRPC server and blocks until the context is
// cancelled or a fatal error occurs.
//
// The caller is responsible for passing a context that is cancelled on
// shutdown (e.g. via signal handling in cmd/server/main.go).
func (s *Server) ListenAndServe(ctx context.Context, listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("grpcserver: failed to listen on %s: %w", listenAddr, err)
	}

	grpcServer := grpc.NewServer()
	wire.RegisterAgentGatewayServer(grpcServer, s)

	// Shutdown goroutine: when the context is cancelled (server shutdown),
	// GracefulStop drains in-flight RPCs before closing connections.
	go func() {
		<-ctx.Done()
		s.logger.Info("grpc server shutting down gracefully")
		grpcServer.GracefulStop()
	}()

	s.logger.Info("grpc server listening", zap.String("addr", listenAddr))

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("grpcserver: serve: %w", err)
	}
	return nil
}

// RegisterAgent authenticates the API key and upserts the agent record on
// (org, host). If the agent was not previously active, the schedule hook is
// asked to create or unpause its dispatch and health-check schedules; hook
// failure is logged and never fails the registration, since the agent will
// retry the hook on its next reconnect.
func (s *Server) RegisterAgent(ctx context.Context, req *wire.RegisterAgentRequest) (*wire.RegisterAgentResponse, error) {
	logger := s.logger.With(zap.String("hostname", req.Hostname))

	key, err := s.apiKeys.GetByHash(ctx, auth.HashAPIKey(req.APIKey))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		logger.Error("api key lookup failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "registration failed")
	}

	agent := &db.Agent{
		OrgID: key.OrgID,
		Host:  req.Hostname,
		IP:    req.IP,
		Port:  req.Port,
	}
	priorStatus, err := s.agents.Register(ctx, agent)
	if err != nil {
		logger.Error("agent upsert failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "registration failed")
	}

	metrics.AgentRegistrations.Inc()
	logger.Info("agent registered",
		zap.String("agent_id", agent.ID.String()),
		zap.String("org_id", key.OrgID.String()),
		zap.String("prior_status", priorStatus),
	)

	if priorStatus != db.AgentStatusActive && s.schedules != nil {
		if err := s.schedules.EnsureSchedules(ctx, agent.ID); err != nil {
			// Deliberately non-fatal: registration already committed, and the
			// hook runs again the next time the agent reconnects.
			logger.Warn("schedule activation failed",
				zap.String("agent_id", agent.ID.String()),
				zap.Error(err),
			)
		}
	}

	return &wire.RegisterAgentResponse{
		AgentID: agent.ID.String(),
		OrgID:   key.OrgID.String(),
		Success: true,
	}, nil
}

// HealthCheck answers agent-initiated liveness probes of the server.
func (s *Server) HealthCheck(ctx context.Context, req *wire.HealthCheckRequest) (*wire.HealthCheckResponse, error) {
	return &wire.HealthCheckResponse{
		Success:   true,
		Timestamp: time.Now().UTC(),
		Version:   s.version,
	}, nil
}

// AgentStream is the persistent bidirectional frame channel. The first
// frame must be INIT, which binds the stream to an agent identity; the
// handler then processes inbound frames until the agent disconnects or the
// session is replaced by a reconnect.
func (s *Server) AgentStream(stream wire.AgentGateway_AgentStreamServer) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return status.Error(codes.InvalidArgument, "stream closed before INIT")
	}
	var init wire.InitPayload
	if err := first.DecodePayload(wire.FrameInit, &init); err != nil {
		return status.Error(codes.InvalidArgument, "first frame must be INIT")
	}
	agentID, err := uuid.Parse(init.AgentID)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid agent_id")
	}

	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		s.logger.Warn("stream INIT for unknown agent", zap.String("agent_id", init.AgentID))
		return status.Error(codes.NotFound, "agent not found, call RegisterAgent first")
	}

	now := time.Now().UTC()
	if err := s.agents.TouchStreamConnect(ctx, agentID, now); err != nil {
		s.logger.Warn("failed to stamp stream connect",
			zap.String("agent_id", init.AgentID), zap.Error(err))
	}
	if agent.Status != db.AgentStatusActive {
		if err := s.agents.SetStatus(ctx, agentID, db.AgentStatusActive); err != nil {
			s.logger.Warn("failed to mark agent active",
				zap.String("agent_id", init.AgentID), zap.Error(err))
		}
	}

	session := s.streams.Register(agentID, agent.OrgID, stream)
	defer s.streams.Unregister(session)
	metrics.ConnectedStreams.Inc()
	defer metrics.ConnectedStreams.Dec()

	for {
		// A reconnect replaces the session; this handler must release the
		// old stream instead of consuming frames meant for the new one.
		select {
		case <-session.Done():
			return nil
		default:
		}

		frame, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Info("agent stream closed",
				zap.String("agent_id", init.AgentID), zap.Error(err))
			return nil
		}

		s.handleFrame(ctx, session, frame)
	}
}

// handleFrame dispatches one inbound frame. Malformed or mis-scoped frames
// are dropped with a warning; a bad frame never tears down the stream.
func (s *Server) handleFrame(ctx context.Context, session *agentstream.Session, frame *wire.Frame) {
	switch frame.Kind {
	case wire.FrameHeartbeat:
		var hb wire.HeartbeatPayload
		if err := frame.DecodePayload(wire.FrameHeartbeat, &hb); err != nil {
			s.logger.Warn("malformed heartbeat frame", zap.Error(err))
			return
		}
		if hb.PingID != "" {
			s.streams.ResolvePing(hb.PingID)
		}
		if err := s.agents.Touch(ctx, session.AgentID, time.Now().UTC()); err != nil {
			s.logger.Warn("heartbeat touch failed",
				zap.String("agent_id", session.AgentID.String()), zap.Error(err))
		}

	case wire.FrameLogMessage:
		var msg wire.LogMessagePayload
		if err := frame.DecodePayload(wire.FrameLogMessage, &msg); err != nil {
			s.logger.Warn("malformed log frame", zap.Error(err))
			return
		}
		s.ingestLog(ctx, session, msg)

	case wire.FrameInit:
		// Duplicate INIT after binding; ignore.

	default:
		s.logger.Warn("unexpected frame kind",
			zap.String("kind", string(frame.Kind)),
			zap.String("agent_id", session.AgentID.String()),
		)
	}
}

// ingestLog appends a LOG_MESSAGE frame to the job's log series. Frames for
// unknown jobs or jobs of another org are dropped silently: the agent is
// not a trusted reporter of job identity.
func (s *Server) ingestLog(ctx context.Context, session *agentstream.Session, msg wire.LogMessagePayload) {
	jobID, err := uuid.Parse(msg.JobID)
	if err != nil {
		return
	}
	job, err := s.jobs.Latest(ctx, session.OrgID, jobID)
	if err != nil {
		return
	}
	entry := logsink.Entry{
		Level:     msg.Level,
		Stage:     msg.Stage,
		Message:   msg.Message,
		Timestamp: msg.Timestamp,
	}
	if err := s.sink.Append(ctx, job.OrgID, job.ID, job.Version, entry); err != nil {
		s.logger.Warn("log append failed",
			zap.String("job_id", msg.JobID), zap.Error(err))
	}
}
