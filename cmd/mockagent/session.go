package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/overseer-dev/overseer/pkg/wire"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0

	// jitterFraction spreads reconnects so a fleet of agents does not hit
	// a restarted server in lockstep.
	jitterFraction = 0.2

	// heartbeatInterval must stay well under the server's ping cadence so
	// the agent reads as alive between server pings.
	heartbeatInterval = 30 * time.Second
)

// session owns the gateway side of the agent: registration and the
// persistent frame stream. One connect cycle is dial, register, INIT, then
// heartbeats and inbound frames until the stream drops.
type session struct {
	cfg    *config
	logger *zap.Logger
}

func newSession(cfg *config, logger *zap.Logger) *session {
	return &session{cfg: cfg, logger: logger.Named("session")}
}

// runLoop reconnects with exponential backoff until ctx is cancelled.
func (s *session) runLoop(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			s.logger.Info("session loop stopped")
			return
		}

		s.logger.Info("connecting to server", zap.String("addr", s.cfg.serverAddr))
		if err := s.connect(ctx); err != nil {
			s.logger.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial
	}
}

// connect runs one full session against the gateway.
func (s *session) connect(ctx context.Context) error {
	conn, err := grpc.NewClient(
		s.cfg.serverAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(wire.DefaultCallOptions()...),
	)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	client := wire.NewAgentGatewayClient(conn)

	resp, err := client.RegisterAgent(ctx, &wire.RegisterAgentRequest{
		APIKey:   s.cfg.apiKey,
		Hostname: s.cfg.hostname,
		Port:     s.cfg.runnerPort,
	})
	if err != nil {
		return fmt.Errorf("RegisterAgent failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("registration rejected: %s", resp.Message)
	}
	s.logger.Info("registered",
		zap.String("agent_id", resp.AgentID),
		zap.String("org_id", resp.OrgID),
	)

	stream, err := client.AgentStream(ctx)
	if err != nil {
		return fmt.Errorf("AgentStream open failed: %w", err)
	}
	w := &frameWriter{stream: stream}

	init, err := wire.NewFrame(wire.FrameInit, wire.InitPayload{AgentID: resp.AgentID})
	if err != nil {
		return err
	}
	if err := w.send(init); err != nil {
		return fmt.Errorf("INIT send failed: %w", err)
	}

	// Heartbeats and inbound frames run until either side fails; the first
	// error tears the session down and the outer loop reconnects.
	errCh := make(chan error, 2)
	go func() { errCh <- s.heartbeatLoop(ctx, w, resp.AgentID) }()
	go func() { errCh <- s.recvLoop(w, resp.AgentID) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *session) heartbeatLoop(ctx context.Context, w *frameWriter, agentID string) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			frame, err := wire.NewFrame(wire.FrameHeartbeat, wire.HeartbeatPayload{AgentID: agentID})
			if err != nil {
				return err
			}
			if err := w.send(frame); err != nil {
				return fmt.Errorf("heartbeat send: %w", err)
			}
			s.logger.Debug("heartbeat sent")
		}
	}
}

// recvLoop consumes server frames: pings are answered with a heartbeat
// echoing the ping ID, task assignments are only logged since the server
// follows up with an ExecuteJob RPC against the runner service.
func (s *session) recvLoop(w *frameWriter, agentID string) error {
	for {
		frame, err := w.stream.Recv()
		if err != nil {
			return fmt.Errorf("stream recv: %w", err)
		}

		switch frame.Kind {
		case wire.FrameHealthCheckPing:
			var ping wire.HealthCheckPingPayload
			if err := frame.DecodePayload(wire.FrameHealthCheckPing, &ping); err != nil {
				s.logger.Warn("malformed ping frame", zap.Error(err))
				continue
			}
			pong, err := wire.NewFrame(wire.FrameHeartbeat, wire.HeartbeatPayload{
				AgentID: agentID,
				PingID:  ping.PingID,
			})
			if err != nil {
				return err
			}
			if err := w.send(pong); err != nil {
				return fmt.Errorf("pong send: %w", err)
			}
			s.logger.Debug("answered ping", zap.String("ping_id", ping.PingID))

		case wire.FrameTaskAssignment:
			var task wire.TaskAssignmentPayload
			if err := frame.DecodePayload(wire.FrameTaskAssignment, &task); err != nil {
				s.logger.Warn("malformed task frame", zap.Error(err))
				continue
			}
			s.logger.Info("task assigned",
				zap.String("job_id", task.JobID),
				zap.String("queue", task.QueueType),
			)

		default:
			s.logger.Debug("ignoring frame", zap.String("kind", string(frame.Kind)))
		}
	}
}

// frameWriter serializes stream sends; heartbeats and ping replies come
// from different goroutines and gRPC allows one concurrent sender.
type frameWriter struct {
	mu     sync.Mutex
	stream wire.AgentGateway_AgentStreamClient
}

func (w *frameWriter) send(f *wire.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stream.Send(f)
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	return time.Duration(float64(d) + (rand.Float64()*2-1)*delta)
}
