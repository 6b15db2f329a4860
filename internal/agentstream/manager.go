// Package agentstream maintains the in-memory registry of connected agent
// streams.
//
// When an agent opens its AgentStream and sends the INIT frame, the gRPC
// server registers the session here. Workflows and the health checker use
// the registry to push frames to the right agent and to run correlated
// ping/heartbeat round-trips over the open stream.
//
// All state is in-memory and intentionally non-persistent: if the server
// restarts, agents reconnect and re-register automatically via their
// reconnection loop. The persistent agent record (host, liveness counters)
// lives in the database and is managed by AgentRepository.
package agentstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/pkg/wire"
)

// ErrNotConnected is returned when a frame is addressed to an agent without
// a live stream session.
var ErrNotConnected = errors.New("agentstream: agent not connected")

// ErrPingTimeout is returned when a ping is not acknowledged within its
// deadline.
var ErrPingTimeout = errors.New("agentstream: ping not acknowledged")

// FrameSender is the outbound half of an agent stream. Satisfied by
// wire.AgentGateway_AgentStreamServer; narrowed so tests can register
// sessions without a real gRPC stream.
type FrameSender interface {
	Send(*wire.Frame) error
}

// Session is one live agent stream. Outbound frames are serialized by the
// write mutex; the stream handler goroutine owns all reads.
type Session struct {
	AgentID     uuid.UUID
	OrgID       uuid.UUID
	ConnectedAt time.Time

	stream  FrameSender
	writeMu sync.Mutex

	// closed is closed when the session is replaced or unregistered so the
	// stream handler can return and release the gRPC stream.
	closed    chan struct{}
	closeOnce sync.Once
}

// Write sends one frame on the session stream.
func (s *Session) Write(frame *wire.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closed:
		return ErrNotConnected
	default:
	}
	if err := s.stream.Send(frame); err != nil {
		return fmt.Errorf("agentstream: send %s frame: %w", frame.Kind, err)
	}
	return nil
}

// Close marks the session closed. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Done returns a channel closed when the session has been replaced or
// unregistered. Stream handlers select on it alongside their receive loop.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Manager is the in-memory registry of currently connected agent sessions.
// It is safe for concurrent use by multiple goroutines (gRPC server,
// workflow worker and health checks run in separate goroutines).
//
// The zero value is not usable — create instances with New.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session // keyed by agent ID

	pingMu  sync.Mutex
	pending map[string]chan struct{} // ping ID -> ack signal

	logger *zap.Logger
}

// New creates a new Manager instance.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[uuid.UUID]*Session),
		pending:  make(map[string]chan struct{}),
		logger:   logger.Named("agentstream"),
	}
}

// Register adds a session for an agent's open stream and returns it. If a
// session already exists for the agent (duplicate connection before the
// previous one timed out), the prior session is closed and replaced.
//
// Called by the gRPC server once the INIT frame has bound the stream.
func (m *Manager) Register(agentID, orgID uuid.UUID, stream FrameSender) *Session {
	session := &Session{
		AgentID:     agentID,
		OrgID:       orgID,
		ConnectedAt: time.Now().UTC(),
		stream:      stream,
		closed:      make(chan struct{}),
	}

	m.mu.Lock()
	prior, exists := m.sessions[agentID]
	m.sessions[agentID] = session
	m.mu.Unlock()

	if exists {
		// The agent reconnected before the server detected the previous
		// connection as dead (e.g. after a network blip).
		prior.Close()
		m.logger.Warn("replacing existing agent session",
			zap.String("agent_id", agentID.String()),
		)
	}

	m.logger.Info("agent stream connected",
		zap.String("agent_id", agentID.String()),
		zap.String("org_id", orgID.String()),
	)
	return session
}

// Unregister removes a session. The session argument guards against racing
// a reconnect: if the registry already holds a newer session for the agent,
// the newer one stays.
func (m *Manager) Unregister(session *Session) {
	m.mu.Lock()
	current, exists := m.sessions[session.AgentID]
	if exists && current == session {
		delete(m.sessions, session.AgentID)
	}
	m.mu.Unlock()

	session.Close()

	if exists && current == session {
		m.logger.Info("agent stream disconnected",
			zap.String("agent_id", session.AgentID.String()),
			zap.Duration("session_duration", time.Since(session.ConnectedAt)),
		)
	}
}

// Get returns the live session for an agent, or nil.
func (m *Manager) Get(agentID uuid.UUID) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[agentID]
}

// IsConnected reports whether the agent currently has a live session.
func (m *Manager) IsConnected(agentID uuid.UUID) bool {
	return m.Get(agentID) != nil
}

// Write sends a frame to one agent. Returns ErrNotConnected when no session
// exists.
func (m *Manager) Write(agentID uuid.UUID, frame *wire.Frame) error {
	session := m.Get(agentID)
	if session == nil {
		return ErrNotConnected
	}
	return session.Write(frame)
}

// Ping runs one correlated liveness round-trip: it sends a
// HEALTH_CHECK_PING carrying a fresh ping ID and waits until a HEARTBEAT
// echoing that ID arrives, the timeout expires, or ctx is cancelled.
func (m *Manager) Ping(ctx context.Context, agentID uuid.UUID, timeout time.Duration) error {
	pingID := uuid.NewString()

	ack := make(chan struct{}, 1)
	m.pingMu.Lock()
	m.pending[pingID] = ack
	m.pingMu.Unlock()
	defer func() {
		m.pingMu.Lock()
		delete(m.pending, pingID)
		m.pingMu.Unlock()
	}()

	frame, err := wire.NewFrame(wire.FrameHealthCheckPing, wire.HealthCheckPingPayload{
		PingID: pingID,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := m.Write(agentID, frame); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-timer.C:
		return ErrPingTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResolvePing acknowledges a pending ping. Called by the stream handler
// when a HEARTBEAT frame carries a ping ID. Unknown IDs (late heartbeats
// after the ping timed out) are ignored.
func (m *Manager) ResolvePing(pingID string) {
	m.pingMu.Lock()
	ack, ok := m.pending[pingID]
	m.pingMu.Unlock()
	if ok {
		select {
		case ack <- struct{}{}:
		default:
		}
	}
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	return result
}
