// Package wire defines the protocol spoken between the Overseer server and
// its remote execution agents: the frame envelope carried on the persistent
// AgentStream, the request/response messages of both gRPC services, the JSON
// codec they are encoded with, and hand-written gRPC service descriptors.
//
// The package lives under pkg/ rather than internal/ because external agent
// implementations import it to speak the protocol.
//
// Frames use a tagged-union layout: a Kind discriminator plus an opaque
// Payload holding the kind-specific JSON document. Decoding dispatches on
// Kind, so unknown kinds can be skipped by older peers without a decode
// error — new frame kinds are backward compatible by construction.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameKind discriminates the payload type carried by a Frame.
type FrameKind string

const (
	// FrameInit must be the first frame an agent sends after opening the
	// stream. It binds the stream session to the agent's identity.
	FrameInit FrameKind = "INIT"

	// FrameHeartbeat is sent by the agent to signal liveness, either
	// spontaneously or in reply to a HEALTH_CHECK_PING.
	FrameHeartbeat FrameKind = "HEARTBEAT"

	// FrameLogMessage carries one structured log line emitted by the agent
	// while executing a job.
	FrameLogMessage FrameKind = "LOG_MESSAGE"

	// FrameHealthCheckPing is sent by the server; the agent answers with a
	// HEARTBEAT echoing the ping ID.
	FrameHealthCheckPing FrameKind = "HEALTH_CHECK_PING"

	// FrameTaskAssignment notifies the agent that a job has been claimed for
	// it, ahead of the ExecuteJob RPC, so it can start preparing a workspace.
	FrameTaskAssignment FrameKind = "TASK_ASSIGNMENT"
)

// Frame is the envelope for every message on the AgentStream, in both
// directions. Payload is the JSON encoding of the kind-specific payload
// struct below.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload is carried by FrameInit.
type InitPayload struct {
	AgentID string `json:"agent_id"`
}

// HeartbeatPayload is carried by FrameHeartbeat. PingID is non-empty when
// the heartbeat answers a specific HEALTH_CHECK_PING; empty heartbeats are
// plain liveness signals.
type HeartbeatPayload struct {
	AgentID string `json:"agent_id"`
	PingID  string `json:"ping_id,omitempty"`
}

// LogMessagePayload is carried by FrameLogMessage.
type LogMessagePayload struct {
	JobID     string    `json:"job_id"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
}

// HealthCheckPingPayload is carried by FrameHealthCheckPing.
type HealthCheckPingPayload struct {
	PingID string    `json:"ping_id"`
	SentAt time.Time `json:"sent_at"`
}

// TaskAssignmentPayload is carried by FrameTaskAssignment.
type TaskAssignmentPayload struct {
	JobID     string `json:"job_id"`
	QueueType string `json:"queue_type"`
	Prompt    string `json:"prompt"`
	RepoID    string `json:"repo_id,omitempty"`
}

// NewFrame builds a Frame of the given kind with payload JSON-encoded into
// the envelope. payload may be nil for kinds without a body.
func NewFrame(kind FrameKind, payload any) (*Frame, error) {
	f := &Frame{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: encode %s payload: %w", kind, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into dst after checking the
// frame kind matches want. Returns an error on kind mismatch so callers
// never decode a payload under the wrong type.
func (f *Frame) DecodePayload(want FrameKind, dst any) error {
	if f.Kind != want {
		return fmt.Errorf("wire: frame kind %s, want %s", f.Kind, want)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", f.Kind, err)
	}
	return nil
}
