// Package websocket implements the real-time pub/sub hub that pushes server
// events to connected UI clients. It uses gorilla/websocket under the hood
// and exposes a topic-based broadcast API consumed by the log sink, the
// dispatch transitions, and the agent lifecycle handlers.
//
// Topic naming convention:
//
//	job:<uuid>    — status changes and streamed logs for a specific job
//	agent:<uuid>  — liveness transitions for a specific agent
package websocket

// MessageType identifies the kind of event carried by a Message.
// The UI uses this field to route the payload to the correct store update.
type MessageType string

const (
	// MsgJobStatus is sent when a job transitions between states
	// (queued → in-progress → completed | failed, review moves, archive).
	MsgJobStatus MessageType = "job.status"

	// MsgJobLog is sent for each log line streamed by the agent while it
	// executes the job. Delivery here is at-most-once; the persisted log
	// series is authoritative.
	MsgJobLog MessageType = "job.log"

	// MsgAgentStatus is sent when an agent registers, goes offline, or is
	// reconnected.
	MsgAgentStatus MessageType = "agent.status"

	// MsgPing is sent by the hub periodically to keep the connection alive
	// and let the client detect stale connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The UI deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"job.log","topic":"job:018f...","payload":{"level":"info","message":"..."}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	// Clients use it to associate the update with the correct UI element.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - job.status:   {"status":"in-progress","version":2}
	//   - job.log:      {"level":"info","stage":"generate","message":"...","timestamp":"..."}
	//   - agent.status: {"status":"active"}
	//   - ping:         {} (empty)
	Payload any `json:"payload"`
}
