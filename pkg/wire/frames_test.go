package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Run("log message payload survives the envelope", func(t *testing.T) {
		sent := LogMessagePayload{
			JobID:     "018f0000-0000-7000-8000-000000000001",
			Level:     "info",
			Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Message:   "cloning repository",
			Stage:     "setup",
		}
		frame, err := NewFrame(FrameLogMessage, sent)
		require.NoError(t, err)

		// The stream carries frames as JSON; decode through the same path the
		// server uses.
		raw, err := json.Marshal(frame)
		require.NoError(t, err)
		var received Frame
		require.NoError(t, json.Unmarshal(raw, &received))

		var got LogMessagePayload
		require.NoError(t, received.DecodePayload(FrameLogMessage, &got))
		assert.Equal(t, sent, got)
	})

	t.Run("kind mismatch is rejected before decoding", func(t *testing.T) {
		frame, err := NewFrame(FrameHeartbeat, HeartbeatPayload{AgentID: "a1"})
		require.NoError(t, err)

		var wrong InitPayload
		err = frame.DecodePayload(FrameInit, &wrong)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "frame kind HEARTBEAT")
	})

	t.Run("nil payload produces an empty envelope", func(t *testing.T) {
		frame, err := NewFrame(FrameHeartbeat, nil)
		require.NoError(t, err)
		assert.Nil(t, frame.Payload)
	})

	t.Run("unknown kinds decode into the envelope without error", func(t *testing.T) {
		// An older server must be able to receive frames from a newer agent
		// and skip kinds it does not know.
		raw := []byte(`{"kind":"FUTURE_KIND","payload":{"x":1}}`)
		var frame Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, FrameKind("FUTURE_KIND"), frame.Kind)
	})
}

func TestJSONCodec(t *testing.T) {
	codec := jsonCodec{}
	assert.Equal(t, CodecName, codec.Name())

	req := &ExecuteJobRequest{JobID: "j1", Prompt: "add a health endpoint"}
	data, err := codec.Marshal(req)
	require.NoError(t, err)

	var got ExecuteJobRequest
	require.NoError(t, codec.Unmarshal(data, &got))
	assert.Equal(t, *req, got)

	require.Error(t, codec.Unmarshal([]byte("{not json"), &got))
}

func TestDefaultCallOptions(t *testing.T) {
	// One option: the content-subtype pin. Clients that forget it would
	// negotiate proto and fail against the JSON services.
	assert.Len(t, DefaultCallOptions(), 1)
}
