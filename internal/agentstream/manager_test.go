package agentstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/pkg/wire"
)

// fakeSender records frames and optionally forwards them to a hook, standing
// in for the gRPC server stream.
type fakeSender struct {
	mu     sync.Mutex
	frames []*wire.Frame
	onSend func(*wire.Frame)
	err    error
}

func (f *fakeSender) Send(frame *wire.Frame) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	hook := f.onSend
	err := f.err
	f.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return err
}

func (f *fakeSender) sent() []*wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.Frame(nil), f.frames...)
}

func TestWriteRequiresSession(t *testing.T) {
	m := New(zap.NewNop())
	frame, err := wire.NewFrame(wire.FrameHeartbeat, nil)
	require.NoError(t, err)

	err = m.Write(uuid.New(), frame)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegisterAndWrite(t *testing.T) {
	m := New(zap.NewNop())
	agentID, orgID := uuid.New(), uuid.New()
	sender := &fakeSender{}

	session := m.Register(agentID, orgID, sender)
	require.NotNil(t, session)
	assert.True(t, m.IsConnected(agentID))
	assert.Equal(t, orgID, session.OrgID)

	frame, err := wire.NewFrame(wire.FrameTaskAssignment, wire.TaskAssignmentPayload{JobID: "j1"})
	require.NoError(t, err)
	require.NoError(t, m.Write(agentID, frame))

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, wire.FrameTaskAssignment, sent[0].Kind)
}

func TestRegisterReplacesPriorSession(t *testing.T) {
	m := New(zap.NewNop())
	agentID := uuid.New()

	first := m.Register(agentID, uuid.New(), &fakeSender{})
	second := m.Register(agentID, uuid.New(), &fakeSender{})

	select {
	case <-first.Done():
	default:
		t.Fatal("prior session was not closed on reconnect")
	}

	frame, err := wire.NewFrame(wire.FrameHeartbeat, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, first.Write(frame), ErrNotConnected)
	assert.NoError(t, second.Write(frame))
	assert.Same(t, second, m.Get(agentID))
}

func TestUnregisterKeepsNewerSession(t *testing.T) {
	m := New(zap.NewNop())
	agentID := uuid.New()

	stale := m.Register(agentID, uuid.New(), &fakeSender{})
	current := m.Register(agentID, uuid.New(), &fakeSender{})

	// The stale handler unregisters after the reconnect already replaced it;
	// the registry must keep the live session.
	m.Unregister(stale)
	assert.Same(t, current, m.Get(agentID))

	m.Unregister(current)
	assert.False(t, m.IsConnected(agentID))
}

func TestPingAcknowledged(t *testing.T) {
	m := New(zap.NewNop())
	agentID := uuid.New()

	sender := &fakeSender{}
	sender.onSend = func(frame *wire.Frame) {
		// Echo the ping ID back the way an agent heartbeat would.
		var ping wire.HealthCheckPingPayload
		if err := frame.DecodePayload(wire.FrameHealthCheckPing, &ping); err != nil {
			return
		}
		go m.ResolvePing(ping.PingID)
	}
	m.Register(agentID, uuid.New(), sender)

	err := m.Ping(context.Background(), agentID, time.Second)
	assert.NoError(t, err)
}

func TestPingTimeout(t *testing.T) {
	m := New(zap.NewNop())
	agentID := uuid.New()
	m.Register(agentID, uuid.New(), &fakeSender{})

	err := m.Ping(context.Background(), agentID, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrPingTimeout)
}

func TestPingNotConnected(t *testing.T) {
	m := New(zap.NewNop())
	err := m.Ping(context.Background(), uuid.New(), time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPingContextCancelled(t *testing.T) {
	m := New(zap.NewNop())
	agentID := uuid.New()
	m.Register(agentID, uuid.New(), &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Ping(ctx, agentID, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolvePingUnknownID(t *testing.T) {
	m := New(zap.NewNop())
	// A heartbeat echoing a ping that already timed out must be a no-op.
	m.ResolvePing("stale-ping-id")
}

func TestSessionsSnapshot(t *testing.T) {
	m := New(zap.NewNop())
	m.Register(uuid.New(), uuid.New(), &fakeSender{})
	m.Register(uuid.New(), uuid.New(), &fakeSender{})
	assert.Len(t, m.Sessions(), 2)
}
