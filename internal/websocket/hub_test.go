package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient builds a client that is registered with the hub but has no
// underlying connection; tests read delivered messages from the send channel
// directly instead of running the pumps.
func newTestClient(h *Hub, topics ...string) *Client {
	return &Client{
		hub:    h,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
	}
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func waitSubscribed(t *testing.T, h *Hub, topic string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.HasSubscribers(topic)
	}, time.Second, time.Millisecond)
}

func TestPublishRoutesByTopic(t *testing.T) {
	h := runHub(t)

	jobClient := newTestClient(h, "job:abc")
	agentClient := newTestClient(h, "agents")
	h.Subscribe(jobClient)
	h.Subscribe(agentClient)
	waitSubscribed(t, h, "job:abc")
	waitSubscribed(t, h, "agents")

	h.Publish("job:abc", Message{Type: MsgJobStatus, Topic: "job:abc", Payload: map[string]any{"status": "queued"}})

	select {
	case msg := <-jobClient.send:
		assert.Equal(t, MsgJobStatus, msg.Type)
		assert.Equal(t, "job:abc", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("subscribed client did not receive the message")
	}

	select {
	case msg := <-agentClient.send:
		t.Fatalf("client on another topic received %v", msg)
	default:
	}
}

func TestUnsubscribeClosesSend(t *testing.T) {
	h := runHub(t)

	c := newTestClient(h, "job:abc")
	h.Subscribe(c)
	waitSubscribed(t, h, "job:abc")
	assert.Equal(t, 1, h.ConnectedCount())

	h.Unsubscribe(c)
	require.Eventually(t, func() bool {
		return !h.HasSubscribers("job:abc")
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.ConnectedCount())

	_, open := <-c.send
	assert.False(t, open, "send channel must be closed on unregister")
}

func TestSlowClientIsDisconnected(t *testing.T) {
	h := runHub(t)

	c := newTestClient(h, "job:abc")
	h.Subscribe(c)
	waitSubscribed(t, h, "job:abc")

	// Nobody drains the send channel; once it is full, the next publish must
	// drop the client instead of blocking other subscribers.
	for i := 0; i < sendBufferSize+1; i++ {
		h.Publish("job:abc", Message{Type: MsgJobLog, Topic: "job:abc"})
	}

	require.Eventually(t, func() bool {
		return h.ConnectedCount() == 0
	}, time.Second, time.Millisecond)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	h := runHub(t)
	// Must not panic or block.
	h.Publish("job:nobody", Message{Type: MsgJobStatus, Topic: "job:nobody"})
	assert.False(t, h.HasSubscribers("job:nobody"))
}
