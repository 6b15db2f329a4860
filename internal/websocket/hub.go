package websocket

import (
	"context"
	"sync"
)

// Hub fans published messages out to connected clients by topic. Topics
// are plain strings; the server publishes on "job:<uuid>" for per-job
// status and log frames and on "agents" for agent liveness changes.
//
// Membership changes flow through the register and unregister channels
// and are applied by the Run loop. Publish and the read-only accessors
// take the lock directly so they can run from any goroutine without
// waiting on the loop.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
}

// Run processes membership changes until ctx is cancelled. Call it once,
// in its own goroutine. On shutdown every client's send channel is closed
// so the write pumps exit.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	for _, topic := range c.topics {
		set := h.topics[topic]
		if set == nil {
			set = make(map[*Client]struct{})
			h.topics[topic] = set
		}
		set[c] = struct{}{}
	}
}

// remove drops the client from every topic and closes its send channel.
// Removing a client twice is a no-op, which matters because Publish may
// queue an unregister for a client whose readPump already did.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for _, topic := range c.topics {
		delete(h.topics[topic], c)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
	}
	close(c.send)
}

// Publish delivers msg to every subscriber of topic. Delivery is
// best-effort: a client whose buffer is full gets unregistered rather
// than letting it hold up the publisher.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	for _, c := range subscribers {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// Subscribe hands the client to the Run loop. The client starts receiving
// messages for its topics once the loop picks it up.
func (h *Hub) Subscribe(c *Client) {
	h.register <- c
}

// Unsubscribe queues the client for removal. Its send channel is closed
// once the Run loop processes it.
func (h *Hub) Unsubscribe(c *Client) {
	h.unregister <- c
}

// HasSubscribers reports whether anyone listens on topic. The log sink
// checks this before building broadcast payloads.
func (h *Hub) HasSubscribers(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic]) > 0
}

// ConnectedCount returns the number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
