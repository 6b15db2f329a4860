package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single wire write; a stalled peer is cut off
	// instead of blocking writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong after a ping.
	pongWait = 60 * time.Second

	// pingPeriod must stay below pongWait so the peer can answer in time.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. The protocol is server-push
	// only; clients send nothing but control frames.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. When it fills the
	// hub drops the client so one slow reader cannot stall the rest.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket upgrade. Origin validation is
// left to the reverse proxy in front of the server.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is one connected UI peer. Two goroutines serve it: readPump
// watches for disconnects and pongs, writePump serialises outgoing
// messages. The send channel is closed by the hub on unsubscribe, which
// makes writePump exit.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message

	// topics is fixed at connection time and read-only afterwards.
	topics []string

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and returns the client subscribed
// to the given topics. The returned client is inert until Run is called.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client with the hub and pumps until the connection
// closes. Called from the HTTP handler after the upgrade, so blocking here
// is fine.
func (c *Client) Run() {
	c.hub.Subscribe(c)
	go c.writePump()
	c.readPump()
}

// readPump consumes inbound frames to detect disconnection and to reset
// the read deadline on each pong. On exit the client is unsubscribed.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the single writer on conn; gorilla connections do not allow
// concurrent writes. It forwards the send channel to the wire and pings on
// a ticker so readPump notices dead peers.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: set write deadline", zap.Error(err))
				return
			}
			if !ok {
				// Channel closed by the hub: say goodbye and stop.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping", zap.Error(err))
				return
			}
		}
	}
}
