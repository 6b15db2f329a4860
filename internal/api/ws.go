package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/overseer-dev/overseer/internal/auth"
	"github.com/overseer-dev/overseer/internal/websocket"
)

// WSHandler serves GET /api/v1/ws, the live event stream for the UI.
//
// The browser WebSocket API cannot set an Authorization header, so the
// JWT rides in the `token` query parameter instead. Topics come from the
// `topics` parameter as a comma-separated list:
//
//	ws://host/api/v1/ws?token=<jwt>&topics=job:uuid1,agents
type WSHandler struct {
	hub    *websocket.Hub
	jwtMgr *auth.JWTManager
	logger *zap.Logger
}

func NewWSHandler(hub *websocket.Hub, jwtMgr *auth.JWTManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, jwtMgr: jwtMgr, logger: logger.Named("ws_handler")}
}

// ServeWS authenticates the request, upgrades the connection and pumps
// messages until the peer goes away. Blocking in the handler for the
// lifetime of the connection is normal for WebSocket endpoints.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.jwtMgr.ValidateAccessToken(r.URL.Query().Get("token"))
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	topics := resolveTopics(r)
	if len(topics) == 0 {
		ErrBadRequest(w, "at least one topic is required")
		return
	}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader already wrote its own error response.
		h.logger.Warn("ws: upgrade failed", zap.String("user_id", claims.UserID), zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics parses the `topics` parameter, skipping blanks and
// duplicates. Topics nothing ever publishes to are harmless, so there is
// no validation against a known set.
func resolveTopics(r *http.Request) []string {
	var topics []string
	seen := make(map[string]struct{})
	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	return topics
}
