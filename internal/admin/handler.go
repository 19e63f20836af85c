// Package admin exposes operator controls over live interview sessions.
package admin

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-interview/backend/pkg/response"
)

// LiveSessions is the local view of live sessions.
type LiveSessions interface {
	ForceClose(id, reason string) bool
	IDs() []string
}

// Broadcaster relays a forced close to other server instances.
type Broadcaster interface {
	PublishForceClose(ctx context.Context, sessionID, reason string) error
}

// CloseRequest is the body of POST /close-connection.
type CloseRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Reason    string `json:"reason"`
}

// Handler serves admin endpoints.
type Handler struct {
	live   LiveSessions
	peers  Broadcaster
	logger *zap.Logger
}

// NewHandler creates an admin handler. peers may be nil on a single instance.
func NewHandler(live LiveSessions, peers Broadcaster, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{live: live, peers: peers, logger: logger}
}

// CloseConnection handles POST /close-connection. It succeeds whether or not the session is live.
func (h *Handler) CloseConnection(c *gin.Context) {
	var req CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		response.BadRequest(c, "sessionId is required")
		return
	}
	id := strings.TrimSpace(req.SessionID)

	closed := h.live.ForceClose(id, req.Reason)
	if h.peers != nil {
		if err := h.peers.PublishForceClose(c.Request.Context(), id, req.Reason); err != nil {
			h.logger.Warn("Failed to broadcast forced close", zap.String("session_id", id), zap.Error(err))
		}
	}
	h.logger.Info("Forced close requested", zap.String("session_id", id), zap.Bool("closed_locally", closed))
	response.OK(c, gin.H{"sessionId": id, "closed": closed})
}

// ListLive handles GET /sessions/live.
func (h *Handler) ListLive(c *gin.Context) {
	ids := h.live.IDs()
	response.OK(c, gin.H{"sessions": ids, "count": len(ids)})
}
