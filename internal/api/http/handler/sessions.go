package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wardenhq/warden/internal/api/http/dto"
	"github.com/wardenhq/warden/internal/server"
)

type SessionsHandler struct {
	registry *server.Registry
}

func NewSessionsHandler(registry *server.Registry) *SessionsHandler {
	return &SessionsHandler{registry: registry}
}

// ListSessions returns the currently connected agents
// GET /sessions
func (h *SessionsHandler) ListSessions(c *gin.Context) {
	sessions := h.registry.List()

	responses := make([]dto.SessionResponse, len(sessions))
	for i, s := range sessions {
		responses[i] = dto.SessionResponse{
			SessionID:   s.ID,
			Hostname:    s.Hostname,
			RemoteAddr:  s.RemoteAddr,
			ConnectedAt: s.ConnectedAt,
		}
	}

	c.JSON(http.StatusOK, dto.ListSessionsResponse{Sessions: responses, Count: len(responses)})
}

// KickSession forcefully disconnects an agent without touching its token
// DELETE /sessions/:hostname
func (h *SessionsHandler) KickSession(c *gin.Context) {
	hostname := c.Param("hostname")

	if !h.registry.Kick(hostname) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not connected"})
		return
	}

	slog.Info("Agent kicked via admin API", "hostname", hostname)
	c.JSON(http.StatusOK, gin.H{"message": "agent disconnected"})
}
