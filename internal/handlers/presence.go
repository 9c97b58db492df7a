package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/presence"
)

// PresenceHandler exposes the presence registry.
type PresenceHandler struct {
	registry *presence.Registry
}

func NewPresenceHandler(registry *presence.Registry) *PresenceHandler {
	return &PresenceHandler{registry: registry}
}

func (h *PresenceHandler) Online(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user_ids": h.registry.OnlineUsers()})
}

func (h *PresenceHandler) User(c *gin.Context) {
	userID, ok := paramID(c, "user_id")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":     userID,
		"online":      h.registry.IsOnline(userID),
		"connections": h.registry.ConnectionCount(userID),
	})
}
