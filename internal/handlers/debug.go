package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/presence"
	"messaging-service/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, registry *presence.Registry, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		audit(c, emitter, telemetry.AuditPayload{Action: "debug.audit_test", Text: "audit test"})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/presence", func(c *gin.Context) {
		users := registry.OnlineUsers()
		connections := make(map[int64]int, len(users))
		for _, id := range users {
			connections[id] = registry.ConnectionCount(id)
		}
		c.JSON(http.StatusOK, gin.H{"connections": connections})
	})
}
