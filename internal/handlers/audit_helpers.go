package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"messaging-service/internal/apperr"
	"messaging-service/internal/telemetry"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *int64 {
	if userID := c.GetInt64("userID"); userID != 0 {
		return &userID
	}
	return nil
}

func audit(c *gin.Context, emitter *telemetry.AuditEmitter, payload telemetry.AuditPayload) {
	emitter.Emit(c.Request.Context(), requestIDFromContext(c), userIDFromContext(c), payload)
}

// respondError writes err using the shared error-kind mapping and records it
// on the context for the request logger.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Message(err), "code": apperr.Code(err)})
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// queryInt reads an optional non-negative integer query parameter.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}
