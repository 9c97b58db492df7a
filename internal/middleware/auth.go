package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/auth"
	"messaging-service/internal/directory"
)

// AuthMiddleware validates the bearer token and stores the caller's user id
// under "userID".
func AuthMiddleware(verifier auth.Verifier, users *directory.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, ok := auth.BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		users.Remember(identity.UserID, identity.Username)

		c.Set("userID", identity.UserID)
		c.Set("identity", identity)
		c.Next()
	}
}
