package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ringline/internal/core/services"
	"ringline/pkg/logger"
)

const claimsKey = "claims"

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a valid bearer token. The claims are stored on the
// gin context and in the request context for services.ClaimsFromContext.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		ctx := services.ContextWithClaims(c.Request.Context(), claims)
		ctx = logger.WithUserID(ctx, string(claims.UserID))
		c.Request = c.Request.WithContext(ctx)
		c.Set(claimsKey, claims)
		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

// RequireUser rejects tokens minted for a different user than the agent
// serves; the intents API only accepts its own user.
func RequireUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(claimsKey)
		claims, ok := v.(*services.Claims)
		if !exists || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if string(claims.UserID) != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token belongs to another user"})
			return
		}
		c.Next()
	}
}
