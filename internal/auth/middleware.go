package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
	AnalystIDKey        = "analyst_id"
	AnalystEmailKey     = "analyst_email"
	AnalystRoleKey      = "analyst_role"
)

// AuthMiddleware creates a Gin middleware for JWT authentication
func AuthMiddleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid authorization header format",
			})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, BearerPrefix)
		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			status := http.StatusUnauthorized
			message := "invalid token"
			if err == ErrExpiredToken {
				message = "token has expired"
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":   "unauthorized",
				"message": message,
			})
			return
		}

		// Set analyst info in context
		c.Set(AnalystIDKey, claims.AnalystID)
		c.Set(AnalystEmailKey, claims.Email)
		c.Set(AnalystRoleKey, claims.Role)

		c.Next()
	}
}

// RoleMiddleware creates a Gin middleware for role-based access control
func RoleMiddleware(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get(AnalystRoleKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "role not found in context",
			})
			return
		}

		analystRole := role.(string)
		for _, allowedRole := range allowedRoles {
			if analystRole == allowedRole {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "insufficient permissions",
		})
	}
}

// GetAnalystIDFromContext extracts the analyst id from Gin context
func GetAnalystIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	analystID, exists := c.Get(AnalystIDKey)
	if !exists {
		return uuid.Nil, false
	}
	return analystID.(uuid.UUID), true
}

// GetAnalystRoleFromContext extracts the analyst role from Gin context
func GetAnalystRoleFromContext(c *gin.Context) (string, bool) {
	role, exists := c.Get(AnalystRoleKey)
	if !exists {
		return "", false
	}
	return role.(string), true
}
