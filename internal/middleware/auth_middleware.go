package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/digimarket/reservation-core/pkg/jwt"
)

// UserContextKey is the key used to store user information in Gin context
const UserContextKey = "user"

// UserIDKey holds the caller's id as a string for request logging
const UserIDKey = "user_id"

// UserContext represents the authenticated caller
type UserContext struct {
	UserID uuid.UUID `json:"user_id"`
	Roles  []string  `json:"roles"`
}

// AuthOptions tunes where the middleware looks for the token
type AuthOptions struct {
	// AllowQueryToken accepts ?token= when no header is present.
	// Browsers cannot set headers on websocket upgrades.
	AllowQueryToken bool
}

// AuthMiddleware creates a middleware that validates JWT access tokens
func AuthMiddleware(jwtService *jwt.Service, logger *logrus.Logger, opts ...AuthOptions) gin.HandlerFunc {
	var opt AuthOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	return func(c *gin.Context) {
		tokenString, code, message := extractToken(c, opt)
		if tokenString == "" {
			logger.WithFields(logrus.Fields{
				"path": c.Request.URL.Path,
				"ip":   c.ClientIP(),
				"code": code,
			}).Warn("AUTH FAILED")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": message,
				"code":    code,
			})
			return
		}

		claims, err := jwtService.ValidateAccessToken(tokenString)
		if err != nil {
			entry := logger.WithFields(logrus.Fields{
				"path":  c.Request.URL.Path,
				"ip":    c.ClientIP(),
				"error": err.Error(),
			})
			if errors.Is(err, jwt.ErrTokenExpired) {
				entry.Warn("AUTH FAILED: token expired")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "token_expired",
					"message": "Access token has expired. Please refresh your token.",
					"code":    "TOKEN_EXPIRED",
				})
				return
			}
			entry.Warn("AUTH FAILED: invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_token",
				"message": "Invalid access token",
				"code":    "INVALID_TOKEN",
			})
			return
		}

		c.Set(UserContextKey, UserContext{
			UserID: claims.UserID,
			Roles:  claims.Roles,
		})
		c.Set(UserIDKey, claims.UserID.String())

		c.Next()
	}
}

func extractToken(c *gin.Context, opt AuthOptions) (token, code, message string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if opt.AllowQueryToken {
			if q := strings.TrimSpace(c.Query("token")); q != "" {
				return q, "", ""
			}
		}
		return "", "MISSING_AUTH_HEADER", "Authorization header is required"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "INVALID_AUTH_FORMAT", "Invalid authorization header format. Expected: Bearer <token>"
	}

	token = strings.TrimSpace(parts[1])
	if token == "" {
		return "", "INVALID_AUTH_FORMAT", "Token cannot be empty"
	}
	return token, "", ""
}

// GetUserContext retrieves the user context from Gin context
func GetUserContext(c *gin.Context) (UserContext, bool) {
	value, exists := c.Get(UserContextKey)
	if !exists {
		return UserContext{}, false
	}

	userCtx, ok := value.(UserContext)
	if !ok {
		return UserContext{}, false
	}

	return userCtx, true
}
