package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agentchat/internal/logging"
)

const principalContextKey = "auth_principal"

// principal is what the middleware learns about the caller.
type principal struct {
	userID string
	token  string
}

// Middleware validates bearer tokens and stores the authenticated user in the context.
// Store failures surface as 500 so a database outage is not mistaken for a bad token.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		ctx := c.Request.Context()
		userID, err := s.ValidateToken(ctx, authToken)
		switch {
		case err == nil:
		case isTokenError(err):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		default:
			logging.FromContext(ctx).Error("validate token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication unavailable"})
			return
		}
		c.Set(principalContextKey, principal{userID: userID, token: authToken})
		c.Request = c.Request.WithContext(logging.With(ctx, zap.String("user_id", userID)))
		c.Next()
	}
}

func isTokenError(err error) bool {
	return errors.Is(err, ErrTokenRequired) || errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired)
}

func principalFrom(c *gin.Context) (principal, bool) {
	val, ok := c.Get(principalContextKey)
	if !ok {
		return principal{}, false
	}
	p, ok := val.(principal)
	return p, ok && p.userID != ""
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (string, bool) {
	p, ok := principalFrom(c)
	return p.userID, ok
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	p, ok := principalFrom(c)
	return p.token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(c.GetHeader(s.headerName)), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
