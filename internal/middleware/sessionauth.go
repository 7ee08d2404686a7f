package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vgrid/tokengate/internal/auth"
	"github.com/vgrid/tokengate/internal/auth/session"
)

const (
	// SessionClaimsKey is the gin context key for verified session claims.
	SessionClaimsKey = "sessionClaims"

	bearerPrefix = "Bearer "
)

// SessionAuth returns a middleware that requires a valid gateway session
// token on downstream routes.
func SessionAuth(issuer session.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := BearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      "Unauthorized",
				"message":    "missing bearer token",
				"statusCode": http.StatusUnauthorized,
			})
			return
		}

		claims, err := issuer.Verify(raw)
		if err != nil {
			code := auth.CodeOf(err)
			c.AbortWithStatusJSON(auth.HTTPStatus(code), gin.H{
				"error":      auth.Discriminator(code),
				"message":    auth.SafeMessage(code),
				"statusCode": auth.HTTPStatus(code),
			})
			return
		}

		c.Set(SessionClaimsKey, claims)
		c.Next()
	}
}

// GetSessionClaims returns the verified session claims from the gin
// context, or nil when the route is not session-authenticated.
func GetSessionClaims(c *gin.Context) *session.Claims {
	if v, exists := c.Get(SessionClaimsKey); exists {
		if claims, ok := v.(*session.Claims); ok {
			return claims
		}
	}
	return nil
}

// BearerToken extracts the bearer token from the Authorization header.
// Returns an empty string when the header is absent or not bearer-shaped.
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
}
