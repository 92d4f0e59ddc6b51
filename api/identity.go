package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/flowboard/flowboard/internal/slogging"
)

// IdentityMiddleware extracts an optional participant identity from a
// bearer token. Identity is advisory everywhere in this service: a
// missing, expired, or unverifiable token leaves the request anonymous
// and never rejects it.
func IdentityMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSecret == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.Next()
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(jwtSecret), nil
		})
		if err != nil || !token.Valid {
			slogging.Get().Debug("Ignoring unverifiable bearer token: %v", err)
			c.Next()
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, ok := claims["sub"].(string); ok && sub != "" {
				c.Set("user_identity", sub)
			}
		}
		c.Next()
	}
}

// RequestIdentity returns the authenticated identity for a request, or
// nil when the request is anonymous
func RequestIdentity(c *gin.Context) *string {
	if identity, ok := c.Get("user_identity"); ok {
		if name, ok := identity.(string); ok && name != "" {
			return &name
		}
	}
	return nil
}
