package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"vehicle-guard/pkg/jwt"
	"vehicle-guard/pkg/utils"
)

const (
	claimsKey = "claims"

	// DeviceKeyHeader carries a static device API key on ingest requests.
	DeviceKeyHeader = "X-Device-Key"
)

// AuthMiddleware validates the bearer token and stores its claims on the
// context. Browsers cannot set headers on a websocket upgrade, so a token
// query parameter is accepted as well.
func AuthMiddleware(jwtUtil *jwt.JWTUtil) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			utils.ErrorResponse(c, http.StatusUnauthorized, "Authorization header required", nil)
			c.Abort()
			return
		}

		claims, err := jwtUtil.ValidateToken(tokenString)
		if err != nil {
			utils.ErrorResponse(c, http.StatusUnauthorized, "Invalid or expired token", err)
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return c.Query("token")
	}
	// Handle both "Bearer token" and bare token formats
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// ClaimsFrom returns the claims AuthMiddleware stored, if any.
func ClaimsFrom(c *gin.Context) (*jwt.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok || !claims.AllVehicles() {
			utils.ErrorResponse(c, http.StatusForbidden, "Admin role required", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireCommander admits admins and operators.
func RequireCommander() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok || !claims.CanCommand() {
			utils.ErrorResponse(c, http.StatusForbidden, "Not permitted to issue commands", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireVehicleAccess rejects requests for a vehicle, named by the path
// parameter param, outside the token's scope.
func RequireVehicleAccess(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok || !claims.CanAccess(c.Param(param)) {
			utils.ErrorResponse(c, http.StatusForbidden, "Vehicle not in scope", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// DeviceKeyMiddleware requires one of keys in the X-Device-Key header. With
// no keys configured every request passes.
func DeviceKeyMiddleware(keys []string) gin.HandlerFunc {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}

	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}

		presented := []byte(c.GetHeader(DeviceKeyHeader))
		for _, k := range allowed {
			if subtle.ConstantTimeCompare(presented, k) == 1 {
				c.Next()
				return
			}
		}

		utils.ErrorResponse(c, http.StatusUnauthorized, "Invalid device key", nil)
		c.Abort()
	}
}
