package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Auth requires a bearer token on the job API when a token is configured.
// Health checks stay open for load balancers.
func Auth(requiredToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if requiredToken == "" || !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(requiredToken)) != 1 {
			abortWithError(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		c.Next()
	}
}
