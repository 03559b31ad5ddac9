package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const corsMaxAgeSeconds = 600

var (
	// the browser uploads PDFs, polls jobs and streams the finished video with Range
	corsAllowedMethods = strings.Join([]string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
	}, ", ")
	corsAllowedHeaders = strings.Join([]string{
		"Accept",
		"Authorization",
		"Content-Type",
		"Idempotency-Key",
		"Range",
		"X-Request-Id",
	}, ", ")
	corsExposedHeaders = strings.Join([]string{
		"Accept-Ranges",
		"Content-Length",
		"Content-Range",
		"X-Request-Id",
	}, ", ")
)

// CORS answers preflights for the configured origins. "*" allows any origin.
// Requests from other origins pass through without CORS headers.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed = append(allowed, strings.ToLower(origin))
		}
	}
	allowAny := slices.Contains(allowed, "*")
	maxAge := strconv.Itoa(corsMaxAgeSeconds)

	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if origin == "" || (!allowAny && !slices.Contains(allowed, strings.ToLower(origin))) {
			c.Next()
			return
		}

		c.Writer.Header().Add("Vary", "Origin")
		if allowAny {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Expose-Headers", corsExposedHeaders)

		if c.Request.Method == http.MethodOptions {
			c.Writer.Header().Add("Vary", "Access-Control-Request-Method")
			c.Writer.Header().Add("Vary", "Access-Control-Request-Headers")
			c.Header("Access-Control-Allow-Methods", corsAllowedMethods)
			c.Header("Access-Control-Allow-Headers", corsAllowedHeaders)
			c.Header("Access-Control-Max-Age", maxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
